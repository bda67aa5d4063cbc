package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/systems"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/pebbledb"
	"go.vocdoni.io/dvote/log"
)

// Config contains the configuration parameters of the prover-server
type Config struct {
	port, dir, logLevel string
	metricsPort         int
	commands            map[string]string
	cacheSize           int
}

// generator produces the proof artifacts, implemented by prover.Exec
type generator interface {
	Generate(ctx context.Context, s systems.System) (*prover.Artifact, error)
	Supports(id systems.ID) bool
}

type api struct {
	r *gin.Engine
	// the Mutex is held while a proof is being generated
	sync.Mutex

	db  db.Database
	gen generator
	// ctx is the context of the generations
	ctx context.Context
	wg  sync.WaitGroup
}

func newAPI(ctx context.Context, database db.Database, gen generator) *api {
	a := &api{db: database, gen: gen, ctx: ctx}
	a.r = gin.Default()
	a.r.GET("/status", a.getStatus)
	a.r.POST("/proof", a.genProof)
	a.r.GET("/proof/:id", a.getProof)
	return a
}

func main() {
	config := Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	flag.StringVarP(&config.port, "port", "p", "9000", "network port for the HTTP API")
	flag.StringVarP(&config.dir, "dir", "d", filepath.Join(home, ".proverserver"),
		"db & files directory")
	flag.StringVarP(&config.logLevel, "logLevel", "l", "info", "log level (info, debug, warn, error)")
	flag.IntVar(&config.metricsPort, "metrics", 0, "port of the prometheus metrics, 0 to disable")
	flag.StringToStringVar(&config.commands, "prover", nil,
		"prover command of a system, e.g. --prover risc0='r0-prover --release'")
	flag.IntVar(&config.cacheSize, "cache", prover.DefaultCacheSize, "number of cached artifacts")

	flag.CommandLine.SortFlags = false
	flag.Parse()

	log.Init(config.logLevel, "stdout")
	log.Debugf("Config: %#v\n", config)

	commands := make(map[systems.ID][]string, len(config.commands))
	for name, cmd := range config.commands {
		id, err := systems.ParseID(name)
		if err != nil {
			log.Fatal(err)
		}
		commands[id] = strings.Fields(cmd)
	}
	if len(commands) == 0 {
		log.Fatal("no prover command configured")
	}

	database, err := pebbledb.New(db.Options{Path: filepath.Join(config.dir, "jobs")})
	if err != nil {
		log.Fatal(err)
	}
	exec := prover.NewExec(prover.ExecOptions{
		Commands:  commands,
		Dir:       filepath.Join(config.dir, "work"),
		CacheSize: config.cacheSize,
	})
	log.Infof("prover-server for %v", exec.Systems())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsServer := metrics.NewServer(config.metricsPort)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error(err)
		}
	}()

	a := newAPI(ctx, database, exec)
	srv := &http.Server{Addr: ":" + config.port, Handler: a.r}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
		_ = metricsServer.Stop(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	a.wg.Wait()
	if err := database.Close(); err != nil {
		log.Error(err)
	}
}

type errorMsg struct {
	Message string `json:"message"`
}

func returnErr(c *gin.Context, err error) {
	log.Warnw("HTTP API Bad request error", "err", err)
	c.JSON(http.StatusBadRequest, errorMsg{
		Message: err.Error(),
	})
}

func (a *api) getStatus(c *gin.Context) {
	if !a.TryLock() {
		c.JSON(http.StatusLocked, gin.H{
			"status": "prover busy",
		})
		return
	}
	a.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
