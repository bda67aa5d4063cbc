package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/taralli-labs/taralli-node/api"
	"github.com/taralli-labs/taralli-node/db"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/tracker"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

// Config contains the main configuration parameters of the server
type Config struct {
	dir, logLevel, port string
	network, ethURL     string
	systems             []string
	policy              string
	minProvingTime      uint32
	maxStartDelay       uint32
	validationTimeout   time.Duration
	rateLimit           float64
	rateBurst           int
	sweepInterval, keep time.Duration
}

func main() {
	config := Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	flag.StringVarP(&config.dir, "dir", "d", filepath.Join(home, ".taralli-server"),
		"storage data directory")
	flag.StringVarP(&config.logLevel, "logLevel", "l", "info", "log level (info, debug, warn, error)")
	flag.StringVarP(&config.port, "port", "p", "8080", "network port for the HTTP API")
	flag.StringVar(&config.network, "network", "sepolia", "network of the market contracts")
	flag.StringVar(&config.ethURL, "eth", "", "web3 provider url")
	flag.StringSliceVar(&config.systems, "systems", nil,
		"accepted proving systems, all when empty")
	flag.StringVar(&config.policy, "policy", "first", "auction policy (first, lowest)")
	flag.Uint32Var(&config.minProvingTime, "minProvingTime", types.DefaultMinimumProvingTime,
		"minimum proving time of the intents, in seconds")
	flag.Uint32Var(&config.maxStartDelay, "maxStartDelay", types.DefaultMaximumStartDelay,
		"maximum delay between the arrival of an intent and its auction start, in seconds")
	flag.DurationVar(&config.validationTimeout, "validationTimeout", 5*time.Second,
		"timeout of the validation of a posted intent")
	flag.Float64Var(&config.rateLimit, "rateLimit", 0, "posted intents per second, 0 for no limit")
	flag.IntVar(&config.rateBurst, "rateBurst", 10, "burst of posted intents")
	flag.DurationVar(&config.sweepInterval, "sweep", time.Minute,
		"interval between two sweeps of the expired intents")
	flag.DurationVar(&config.keep, "keep", time.Hour,
		"how long finished auctions are kept in memory")

	flag.CommandLine.SortFlags = false
	flag.Parse()

	log.Init(config.logLevel, "stdout")

	log.Debugf("Config: %#v\n", config)

	network, err := systems.NetworkByName(config.network)
	if err != nil {
		log.Fatal(err)
	}
	supported, err := systems.ParseIDs(config.systems)
	if err != nil {
		log.Fatal(err)
	}
	policy, err := tracker.ParsePolicy(config.policy)
	if err != nil {
		log.Fatal(err)
	}

	// prepare DB
	if err := os.MkdirAll(config.dir, 0o750); err != nil {
		log.Fatal(err)
	}
	sqlDB, err := sql.Open("sqlite3", filepath.Join(config.dir, "taralli.sqlite3"))
	if err != nil {
		log.Fatal(err)
	}
	sqlite := db.NewSQLite(sqlDB)
	err = sqlite.Migrate()
	if err != nil {
		log.Fatal(err)
	}

	// prepare ethereum client, read only
	ethC, err := eth.New(eth.Options{
		EthURL:  config.ethURL,
		Network: network,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		if err := ethC.SyncHeads(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("eth heads subscription: %s", err)
		}
	}()

	validation := types.DefaultValidationConfig(network)
	validation.SupportedSystems = supported
	validation.MinimumProvingTime = config.minProvingTime
	validation.MaximumStartDelay = config.maxStartDelay

	a, err := api.New(api.Options{
		DB:                sqlite,
		Chain:             ethC,
		Validation:        validation,
		ValidationTimeout: config.validationTimeout,
		Policy:            policy,
		RateLimit:         config.rateLimit,
		RateBurst:         config.rateBurst,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	go sweep(ctx, a, config.sweepInterval, config.keep)

	go func() {
		if err := a.Serve(config.port); err != nil {
			log.Fatal(err)
		}
	}()
	log.Infof("taralli server listening on port %s, network %s", config.port, network.Name)
	<-ctx.Done()
	log.Info("shutting down")
}

// sweep periodically expires the intents whose auction ended and prunes the
// finished auction records
func sweep(ctx context.Context, a *api.API, interval, keep time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx, time.Now().Add(-keep)); err != nil {
				log.Warnw("sweep failed", "err", err)
			}
		}
	}
}
