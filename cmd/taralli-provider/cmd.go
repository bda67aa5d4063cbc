package main

import (
	"context"
	"errors"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/taralli-labs/taralli-node/analyzer"
	"github.com/taralli-labs/taralli-node/api"
	"github.com/taralli-labs/taralli-node/bidder"
	"github.com/taralli-labs/taralli-node/eth"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/provider"
	"github.com/taralli-labs/taralli-node/prover"
	"github.com/taralli-labs/taralli-node/searcher"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
	"github.com/taralli-labs/taralli-node/worker"
	kvdb "go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/pebbledb"
	"go.vocdoni.io/dvote/log"
)

// Config contains the main configuration parameters of the provider
type Config struct {
	dir, logLevel        string
	network, ethURL, key string
	serverURL, search    string
	pollInterval         time.Duration
	systems              []string
	proverURL            string
	commands             map[string]string
	slots, concurrency   int
	admission            string
	minReward, maxStake  string
	targetReward         string
	metricsPort          int
}

func parseAmount(name, s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		log.Fatalf("invalid %s amount %q", name, s)
	}
	return v
}

func main() {
	config := Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	flag.StringVarP(&config.dir, "dir", "d", filepath.Join(home, ".taralli-provider"),
		"storage data directory")
	flag.StringVarP(&config.logLevel, "logLevel", "l", "info", "log level (info, debug, warn, error)")
	flag.StringVar(&config.network, "network", "sepolia", "network of the market contracts")
	flag.StringVar(&config.ethURL, "eth", "", "web3 provider url")
	flag.StringVar(&config.key, "key", "",
		"hex private key of the provider account, TARALLI_KEY env var when empty")
	flag.StringVar(&config.serverURL, "server", "http://127.0.0.1:8080", "taralli server url")
	flag.StringVar(&config.search, "search", "stream", "intents search mode (stream, poll)")
	flag.DurationVar(&config.pollInterval, "pollInterval", 5*time.Second,
		"interval between two polls of the server in poll mode")
	flag.StringSliceVar(&config.systems, "systems", []string{"risc0"}, "proving systems to provide")
	flag.StringVar(&config.proverURL, "proverURL", "",
		"url of a prover-server, the prover commands are run locally when empty")
	flag.StringToStringVar(&config.commands, "prover", nil,
		"prover command of a system, e.g. --prover risc0='r0-prover --release'")
	flag.IntVar(&config.slots, "slots", 1, "concurrent proof generations")
	flag.StringVar(&config.admission, "admission", "block", "policy when all slots are busy (block, fail-fast)")
	flag.IntVar(&config.concurrency, "concurrency", 4, "intents processed at the same time")
	flag.StringVar(&config.minReward, "minReward", "", "minimum maxRewardAmount of the accepted requests")
	flag.StringVar(&config.maxStake, "maxStake", "", "maximum minimumStake of the accepted requests")
	flag.StringVar(&config.targetReward, "targetReward", "",
		"reward to wait for before bidding, the current auction price when empty")
	flag.IntVar(&config.metricsPort, "metrics", 0, "port of the prometheus metrics, 0 to disable")

	flag.CommandLine.SortFlags = false
	flag.Parse()

	log.Init(config.logLevel, "stdout")

	key := config.key
	if key == "" {
		key = os.Getenv("TARALLI_KEY")
	}
	signer, err := types.HexToKeySigner(strings.TrimPrefix(key, "0x"))
	if err != nil {
		log.Fatal(err)
	}
	config.key = ""
	log.Debugf("Config: %#v\n", config)

	network, err := systems.NetworkByName(config.network)
	if err != nil {
		log.Fatal(err)
	}
	ids, err := systems.ParseIDs(config.systems)
	if err != nil {
		log.Fatal(err)
	}
	admission, err := worker.ParseAdmission(config.admission)
	if err != nil {
		log.Fatal(err)
	}

	workers, err := newWorkers(config, ids)
	if err != nil {
		log.Fatal(err)
	}

	ethC, err := eth.New(eth.Options{
		EthURL:  config.ethURL,
		Network: network,
		Signer:  signer,
	})
	if err != nil {
		log.Fatal(err)
	}

	database, err := pebbledb.New(kvdb.Options{Path: filepath.Join(config.dir, "progress")})
	if err != nil {
		log.Fatal(err)
	}
	store := provider.NewStore(database)
	defer store.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		if err := ethC.SyncHeads(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("eth heads subscription: %s", err)
		}
	}()

	metricsServer := metrics.NewServer(config.metricsPort)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error(err)
		}
	}()
	defer metricsServer.Stop(context.Background()) //nolint:errcheck

	client := api.NewClient(config.serverURL)
	var s searcher.Searcher
	switch config.search {
	case "stream":
		s = searcher.NewStreamSearcher(func(ctx context.Context) (searcher.Stream, error) {
			st, err := client.Subscribe(ctx, ids)
			if err != nil {
				return nil, err
			}
			return st, nil
		}, searcher.DefaultBackoff)
	case "poll":
		s = searcher.NewPollSearcher(client, types.KindRequest, ids, config.pollInterval)
	default:
		log.Fatalf("unknown search mode %q", config.search)
	}

	var bidParams func(types.Intent) bidder.BidParams
	if target := parseAmount("target reward", config.targetReward); target != nil {
		bidParams = func(types.Intent) bidder.BidParams {
			return bidder.BidParams{TargetAmount: target}
		}
	}

	validation := types.DefaultValidationConfig(network)
	validation.SupportedSystems = ids
	p := provider.New(provider.Options{
		Searcher: s,
		Chain:    ethC,
		Address:  signer.Address(),
		Analyzer: analyzer.New(validation, analyzer.Policy{
			Systems:   ids,
			MinReward: parseAmount("min reward", config.minReward),
			MaxStake:  parseAmount("max stake", config.maxStake),
		}),
		Workers:     worker.NewManager(worker.Options{Slots: config.slots, Admission: admission}, workers...),
		Store:       store,
		Concurrency: config.concurrency,
		BidParams:   bidParams,
	})
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Info("provider stopped")
}

// newWorkers returns a worker per system, backed by the prover-server when
// configured and by the local prover commands otherwise
func newWorkers(config Config, ids []systems.ID) ([]*worker.Worker, error) {
	var backend worker.Backend
	if config.proverURL != "" {
		backend = prover.NewClient(config.proverURL)
	} else {
		commands := make(map[systems.ID][]string, len(config.commands))
		for name, cmd := range config.commands {
			id, err := systems.ParseID(name)
			if err != nil {
				return nil, err
			}
			commands[id] = strings.Fields(cmd)
		}
		exec := prover.NewExec(prover.ExecOptions{
			Commands: commands,
			Dir:      filepath.Join(config.dir, "work"),
		})
		for _, id := range ids {
			if !exec.Supports(id) {
				return nil, errors.New("no prover command for " + string(id))
			}
		}
		backend = exec
	}

	workers := make([]*worker.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := worker.NewWorker(id, backend)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
