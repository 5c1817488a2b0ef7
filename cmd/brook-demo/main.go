package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"
	"goa.design/clue/log"

	"goa.design/brook/api"
	"goa.design/brook/broker"
	"goa.design/brook/telemetry"
	"goa.design/brook/worker"
)

func main() {
	// Define command line flags; the environment (and an optional .env file)
	// carries the rest of the configuration.
	var (
		modeF        = flag.String("mode", "all", "What to run (valid values: worker, api, all)")
		httpAddrF    = flag.String("http-addr", api.DefaultAddr, "HTTP listen address")
		workersFileF = flag.String("workers-file", "", "YAML file with per-role worker counts")
		dbgF         = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Missing .env files are fine; the environment wins either way.
	godotenv.Load()

	cfg, err := worker.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(1)
	}

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	dbg := *dbgF || cfg.Debug
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	runWorkers := *modeF == "worker" || *modeF == "all"
	runAPI := *modeF == "api" || *modeF == "all"
	if !runWorkers && !runAPI {
		log.Fatal(ctx, fmt.Errorf("invalid mode %q (valid modes: worker, api, all)", *modeF))
	}

	// A model that does not compile must not start serving.
	plan, err := buildModel().Compile()
	if err != nil {
		log.Fatal(ctx, err)
	}

	workers := map[string]int{}
	defaultWorkers := cfg.DefaultWorkers
	workersPath := *workersFileF
	if workersPath == "" {
		workersPath = cfg.WorkersFile
	}
	if workersPath != "" {
		rw, err := worker.LoadRoleWorkers(workersPath)
		if err != nil {
			log.Fatal(ctx, err)
		}
		workers = rw.Roles
		if rw.Default > 0 {
			defaultWorkers = rw.Default
		}
	}

	b, err := broker.Connect(ctx, cfg.RedisURL, broker.Options{Separator: plan.Separator})
	if err != nil {
		log.Fatalf(ctx, err, "cannot reach broker at %q", cfg.RedisURL)
	}
	defer b.Close()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Create channel used by both the signal handler and component
	// goroutines to notify the main goroutine when to stop.
	errc := make(chan error, 3)

	// Setup interrupt handler so SIGINT and SIGTERM stop everything
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	var presence *worker.Presence
	if runAPI {
		// The API process joins the presence map read-only so the health
		// route can list the fleet.
		presence, err = worker.JoinPresence(ctx, "", b.Redis(), logger)
		if err != nil {
			log.Errorf(ctx, err, "presence map unavailable, health route degrades to broker ping")
			presence = nil
		} else {
			defer presence.Close()
		}
	}

	if runWorkers {
		mgr, err := worker.New(plan, worker.Options{
			Broker:         b,
			Logger:         logger,
			Metrics:        metrics,
			DefaultWorkers: defaultWorkers,
			Workers:        workers,
			DrainTimeout:   cfg.DrainTimeout,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.Run(ctx); err != nil {
				errc <- err
			}
		}()
	}

	if runAPI {
		srv, err := api.New(api.Options{
			Broker:   b,
			Plan:     plan,
			Addr:     *httpAddrF,
			Logger:   logger,
			Presence: presence,
			Debug:    dbg,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errc <- err
			}
		}()
	}

	// Wait for signal or component failure.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}
