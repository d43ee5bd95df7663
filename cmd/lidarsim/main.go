package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidarsim/internal/config"
	"github.com/banshee-data/lidarsim/internal/sim"
	"github.com/banshee-data/lidarsim/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON simulation config (default: built-in single sensor)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides outputs.http_addr)")
	duration    = flag.String("duration", "", "Simulated time to run, e.g. 30s (overrides duration)")
	fastForward = flag.Bool("fast", false, "Run as fast as possible instead of in real time")
	logInterval = flag.Int("log-interval", 10, "Statistics logging interval in seconds")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.SimConfig, error) {
	cfg := config.DefaultSimConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadSimConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.Outputs.HTTPAddr = listen
	}
	if *duration != "" {
		cfg.Duration = duration
	}
	if *fastForward {
		realTime := false
		cfg.RealTime = &realTime
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("lidarsim"))
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("%s starting with %d sensor(s)", version.String("lidarsim"), len(cfg.Sensors))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		log.Fatalf("Simulation stopped with error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.SimConfig) error {
	s, err := sim.New(cfg, sim.WithLogInterval(time.Duration(*logInterval)*time.Second))
	if err != nil {
		return fmt.Errorf("building simulation: %w", err)
	}
	defer s.Close()

	out, err := sim.Wire(ctx, s, cfg.Outputs)
	if err != nil {
		return fmt.Errorf("starting outputs: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Printf("Error closing outputs: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		return out.Web.Start(runCtx)
	})
	g.Go(func() error {
		// A bounded run ends the process once its duration elapses.
		defer cancel()
		return s.Run(runCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Printf("Simulated %.1fs, %d tick errors", s.Elapsed(), s.TickErrors())
	s.Stats().LogStats()
	return nil
}
