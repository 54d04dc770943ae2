package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tablepick/internal/api"
	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/checkout"
	"github.com/banshee-data/tablepick/internal/config"
	"github.com/banshee-data/tablepick/internal/db"
	"github.com/banshee-data/tablepick/internal/httputil"
	"github.com/banshee-data/tablepick/internal/monitoring"
	"github.com/banshee-data/tablepick/internal/perception"
	"github.com/banshee-data/tablepick/internal/pipeline"
	"github.com/banshee-data/tablepick/internal/scanner"
	"github.com/banshee-data/tablepick/internal/stream"
	"github.com/banshee-data/tablepick/internal/timeutil"
	"github.com/banshee-data/tablepick/internal/version"
	"github.com/banshee-data/tablepick/internal/zone"
)

var (
	configFile  = flag.String("config", "", "Path to JSON config file (built-in defaults when empty)")
	envFile     = flag.String("env-file", ".env", "Optional .env file loaded before the config")
	dbPath      = flag.String("db-path", "", "Override the sqlite database path")
	listen      = flag.String("listen", "", "Override the HTTP listen address")
	pcapFile    = flag.String("pcap", "", "Replay tracking results from a pcap/pcapng file instead of UDP")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

var logger = monitoring.NewStreamLogger("main")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: tablepick [flags] [migrate <command>]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		return
	}

	if err := config.LoadEnv(*envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	if err := monitoring.Initialize(os.Getenv(config.EnvLogEnv)); err != nil {
		log.Fatalf("failed to initialise logging: %v", err)
	}
	defer monitoring.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		monitoring.Sync()
		log.Fatalf("tablepick: %v", err)
	}
	logger.Diagf("graceful shutdown complete")
}

// loadConfig applies, in order: the config file (or defaults), TABLEPICK_*
// environment overrides, then command-line flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *listen != "" {
		if cfg.Listen == nil {
			cfg.Listen = &config.ListenConfig{}
		}
		cfg.Listen.HTTP = listen
	}
	if *pcapFile != "" {
		if cfg.Tracking == nil {
			cfg.Tracking = &config.TrackingConfig{}
		}
		cfg.Tracking.PCAPFile = pcapFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, quit := context.WithCancel(parent)
	defer quit()

	clock := timeutil.RealClock{}
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	resolver, err := zone.NewResolver(cfg.GetZones())
	if err != nil {
		return err
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	streams := stream.Set{}
	for _, p := range cfg.GetStreams() {
		streams[p.Name] = stream.NewSource(p, stream.Open, clock, metrics)
	}

	detector, err := perception.NewItemDetector(httputil.NewStandardClient(cfg.GetItemTimeout()), perception.ItemDetectorConfig{
		URL:        cfg.GetItemDetectorURL(),
		Confidence: cfg.GetItemConfidence(),
		IoU:        cfg.GetItemIoU(),
	})
	if err != nil {
		return err
	}
	items := perception.NewCameraItems(streams, detector, clock, cfg.GetItemMaxFrameAge())

	// The primary source is the only collaborator allowed to stop startup.
	primary, err := pipeline.OpenPrimary(ctx, pipeline.PrimaryConfig{
		UDP: perception.UDPConfig{
			Address: cfg.GetUDPAddress(),
			RcvBuf:  cfg.GetUDPRcvBuf(),
			Wait:    cfg.GetTrackingWait(),
		},
		PCAP: perception.PCAPConfig{
			Path:     cfg.GetPCAPFile(),
			Port:     cfg.GetPCAPPort(),
			Realtime: cfg.GetPCAPRealtime(),
		},
		StartupTimeout: cfg.GetStartupTimeout(),
		Clock:          clock,
	})
	if err != nil {
		return err
	}

	sinks := checkout.MultiSink{store}
	if brokers := cfg.GetKafkaBrokers(); len(brokers) > 0 {
		client, err := checkout.NewKafkaClient(brokers, cfg.GetKafkaTopic())
		if err != nil {
			logger.Opsf("checkout events will not be published: %v", err)
		} else {
			defer client.Close()
			sinks = append(sinks, checkout.NewKafkaSink(client, cfg.GetKafkaTopic()))
			logger.Diagf("publishing checkout events to %v topic %s", brokers, cfg.GetKafkaTopic())
		}
	}

	var (
		views      chan []cart.View
		projection *cart.RedisProjection
	)
	if url := cfg.GetRedisURL(); url != "" {
		rdb, err := cart.NewRedisClient(ctx, url)
		if err != nil {
			logger.Opsf("cart projection disabled: %v", err)
		} else {
			defer rdb.Close()
			views = make(chan []cart.View, 1)
			projection = cart.NewRedisProjection(rdb, cfg.GetRedisTTL())
		}
	}

	submitter := checkout.NewClient(httputil.NewStandardClient(cfg.GetInvoiceTimeout()), cfg.GetInvoiceURL())
	dispatcher := checkout.NewDispatcher(submitter, store, sinks, metrics, clock)
	retry := checkout.NewRetryWorker(dispatcher, cfg.GetRetryInterval(), cfg.GetRetryRate(), cfg.GetRetryBatch())

	outbox := make(chan checkout.Outbound, 64)
	orch, err := pipeline.New(pipeline.Config{
		Source:      primary,
		Resolver:    resolver,
		Items:       items,
		Outbox:      outbox,
		Overflow:    dispatcher,
		Views:       views,
		Metrics:     metrics,
		Clock:       clock,
		PersonClass: cfg.GetPersonClass(),
	})
	if err != nil {
		primary.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, src := range streams {
		g.Go(func() error { return src.Run(gctx) })
	}

	if camera := cfg.GetQRCamera(); camera != "" {
		decoder, err := perception.NewQRDecoder()
		if err != nil {
			logger.Opsf("QR decoding on %s disabled: %v", camera, err)
		} else {
			frames, unsubscribe := streams[camera].Subscribe()
			worker := perception.NewDecodeWorker(decoder, orch.Payloads())
			g.Go(func() error {
				defer decoder.Close()
				defer unsubscribe()
				return worker.Run(gctx, frames)
			})
		}
	}

	var sc *scanner.Scanner
	if port := cfg.GetScannerPort(); port != "" {
		sc = scanner.New(port, scanner.PortOptions{
			BaudRate: cfg.GetScannerBaudRate(),
			Parity:   cfg.GetScannerParity(),
		}, nil, clock, time.Second)
		g.Go(func() error { return sc.Run(gctx, orch.Payloads()) })
	}

	g.Go(func() error { return dispatcher.Run(gctx, outbox) })
	g.Go(func() error { return retry.Run(gctx) })
	if projection != nil {
		g.Go(func() error { return projection.Run(gctx, views) })
	}

	// A finished replay ends the process.
	g.Go(func() error {
		defer quit()
		return orch.Run(gctx)
	})

	g.Go(func() error {
		mux := api.NewServer(orch, streams, prometheus.DefaultGatherer, quit).ServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		if sc != nil {
			sc.AttachAdminRoutes(mux)
		}
		return serveHTTP(gctx, cfg.GetHTTPListen(), api.LoggingMiddleware(mux))
	})

	if addr := cfg.GetGRPCListen(); addr != "" {
		hs := api.NewHealthServer(orch, 5*time.Second, time.Second)
		g.Go(func() error { return hs.Serve(gctx, addr) })
	}

	logger.Diagf("%s running: %d zones, %d streams, http %s", version.String(), len(resolver.Zones()), len(streams), cfg.GetHTTPListen())
	return g.Wait()
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Diagf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Opsf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			logger.Opsf("HTTP server force close error: %v", err)
		}
	}
	logger.Diagf("HTTP server routine stopped")
	return nil
}
