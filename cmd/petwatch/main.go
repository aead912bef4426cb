package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"petwatch/internal/config"
	"petwatch/internal/pipeline"
	"petwatch/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		modeF   = flag.String("mode", "", "Performance mode: quality, balanced, performance or ultra")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides the configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[petwatch] ", log.Ltime)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	if *modeF != "" {
		if _, err := pipeline.ParsePerformanceMode(*modeF); err != nil {
			logger.Fatalf("invalid -mode: %v", err)
		}
		cfg.Scheduler.Mode = *modeF
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := newApp(setupCtx, cfg, *modeF != "")
	setupCancel()
	if err != nil {
		logger.Fatalf("failed to start: %v", err)
	}

	handler := newHandler(routes{
		api: &api{
			started:     time.Now(),
			sessionID:   a.session.ID,
			auth:        a.auth,
			modes:       a,
			journal:     journalOf(a),
			alerts:      a.dispatcher,
			latest:      a.hub.Latest,
			tracks:      a.tracker.Tracks,
			pipeline:    a.coordinator.Stats,
			scheduler:   a.scheduler.Stats,
			alertStats:  a.dispatcher.Stats,
			clientCount: a.hub.ClientCount,
			logger:      logger,
		},
		metrics: a.metrics.Handler(),
		ws:      ws.NewHandler(a.hub, cfg.HTTP.AllowedOrigins),
		preview: a.preview,
	}, a.auth, logger, *dbgF)

	// Signals and server failures both stop the pipeline
	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	httpCtx, stopHTTP := context.WithCancel(context.Background())
	defer stopHTTP()
	handleHTTPServer(httpCtx, cfg.HTTP.Addr, handler, cfg.HTTP.ShutdownTimeout, &wg, errc, logger)

	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	done := make(chan error, 1)
	go func() {
		done <- a.run(pipeCtx)
	}()

	var runErr error
	select {
	case err := <-errc:
		logger.Printf("exiting (%v)", err)
		stopPipeline()
		runErr = <-done
	case runErr = <-done:
		if runErr != nil {
			logger.Printf("pipeline failed: %v", runErr)
		} else {
			logger.Printf("pipeline finished")
		}
	}

	a.finish(runErr)

	stopHTTP()
	wg.Wait()
	a.close()
	logger.Println("exited")
	if runErr != nil {
		os.Exit(1)
	}
}

// journalOf avoids handing the api a typed nil
func journalOf(a *app) journalReader {
	if a.journal == nil {
		return nil
	}
	return a.journal
}
