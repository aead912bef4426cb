package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"petwatch/internal/alert"
	"petwatch/internal/auth"
	"petwatch/internal/config"
	"petwatch/internal/detection"
	"petwatch/internal/imaging"
	"petwatch/internal/metrics"
	"petwatch/internal/pipeline"
	"petwatch/internal/pipeline/detectors"
	"petwatch/internal/pipeline/strategies"
	"petwatch/internal/s3"
	"petwatch/internal/source"
	"petwatch/internal/stats"
	"petwatch/internal/store"
	"petwatch/internal/stream"
	"petwatch/internal/tracker"
	"petwatch/internal/ws"
)

const modeSettingKey = "performance_mode"

// app owns every long-lived component of one pipeline session
type app struct {
	cfg *config.Config

	source      pipeline.FrameSource
	registry    *detectors.Registry
	scheduler   *pipeline.DetectionScheduler
	tracker     *tracker.Tracker
	coordinator *pipeline.Coordinator
	bus         *pipeline.EventBus

	hub        *ws.Hub
	preview    *stream.Preview
	dispatcher *alert.Dispatcher
	kafka      *alert.KafkaNotifier
	metrics    *metrics.Metrics
	auth       *auth.Authenticator

	journal      *store.Journal
	session      store.Session
	recorder     *store.Recorder
	unsubJournal func()

	s3 *s3.Client
}

// newApp wires the pipeline. A mode passed on the command line wins over
// the one persisted by a previous run.
func newApp(ctx context.Context, cfg *config.Config, modeFromFlag bool) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.auth, err = auth.NewAuthenticator(cfg.Auth); err != nil {
		return nil, err
	}

	if cfg.Store.Path != "" {
		if a.journal, err = store.Open(cfg.Store.Path); err != nil {
			return nil, err
		}
		if !modeFromFlag {
			if saved, _ := a.journal.GetSetting(ctx, modeSettingKey); saved != "" {
				if _, err := pipeline.ParsePerformanceMode(saved); err == nil {
					cfg.Scheduler.Mode = saved
					log.Printf("[Config] Using persisted performance mode %s", saved)
				}
			}
		}
		if cfg.Store.Retention > 0 {
			n, err := a.journal.DeleteEventsBefore(ctx, time.Now().Add(-cfg.Store.Retention))
			if err != nil {
				return nil, err
			}
			if n > 0 {
				log.Printf("[Store] Pruned %d events older than %s", n, cfg.Store.Retention)
			}
		}
	}

	var objects source.ObjectStore
	if cfg.S3.Enabled {
		if a.s3, err = s3.NewClient(cfg.S3); err != nil {
			return nil, err
		}
		if err := a.s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		objects = a.s3
	}

	if a.source, err = source.New(cfg.Source, objects); err != nil {
		return nil, err
	}

	a.registry, err = buildRegistry(cfg.Detector)
	if err != nil {
		return nil, err
	}
	failover, err := detectors.NewFailover(a.registry, cfg.Detector.Order)
	if err != nil {
		return nil, err
	}
	health := a.registry.CheckHealth(ctx)
	for _, name := range a.registry.Names() {
		if health[name] {
			log.Printf("[Detector] Backend %s is healthy", name)
		} else {
			log.Printf("[Detector] Backend %s not reachable yet, frames degrade to cache until it is", name)
		}
	}

	strategy, err := strategies.NewStrategyFactory().Create(cfg.StrategyConfig())
	if err != nil {
		return nil, err
	}
	a.scheduler = pipeline.NewDetectionScheduler(failover, strategy, imaging.NewScaler(cfg.Scheduler.ScaleQuality), cfg.SchedulerConfig())

	layout, err := tracker.NewLayout(cfg.Layout.Zones, cfg.Layout.Bowls)
	if err != nil {
		return nil, err
	}
	statsCfg, err := cfg.StatsConfig()
	if err != nil {
		return nil, err
	}

	a.tracker = tracker.New(layout, cfg.TrackerConfig())
	a.bus = pipeline.NewEventBus()
	a.coordinator = pipeline.NewCoordinator(
		a.source,
		a.scheduler,
		a.tracker,
		stats.New(statsCfg),
		a.bus,
		cfg.CoordinatorConfig(),
	)

	a.hub = ws.NewHub()
	a.coordinator.AddConsumer(a.hub)

	a.preview = stream.NewPreview(cfg.Layout.Zones, cfg.Layout.Bowls, cfg.Preview.Quality)
	a.coordinator.AddFrameObserver(a.preview)

	notifiers := []alert.Notifier{alert.LogNotifier{}}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alert.NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Kafka.Enabled {
		if a.kafka, err = alert.NewKafkaNotifier(cfg.Kafka); err != nil {
			return nil, err
		}
		notifiers = append(notifiers, a.kafka)
	}
	if a.journal != nil {
		notifiers = append(notifiers, a.journal)
	}
	a.dispatcher = alert.NewDispatcher(cfg.Alerts, cfg.Layout.Zones, cfg.Layout.Bowls, notifiers...)
	a.dispatcher.SetSnapshotFunc(func() []byte {
		frame, _ := a.preview.Latest()
		return frame
	})
	a.bus.SubscribeKinds(a.dispatcher, alert.EventKinds...)
	a.coordinator.AddFrameObserver(a.dispatcher)

	a.session = store.Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Mode:      cfg.PerformanceMode(),
		Source:    store.SessionSource(string(cfg.Source.Kind), sourceName(cfg.Source)),
	}
	if a.journal != nil {
		a.recorder = a.journal.NewRecorder(a.session.ID, time.Second)
	}

	a.metrics = metrics.New(metrics.Sources{
		Coordinator:    a.coordinator.Stats,
		Scheduler:      a.scheduler.Stats,
		Alerts:         a.dispatcher.Stats,
		Subscribers:    a.bus.SubscriberCount,
		JournalPending: a.journalPending,
		WSClients:      a.hub.ClientCount,
		WSReplaced:     a.hub.Superseded,
	})
	a.coordinator.AddFrameObserver(a.metrics)

	ok = true
	return a, nil
}

func buildRegistry(cfg config.DetectorConfig) (*detectors.Registry, error) {
	registry := detectors.NewRegistry()
	for _, name := range cfg.Order {
		var d pipeline.Detector
		switch name {
		case "http":
			d = detectors.NewHTTPAdapter(detection.NewHTTPClient(cfg.HTTPEndpoint, cfg.Timeout))
		case "grpc":
			client, err := detection.NewGRPCClient(detection.GRPCClientConfig{
				Endpoint: cfg.GRPCEndpoint,
				Timeout:  cfg.Timeout,
			})
			if err != nil {
				registry.Close()
				return nil, fmt.Errorf("failed to create grpc detector: %w", err)
			}
			d = detectors.NewGRPCAdapter(client)
		default:
			registry.Close()
			return nil, fmt.Errorf("unknown detector backend: %s", name)
		}
		if err := registry.Register(d); err != nil {
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

func sourceName(cfg source.Config) string {
	switch cfg.Kind {
	case source.KindDirectory:
		return cfg.Directory
	case source.KindS3:
		return cfg.Prefix
	default:
		return cfg.Device
	}
}

// run starts the session and blocks until the pipeline stops
func (a *app) run(ctx context.Context) error {
	if a.journal != nil {
		if err := a.journal.StartSession(ctx, a.session); err != nil {
			return err
		}
		a.unsubJournal = a.bus.Subscribe(a.recorder)
		a.recorder.Start(ctx)
	}

	a.dispatcher.Start(context.WithoutCancel(ctx))
	log.Printf("[Pipeline] Session %s started (%s, mode %s)", a.session.ID, a.session.Source, a.session.Mode)

	err := a.coordinator.Run(ctx)
	if errors.Is(err, pipeline.ErrSourceExhausted) {
		return nil
	}
	return err
}

func (a *app) journalPending() int {
	if a.recorder == nil {
		return 0
	}
	return a.recorder.Pending()
}

// Mode returns the active performance mode and its settings
func (a *app) Mode() (pipeline.PerformanceMode, pipeline.ModeSettings) {
	return a.scheduler.Mode()
}

// SetMode switches the scheduler and persists the choice
func (a *app) SetMode(ctx context.Context, mode pipeline.PerformanceMode) error {
	if err := a.scheduler.SetMode(mode); err != nil {
		return err
	}
	if a.journal != nil {
		if err := a.journal.SaveSetting(ctx, modeSettingKey, string(mode)); err != nil {
			return err
		}
	}
	return nil
}

// finish archives the final snapshot once the pipeline has stopped
func (a *app) finish(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.dispatcher.Close()

	var snapshot *pipeline.StatisticsSnapshot
	reason := "stopped"
	if runErr != nil {
		reason = runErr.Error()
	}
	if pub := a.hub.Latest(); pub != nil {
		snapshot = pub.Snapshot
		if pub.Final && pub.Reason != "" {
			reason = pub.Reason
		}
	}

	if a.unsubJournal != nil {
		a.unsubJournal()
		a.recorder.Close()
		if err := a.journal.EndSession(ctx, a.session.ID, time.Now(), reason, snapshot); err != nil {
			log.Printf("[Store] Failed to close session: %v", err)
		}
	}

	if a.s3 != nil && snapshot != nil {
		if url, err := a.s3.ArchiveSnapshot(ctx, a.session.ID, snapshot); err != nil {
			log.Printf("[S3] Failed to archive snapshot: %v", err)
		} else {
			log.Printf("[S3] Snapshot archived to %s", url)
		}
		if frame, _ := a.preview.Latest(); frame != nil {
			if _, err := a.s3.ArchiveFrame(ctx, a.session.ID, frame); err != nil {
				log.Printf("[S3] Failed to archive final frame: %v", err)
			}
		}
	}

	log.Printf("[Pipeline] Session %s finished (%s)", a.session.ID, reason)
}

func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.source != nil {
		a.source.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
}
