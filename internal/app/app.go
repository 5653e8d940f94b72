package app

import (
	"context"
	"time"

	"github.com/aquamarinepk/aqm"
	aqmevents "github.com/aquamarinepk/aqm/events"
	"github.com/aquamarinepk/aqm/middleware"
	"github.com/platekitchen/kds/internal/feed"
	"github.com/platekitchen/kds/internal/kds"
	"github.com/platekitchen/kds/internal/metrics"
	"github.com/platekitchen/kds/internal/postgres"
	"github.com/platekitchen/kds/pkg"
	"github.com/platekitchen/kds/pkg/event"
)

const (
	AppName    = "kds"
	AppVersion = "0.1.0"
)

// App encapsulates the kitchen display service
type App struct {
	config *aqm.Config
	logger aqm.Logger
	micro  *aqm.Micro
	repo   *postgres.EntryRepo
}

// New creates a new kitchen display service application
func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	return &App{
		config: config,
		logger: logger,
	}, nil
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	a.repo = postgres.NewEntryRepo(a.config, a.logger)

	natsURL, _ := a.config.GetString("nats.url")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	// Persistent stream when enabled, NATS Core otherwise. The stream doubles
	// as a replay source for warming metrics after a restart.
	var entryStream *pkg.NATSStream
	var eventPublisher aqmevents.Publisher

	streamEnabled, _ := a.config.GetString("nats.stream.enabled")
	if streamEnabled == "true" {
		streamCfg := pkg.NATSStreamConfig{
			URL:          natsURL,
			StreamName:   "KDS_EVENTS",
			Topic:        event.EntriesTopic,
			ConsumerName: "kds-publisher",
			MaxAge:       24 * time.Hour,
			MaxMsgs:      0,
		}
		var err error
		entryStream, err = pkg.NewNATSStream(streamCfg)
		if err != nil {
			return err
		}
		a.logger.Info("NATS stream initialized for persistent events")
		eventPublisher = entryStream
	} else {
		publisher, err := pkg.NewNATSPublisher(natsURL)
		if err != nil {
			return err
		}
		eventPublisher = publisher
	}

	metricsSubscriber, err := pkg.NewNATSSubscriber(natsURL)
	if err != nil {
		return err
	}

	// The router starts empty and loads station rules once the store is up.
	router := kds.NewRouter(nil)

	engine := kds.NewEngine(a.repo, router, eventPublisher, a.logger)
	handler := kds.NewHandler(engine, a.repo, a.config, a.logger)

	// Change feed: dedicated LISTEN connection, synchronized display view,
	// SSE fan-out to station displays.
	listener := postgres.NewListener(a.repo.ConnString(), a.logger)
	hub := feed.NewHub(a.logger)
	synchronizer := feed.NewSynchronizer(a.repo, listener, hub, a.logger)
	streamServer := feed.NewStreamServer(synchronizer, hub, a.logger)

	var streamForMetrics aqmevents.StreamConsumer
	if entryStream != nil {
		streamForMetrics = entryStream
	}
	aggregator := metrics.NewAggregator(a.repo, router, streamForMetrics, metricsSubscriber, eventPublisher, a.config, a.logger)

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      a.logger,
		DisableCORS: true,
	})
	stack = append(stack, middleware.InternalOnly())

	// Station rules and demo seeds need the store, so they load after the
	// repo's own lifecycle start.
	routerLifecycle := aqm.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			if err := kds.ApplyDemoSeeds(ctx, a.config, a.repo, a.logger); err != nil {
				a.logger.Errorf("Demo seeding failed (non-fatal): %v", err)
			}
			stations, err := a.repo.ListStations(ctx)
			if err != nil {
				return err
			}
			router.Reload(stations)
			a.logger.Info("Routing rules loaded", "stations", len(stations))
			return nil
		},
	}

	lifecycles := []interface{}{a.repo, routerLifecycle, listener, synchronizer, aggregator}

	if entryStream != nil {
		streamLifecycle := aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return entryStream.Close() },
		}
		lifecycles = append(lifecycles, streamLifecycle)
	}
	subscriberLifecycle := aqm.LifecycleHooks{
		OnStop: func(context.Context) error { return metricsSubscriber.Close() },
	}
	lifecycles = append(lifecycles, subscriberLifecycle)

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler, streamServer, aggregator),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}
