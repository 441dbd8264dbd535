// Package collector wires the store, registry, ingest, relay, archive and
// HTTP API into one process.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"netlock/pkg/bus"
	"netlock/pkg/config"
	"netlock/pkg/db"
	"netlock/pkg/kv"
	gos3 "netlock/pkg/s3"
	"netlock/pkg/telemetry"
	"netlock/services/api"
	"netlock/services/archive"
	"netlock/services/ingest"
	"netlock/services/relay"
	"netlock/services/targets"
)

// ServiceName identifies the collector in traces.
const ServiceName = "netlock-collector"

// OpenStore opens the configured backend. The PostgreSQL schema is migrated
// before the store is returned.
func OpenStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store, err := kv.NewPostgres(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case config.StoreSQLite:
		store, err := kv.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Collector owns every long lived component of the process.
type Collector struct {
	cfg      config.Config
	log      zerolog.Logger
	store    kv.Store
	hub      *bus.Hub
	bus      *bus.Bus
	registry *targets.Registry
	ingestor *ingest.Ingestor
	relay    *relay.Relay
	archive  *archive.Exporter
	handler  http.Handler
}

// New builds a Collector from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Collector, error) {
	c := &Collector{cfg: cfg, log: log, hub: bus.NewHub()}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.store = store

	if err := c.build(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collector) build(ctx context.Context) error {
	var err error

	c.registry, err = targets.NewRegistry(c.store, c.hub, targets.WithLogger(c.log))
	if err != nil {
		return err
	}

	ingestOpts := []ingest.Option{
		ingest.WithLogger(c.log),
		ingest.WithSubject(c.cfg.IngestSubject, c.cfg.IngestStream),
	}
	if c.cfg.NATSURL != "" {
		c.bus, err = bus.New(c.cfg.NATSURL, nats.Name(ServiceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		ingestOpts = append(ingestOpts, ingest.WithBus(c.bus))

		c.relay, err = relay.New(c.hub, c.bus,
			relay.WithPrefix(c.cfg.StreamPrefix),
			relay.WithBuffer(c.cfg.SubscriberBuffer),
			relay.WithLogger(c.log),
		)
		if err != nil {
			return err
		}
	}

	c.ingestor, err = ingest.NewIngestor(c.registry, ingestOpts...)
	if err != nil {
		return err
	}

	archiveOpts := []archive.Option{archive.WithLogger(c.log)}
	if c.cfg.S3.Endpoint != "" {
		client, err := gos3.NewClient(ctx, c.cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		archiveOpts = append(archiveOpts, archive.WithObjectStore(client, c.cfg.S3.Bucket))
	}
	c.archive, err = archive.NewExporter(c.registry, archiveOpts...)
	if err != nil {
		return err
	}

	a, err := api.New(&api.Store{
		Registry: c.registry,
		Ingestor: c.ingestor,
		Archive:  c.archive,
	}, api.Config{
		AllowedOrigins:  c.cfg.AllowedOrigins,
		RateLimit:       c.cfg.RateLimit,
		RequestTimeout:  c.cfg.RequestTimeout,
		ArchiveOnDelete: c.cfg.ArchiveOnDelete,
	}, c.log)
	if err != nil {
		return err
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}
	c.handler = telemetry.Middleware(ServiceName, c.log)(routes)
	return nil
}

func (c *Collector) Registry() *targets.Registry { return c.registry }
func (c *Collector) Hub() *bus.Hub { return c.hub }
func (c *Collector) Archive() *archive.Exporter { return c.archive }
func (c *Collector) Handler() http.Handler { return c.handler }

// Start launches the NATS consumer and relay when a NATS URL is configured.
// Both stop when ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	if c.bus == nil {
		c.log.Info().Msg("NATS_URL not set; beacon ingress is HTTP only")
		return nil
	}

	if err := c.ingestor.Start(ctx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}

	go func() {
		if err := c.relay.Run(ctx); err != nil {
			c.log.Error().Err(err).Msg("relay stopped")
		}
	}()
	return nil
}

// Close releases the subscription, the NATS connection and the store.
func (c *Collector) Close() {
	if c.ingestor != nil {
		if err := c.ingestor.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close ingest subscription")
		}
	}
	c.bus.Close()
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close store")
		}
	}
}

// Run serves the collector until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	c, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown server")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Msg("starting collector")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
