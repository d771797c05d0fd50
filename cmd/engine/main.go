package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/auth"
	"atlasux/pkg/config"
	"atlasux/pkg/engine"
	"atlasux/pkg/events"
	"atlasux/pkg/intent"
	"atlasux/pkg/kb"
	"atlasux/pkg/metrics"
	"atlasux/pkg/packets"
	"atlasux/pkg/ratelimit"
	"atlasux/pkg/sgl"
	"atlasux/pkg/statebus"
	"atlasux/pkg/store"
	"atlasux/pkg/telemetry"

	"github.com/redis/go-redis/v9"
)

// backend is the storage the engine runs on. Audit receives request audit entries;
// lifecycle audit entries are written inside intent transactions.
type backend struct {
	Intents intent.Store
	Docs    kb.DocumentStore
	Search  kb.Searcher
	Audit   audit.Sink
	Close   func()
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadConfigFn    = config.Load
	initTelemetryFn = telemetry.Init
	openBackendFn   = openBackend
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runEngine(context.Background(), loadConfigFn, initTelemetryFn, openBackendFn, listenFn); err != nil {
		logFatalf("engine: %v", err)
	}
}

func runEngine(
	ctx context.Context,
	loadConfig func(path string) (config.Config, error),
	initTelemetry func(context.Context, telemetry.Config) (func(context.Context) error, error),
	openDB func(context.Context, config.Config) (*backend, error),
	listen func(*http.Server) error,
) error {
	if loadConfig == nil {
		loadConfig = config.Load
	}
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = openBackend
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := loadConfig(os.Getenv("ATLAS_CONFIG"))
	if err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	be, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	if be.Close != nil {
		defer be.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = store.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, cfg, be, rdb)
	if err != nil {
		return err
	}
	s.start(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	log.Printf("engine listening on %s store=%s loop=%v kafka=%v", cfg.HTTP.Addr, cfg.Store.Driver, cfg.Engine.Enabled, cfg.Kafka.Enabled)

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		log.Printf("engine shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine http shutdown: %v", err)
	}
	s.close(shutdownCtx)
	return serveErr
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	redactor := audit.NewRedactor([]byte(cfg.Audit.RedactSalt), cfg.Audit.RedactKeys...)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := store.NewPostgresPool(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		docs := &store.PGDocumentStore{DB: pool, Timeout: cfg.Store.Timeout}
		return &backend{
			Intents: &store.PGIntentStore{DB: pool, Redactor: redactor, Timeout: cfg.Store.Timeout},
			Docs:    docs,
			Search:  docs,
			Audit:   &audit.Writer{DB: pool, Redactor: redactor},
			Close:   pool.Close,
		}, nil
	case config.DriverSQLite:
		db, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.Redactor = redactor
		db.Timeout = cfg.Store.Timeout
		return &backend{
			Intents: db,
			Docs:    db,
			Search:  db,
			Audit:   db,
			Close:   func() { _ = db.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// newServer builds every component from cfg. Nothing runs until start.
func newServer(ctx context.Context, cfg config.Config, be *backend, rdb *redis.Client) (*Server, error) {
	reg := metrics.NewRegistry()

	evaluator, err := sgl.NewEvaluator(cfg.SGL)
	if err != nil {
		return nil, err
	}
	set, err := packets.NewSet(cfg.Packets)
	if err != nil {
		return nil, err
	}
	set.OnFault = func(agent packets.Agent, recovered any) {
		reg.IncPacketFault(string(agent))
		log.Printf("packet generator %s fault: %v", agent, recovered)
	}

	s := &Server{
		Config:  cfg,
		Store:   be.Intents,
		Metrics: reg,
		Hub:     events.NewHub(),
	}
	emitters := events.Multi{events.LogEmitter{}, s.Hub}
	if cfg.Kafka.Enabled && cfg.Kafka.EventsTopic != "" {
		k, err := events.NewKafkaEmitter(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.EventsTopic})
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, k)
		s.closers = append(s.closers, k.Close)
	}
	if cfg.PubSub.Project != "" {
		p, err := events.NewPubSubEmitter(ctx, cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		emitters = append(emitters, p)
		s.closers = append(s.closers, p.Close)
	}
	s.Events = emitters

	s.Service = &engine.Service{
		Store:       be.Intents,
		Packets:     set,
		Idempotency: &store.Idempotency{KV: store.NewKeyValue(ctx, rdb), TTL: cfg.Store.IdempotencyTTL},
		Metrics:     reg,
		Events:      s.Events,
	}

	worker := engine.NewWorker(be.Intents, evaluator, set)
	worker.Lease = cfg.Engine.Lease
	worker.FailTimeout = cfg.Engine.FailTimeout
	worker.Metrics = reg
	worker.Events = s.Events
	s.Loop = engine.NewLoop(worker)
	s.Loop.MaxTicksPerCycle = cfg.Engine.MaxTicksPerCycle
	s.Loop.IdleDelay = cfg.Engine.IdleDelay
	s.Loop.TickTimeout = cfg.Engine.TickTimeout

	caps, err := kb.LoadCapabilities(cfg.KB.CapabilitiesFile)
	if err != nil {
		return nil, err
	}
	cache := kb.NewCache(be.Docs, cfg.KB.Cache)
	cache.OnHit = func() { reg.IncCache(true) }
	cache.OnMiss = func() { reg.IncCache(false) }
	s.Knowledge = &kb.Assembler{Capabilities: caps, Cache: cache, Search: be.Search}
	s.Broadcast = kb.NewBroadcaster(rdb, cache, cfg.KB.InvalidationChannel)
	s.redisPubSub = rdb != nil

	if rdb != nil {
		lim := ratelimit.NewRedis(rdb, cfg.RateLimit.Window)
		lim.Fallback = ratelimit.NewInMemory(cfg.RateLimit.Window)
		s.Limiter = lim
	} else {
		s.Limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
	}

	keys, err := executorKeys(cfg.Executor)
	if err != nil {
		return nil, err
	}
	s.Verifier = statebus.Verifier{Mode: cfg.Executor.Signatures, Keys: keys}

	if be.Audit != nil {
		async := audit.NewAsyncSink(be.Audit, 512, 5*time.Second)
		s.RequestAudit = async
		s.closers = append(s.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return async.Close(ctx)
		})
	}

	if cfg.Kafka.Enabled {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.ReportsTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return nil, err
		}
		s.Reports = &statebus.Runner{
			Bus: consumer,
			Handle: func(ctx context.Context, r statebus.Report) error {
				_, err := s.applyReport(ctx, r)
				return err
			},
			Retryable:   reportRetryable,
			MaxAttempts: 5,
			RetryDelay:  time.Second,
		}
		s.closers = append(s.closers, consumer.Close)
	}
	return s, nil
}

// reportRetryable is false for reports that can never apply: unknown intents, bad
// payloads, illegal transitions and bad signatures.
func reportRetryable(err error) bool {
	for _, permanent := range []error{intent.ErrNotFound, intent.ErrInvalidPayload, intent.ErrInvalidTransition, auth.ErrBadSignature, engine.ErrForbidden} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func executorKeys(cfg config.ExecutorConfig) (auth.KeyStore, error) {
	if cfg.VaultAddr != "" {
		return auth.VaultTransitKeyStore{
			Client:     telemetry.InstrumentClient(&http.Client{}),
			Addr:       cfg.VaultAddr,
			Token:      cfg.VaultToken,
			Namespace:  cfg.VaultNamespace,
			Transit:    cfg.VaultTransit,
			KeyPrefix:  cfg.VaultKeyPrefix,
			MaxRetries: 2,
			RetryDelay: 100 * time.Millisecond,
		}, nil
	}
	keys, err := auth.ParseStaticKeys(cfg.StaticKeys)
	if err != nil {
		return nil, fmt.Errorf("EXECUTOR_KEYS: %w", err)
	}
	return keys, nil
}

// start launches the background workers. They stop when ctx is cancelled.
func (s *Server) start(ctx context.Context) {
	if s.redisPubSub {
		s.background(func() {
			if err := s.Broadcast.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("kb invalidation listener: %v", err)
			}
		})
	}
	if s.Config.Engine.Enabled {
		s.background(func() { _ = s.Loop.Run(ctx) })
	}
	if s.Reports != nil {
		s.background(func() { s.Reports.Run(ctx) })
	}
}

func (s *Server) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// close waits for the background workers, then releases producers, consumers and sinks.
func (s *Server) close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("engine background workers did not stop before shutdown deadline")
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("engine close: %v", err)
		}
	}
}
