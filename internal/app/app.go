// Package app assembles a running Dialvox instance: storage, queue, session
// registry, dialer worker, action executor, and the HTTP control surface,
// wired from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/control"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/queue"
	"github.com/dialvox/dialvox/internal/recording"
	"github.com/dialvox/dialvox/internal/session"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/store/memory"
	"github.com/dialvox/dialvox/internal/store/postgres"
	"github.com/dialvox/dialvox/internal/transcript"
	"github.com/dialvox/dialvox/internal/transcript/llmcorrect"
	"github.com/dialvox/dialvox/internal/transcript/phonetic"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/telephony"
	"github.com/dialvox/dialvox/pkg/provider/tts"
)

// Providers bundles the external AI and carrier backends the pipeline runs
// against. All four must be non-nil for outbound dialing; a nil Telephony
// disables the dialer but keeps the control surface up.
type Providers struct {
	LLM       llm.Provider
	STT       stt.Provider
	TTS       tts.Provider
	Telephony telephony.Caller
}

// App is one assembled Dialvox instance. Create with New, drive with Run,
// tear down with Shutdown.
type App struct {
	cfg       *config.Config
	agentMu   sync.RWMutex // guards cfg.Agents against hot reload
	providers Providers
	log       *slog.Logger
	met       *observe.Metrics

	rdb  redis.UniversalClient
	mini *miniredis.Miniredis

	store     store.Store
	queue     *queue.Service
	sessions  *session.Manager
	recorders *recorderRegistry
	executor  *actionplan.Executor
	corrector transcript.Pipeline
	dialerSw  *dialerSwitch
	server    *control.Server
	httpSrv   *http.Server
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// New wires every component from cfg. In production mode an unreachable
// Redis or a missing Postgres DSN is fatal; in development the instance
// degrades to an embedded Redis and an in-memory store so it stays runnable
// on a laptop.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.met = met

	if err := a.initRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	a.queue = queue.New(a.rdb,
		queue.WithLogger(a.log),
		queue.WithMetrics(a.met),
		queue.WithPromoteInterval(cfg.Dialer.PromoteInterval),
	)

	a.sessions, err = session.NewManager(a.rdb, !cfg.Server.Production,
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(a.log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	if err := a.initRecorders(); err != nil {
		return nil, err
	}

	a.corrector = newCorrector(providers.LLM)

	a.executor, err = actionplan.NewExecutor(a.builtinTools(),
		actionplan.WithLogger(a.log),
		actionplan.WithMetrics(a.met),
		actionplan.WithAuditLog(a.store),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init executor: %w", err)
	}

	a.dialerSw = newDialerSwitch(a.log)
	a.server = control.NewServer(control.Config{
		Dialer:    a.dialerSw,
		Status:    a.statusSink(),
		Queue:     a.queue,
		Sessions:  a.sessions,
		Jobs:      a.queue,
		Recorders: a.recorders,
		Checkers:  a.checkers(),
	}, control.WithLogger(a.log), control.WithMetrics(a.met))

	if providers.Telephony != nil {
		worker := dialer.NewWorker(dialer.WorkerConfig{
			Tenants:         cfg.Dialer.Tenants,
			Concurrency:     cfg.Dialer.Concurrency,
			FromNumber:      cfg.Dialer.FromNumber,
			StreamURL:       cfg.Dialer.StreamURL,
			RingTimeout:     cfg.Dialer.RingTimeout,
			MaxCallDuration: cfg.Dialer.MaxCallDuration,
			PollInterval:    cfg.Dialer.PollInterval,
			Policy: dialer.RetryPolicy{
				MaxAttempts: cfg.Dialer.Retry.MaxAttempts,
				RetryDelay:  cfg.Dialer.Retry.Delay,
			},
		}, a.queue, providers.Telephony, a.server.Hub(), a.sessions, a.store, a.runCall,
			dialer.WithLogger(a.log), dialer.WithMetrics(a.met))
		a.dialerSw.bind(worker.Run)
	} else {
		a.log.Warn("no telephony provider configured, dialer disabled")
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			DB:       a.cfg.Redis.DB,
			Password: a.cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			a.rdb = rdb
			return nil
		}
		_ = rdb.Close()
		if a.cfg.Server.Production {
			return fmt.Errorf("app: redis %s unreachable: %w", a.cfg.Redis.Addr, err)
		}
		a.log.Warn("redis unreachable, falling back to embedded instance",
			"addr", a.cfg.Redis.Addr, "err", err)
	} else if a.cfg.Server.Production {
		return errors.New("app: production mode requires redis.addr")
	}

	mini, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("app: start embedded redis: %w", err)
	}
	a.mini = mini
	a.rdb = redis.NewClient(&redis.Options{Addr: mini.Addr()})
	a.log.Info("using embedded redis", "addr", mini.Addr())
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Postgres.DSN != "" {
		st, err := postgres.New(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("app: init postgres: %w", err)
		}
		a.store = st
		return nil
	}
	if a.cfg.Server.Production {
		return errors.New("app: production mode requires postgres.dsn")
	}
	a.log.Info("no postgres dsn configured, using in-memory store")
	a.store = memory.New()
	return nil
}

func (a *App) initRecorders() error {
	if a.cfg.Recording.Dir == "" {
		a.recorders = newRecorderRegistry(nil, a.sessions)
		return nil
	}
	sink, err := recording.NewDirSink(a.cfg.Recording.Dir)
	if err != nil {
		return fmt.Errorf("app: init recording sink: %w", err)
	}
	a.recorders = newRecorderRegistry(sink, a.sessions)
	return nil
}

// newCorrector assembles the post-call transcript corrector. The phonetic
// stage always runs; the LLM review stage needs a provider.
func newCorrector(provider llm.Provider) transcript.Pipeline {
	opts := []transcript.PipelineOption{
		transcript.WithPhoneticMatcher(phonetic.New()),
	}
	if provider != nil {
		opts = append(opts, transcript.WithLLMCorrector(llmcorrect.New(provider)))
	}
	return transcript.NewPipeline(opts...)
}

// ReloadAgents replaces the agent definitions. Calls placed after this point
// resolve against the new set; in-flight calls keep the definition they
// started with. Provider, Redis, and Postgres changes still need a restart.
func (a *App) ReloadAgents(agents []config.AgentDef) {
	a.agentMu.Lock()
	a.cfg.Agents = slices.Clone(agents)
	a.agentMu.Unlock()
	a.log.Info("agent definitions reloaded", "count", len(agents))
}

// statusSink routes carrier webhooks to the telephony provider when it can
// receive them; otherwise callbacks are logged and dropped.
func (a *App) statusSink() control.StatusSink {
	if sink, ok := a.providers.Telephony.(control.StatusSink); ok {
		return sink
	}
	return dropSink{log: a.log}
}

type dropSink struct{ log *slog.Logger }

func (d dropSink) DeliverStatus(providerCallID, rawStatus string) bool {
	d.log.Debug("dropping status callback", "provider_call_id", providerCallID, "status", rawStatus)
	return false
}

func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{Name: "redis", Check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}},
		{Name: "queue", Check: func(ctx context.Context) error {
			_, err := a.queue.Stats(ctx)
			return err
		}},
	}
}

// Run serves until ctx is cancelled: the retry promoter, the HTTP control
// surface, and the dialer worker pool.
func (a *App) Run(ctx context.Context) error {
	a.dialerSw.setBase(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.queue.RunPromoter(ctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info("control server listening",
			"addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: control server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutCtx)
	})

	if a.dialerSw.Start() {
		a.log.Info("dialer started",
			"tenants", a.cfg.Dialer.Tenants, "concurrency", a.cfg.Dialer.Concurrency)
	}

	return g.Wait()
}

// Shutdown releases everything New acquired. Safe to call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	a.dialerSw.Stop()

	var errs []error
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.httpSrv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	cancel()

	if a.store != nil {
		a.store.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.mini != nil {
		a.mini.Close()
	}
	return errors.Join(errs...)
}
