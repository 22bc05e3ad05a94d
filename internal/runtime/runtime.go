package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/async"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/redis/go-redis/v9"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	redis    *redis.Client
	pool     *async.Pool
	manager  *session.Manager
	control  *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startServices(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(r.manager, r.store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.handler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("speech_mode", r.cfg.Speech.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	notifiers := notify.Fanout{
		notify.NewLogger(r.logger),
		notify.NewStore(store, r.cfg.Speech.Locale, r.logger),
	}
	if r.bus != nil {
		notifiers = append(notifiers, notify.NewBus(r.bus, r.cfg.Notify.SubjectPrefix, r.logger))
	}
	if r.cfg.Notify.RedisAddr != "" {
		r.redis = notify.NewRedisClient(r.cfg.Notify)
		notifiers = append(notifiers, notify.NewRedis(r.redis, r.cfg.Notify, r.logger))
	}

	r.pool = async.NewPool(r.cfg.Speech.ExecutorWorkers)
	manager, err := NewManager(r.cfg, r.pool, notifiers, r.telemetry, r.logger)
	if err != nil {
		return err
	}
	r.manager = manager

	if r.bus != nil && r.cfg.Control.Enabled {
		timeout := time.Duration(r.cfg.Speech.StopTimeoutMS+r.cfg.Speech.StartTimeoutMS) * time.Millisecond
		r.control = control.NewService(ctx, r.cfg.Control, r.bus, manager, timeout)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("start control service: %w", err)
		}
	}
	return nil
}

// NewManager wires the dictation manager from config: capture device,
// engine factory, notifier, timeouts and telemetry providers. A nil tel
// falls back to the otel globals. Credentials present in config are installed
// immediately.
func NewManager(cfg config.Config, exec async.Executor, notifier notify.Notifier, tel *telemetry, logger *slog.Logger) (*session.Manager, error) {
	device, err := audio.NewDevice(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device: %w", err)
	}
	var micOpts []audio.MicrophoneOption
	if cfg.Audio.RecordDir != "" {
		micOpts = append(micOpts, audio.WithRecordDir(cfg.Audio.RecordDir))
	}
	mic := audio.NewMicrophone(device, audio.DefaultFormat, logger, micOpts...)

	factory, err := engine.NewFactory(cfg.Speech, cfg.Audio, exec, logger)
	if err != nil {
		return nil, fmt.Errorf("create speech engine: %w", err)
	}

	manager := session.NewManager(mic, factory, notifier, session.Options{
		Locale:       cfg.Speech.Locale,
		StartTimeout: time.Duration(cfg.Speech.StartTimeoutMS) * time.Millisecond,
		StopTimeout:  time.Duration(cfg.Speech.StopTimeoutMS) * time.Millisecond,

		MeterProvider:  tel.meter(),
		TracerProvider: tel.tracer(),
	}, logger)

	if cfg.Speech.SubscriptionID != "" || cfg.Speech.Region != "" {
		err := manager.Install(engine.Credentials{
			SubscriptionID: cfg.Speech.SubscriptionID,
			Region:         cfg.Speech.Region,
			Endpoint:       cfg.Speech.Endpoint,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no speech credentials configured; dictation waits for install")
	}
	return manager, nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	if r.control != nil {
		r.control.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.pool != nil {
		r.pool.Wait()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.control == nil || r.control.Healthy()
}
