package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/stepflow/workflow"
	"github.com/dshills/stepflow/workflow/emit"
	"github.com/dshills/stepflow/workflow/store"
)

// level parses the configured level name.
func (c LogConfig) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// Build creates the zap logger. When Transport is set and t is not nil,
// entries are also written to the transport log channel.
func (c LogConfig) Build(t *emit.Transport) (*zap.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = c.Format
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if c.Transport && t != nil {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, emit.NewZapCore(t, lvl))
		}))
	}
	return logger, nil
}

// Open creates the transport. It never fails; unusable pipes fall back to
// stderr on first write.
func (c TransportConfig) Open() *emit.Transport {
	return emit.NewTransport(emit.TransportConfig{
		EventPipe: c.EventPipe,
		LogPipe:   c.LogPipe,
	})
}

// Open creates the configured state store.
func (c StoreConfig) Open(ctx context.Context) (store.Store, error) {
	switch c.Driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(c.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "mysql":
		st, err := store.NewMySQLStore(c.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store.NewRedisStore(client, store.RedisOptions{Prefix: c.Redis.Prefix, TTL: c.Redis.TTL}), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// Build registers workflow metrics with reg, or returns nil when disabled.
func (c MetricsConfig) Build(reg prometheus.Registerer) *workflow.Metrics {
	if !c.Enabled {
		return nil
	}
	return workflow.NewMetrics(reg)
}

// TracerProvider creates a provider exporting spans over OTLP/gRPC. When
// telemetry is disabled the provider has no exporter and records nothing.
func (c TelemetryConfig) TracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	if !c.Enabled {
		return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", c.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.OTLPEndpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(c.SampleRate)),
	), nil
}

// Runtime holds the collaborators a workflow host needs, built from one
// Config.
type Runtime struct {
	Config    *Config
	Logger    *zap.Logger
	Transport *emit.Transport
	Store     store.Store
	Registry  *prometheus.Registry
	Metrics   *workflow.Metrics
	Tracer    *sdktrace.TracerProvider
	// Events fans out to the transport and, with telemetry enabled, to
	// OpenTelemetry spans.
	Events emit.Emitter
}

// Setup builds a Runtime. On error everything already opened is closed.
func Setup(ctx context.Context, cfg *Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Registry: prometheus.NewRegistry()}
	rt.Transport = cfg.Transport.Open()

	fail := func(err error) (*Runtime, error) {
		_ = rt.Close(ctx)
		return nil, err
	}

	logger, err := cfg.Log.Build(rt.Transport)
	if err != nil {
		return fail(err)
	}
	rt.Logger = logger

	st, err := cfg.Store.Open(ctx)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	rt.Store = st

	tp, err := cfg.Telemetry.TracerProvider(ctx)
	if err != nil {
		return fail(err)
	}
	rt.Tracer = tp

	rt.Metrics = cfg.Metrics.Build(rt.Registry)

	emitters := []emit.Emitter{rt.Transport}
	if cfg.Telemetry.Enabled {
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("stepflow")))
	}
	rt.Events = emit.NewMultiEmitter(emitters...)

	rt.Logger.Debug("Runtime ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return rt, nil
}

// Apply configures b with the runtime's emitter, metrics and iteration
// limit.
func (rt *Runtime) Apply(b *workflow.Builder) *workflow.Builder {
	return b.Emitter(rt.Events).
		Metrics(rt.Metrics).
		MaxIterations(rt.Config.Engine.MaxIterations)
}

// Close flushes and releases everything Setup opened.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Tracer != nil {
		if err := rt.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	if rt.Transport != nil {
		if err := rt.Transport.Close(); err != nil && !errors.Is(err, emit.ErrTransportClosed) {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}
