package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const ServiceName = "predictions"

// Version is set at build time via -ldflags
var Version = "dev"

var (
	meterProvider *sdkmetric.MeterProvider

	// Meter for creating instruments. A noop meter until Init has
	// run, so instruments are always safe to use.
	Meter metric.Meter = noop.NewMeterProvider().Meter(ServiceName)

	// Set via SetKeyCounter, observed by the cache.keys gauge.
	keyCounter atomic.Pointer[func() int64]

	lastRefreshTimestamp atomic.Int64
)

type Options struct {
	// OTLP/HTTP endpoint, e.g. "localhost:4318". Metrics are
	// disabled when blank.
	Endpoint string
	Insecure bool
	Interval time.Duration
}

func init() {
	if err := initializeInstruments(); err != nil {
		panic(fmt.Sprintf("creating noop instruments: %v", err))
	}
}

// Init sets up OpenTelemetry metrics export over OTLP/HTTP. Returns a
// shutdown function that flushes pending metrics.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		slog.Debug("OpenTelemetry metrics disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(opts.Endpoint),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval),
			),
		),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)

	Meter = meterProvider.Meter(ServiceName)
	if err := initializeInstruments(); err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}
	if err := registerGauges(); err != nil {
		return nil, fmt.Errorf("registering gauges: %w", err)
	}

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", opts.Endpoint,
		"interval", interval,
	)

	return meterProvider.Shutdown, nil
}

// Registers the function reporting the number of cache keys.
func SetKeyCounter(f func() int64) {
	keyCounter.Store(&f)
}

func RecordRefreshSuccess(t time.Time) {
	lastRefreshTimestamp.Store(t.Unix())
}

func registerGauges() error {
	_, err := Meter.Int64ObservableGauge(
		"cache.keys",
		metric.WithDescription("Number of route, stop and headsign keys held"),
		metric.WithUnit("{key}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if f := keyCounter.Load(); f != nil {
				o.Observe((*f)())
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = Meter.Int64ObservableGauge(
		"refresh.last_success.timestamp",
		metric.WithDescription("Unix timestamp of the last successful refresh"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if ts := lastRefreshTimestamp.Load(); ts > 0 {
				o.Observe(ts)
			}
			return nil
		}),
	)
	return err
}
