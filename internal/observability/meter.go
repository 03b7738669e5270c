package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const exportInterval = 15 * time.Second

// InitMeter installs a periodic OTLP meter provider as the global one.
func InitMeter(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info().
		Str("service", cfg.ServiceName).
		Str("endpoint", cfg.Endpoint).
		Dur("interval", exportInterval).
		Msg("observability: meter initialized")
	return mp, nil
}

// Meter returns the pipeline meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Metrics holds the transcription instruments.
type Metrics struct {
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
	stageDuration  metric.Float64Histogram
	tokens         metric.Int64Counter
	audioSeconds   metric.Float64Counter
	errors         metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	transcriptions, err := meter.Int64Counter("transcription.total",
		metric.WithDescription("Completed transcription calls by status"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.total counter: %w", err)
	}
	duration, err := meter.Float64Histogram("transcription.duration",
		metric.WithDescription("Wall time of a transcription call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.duration histogram: %w", err)
	}
	stageDuration, err := meter.Float64Histogram("transcription.stage.duration",
		metric.WithDescription("Wall time of one pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.stage.duration histogram: %w", err)
	}
	tokens, err := meter.Int64Counter("transcription.tokens",
		metric.WithDescription("Tokens generated by the decoding loop"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.tokens counter: %w", err)
	}
	audioSeconds, err := meter.Float64Counter("transcription.audio",
		metric.WithDescription("Seconds of audio transcribed"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.audio counter: %w", err)
	}
	errs, err := meter.Int64Counter("transcription.errors",
		metric.WithDescription("Failed transcriptions by error code"))
	if err != nil {
		return nil, fmt.Errorf("creating transcription.errors counter: %w", err)
	}
	return &Metrics{
		transcriptions: transcriptions,
		duration:       duration,
		stageDuration:  stageDuration,
		tokens:         tokens,
		audioSeconds:   audioSeconds,
		errors:         errs,
	}, nil
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTranscription records a finished call. code is empty on success.
func (m *Metrics) RecordTranscription(ctx context.Context, backend, code string, tokens int, audio float64, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if code != "" {
		status = "error"
		m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
	m.transcriptions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("backend", backend)))
	if code == "" {
		m.tokens.Add(ctx, int64(tokens))
		m.audioSeconds.Add(ctx, audio)
	}
}
