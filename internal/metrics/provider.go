package metrics

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewProvider собирает MeterProvider с переданными читателями.
func NewProvider(ctx context.Context, serviceName string, readers ...sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, errors.Wrap(err, "resource")
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Setup включает экспорт метрик по OTLP/HTTP на endpoint и регистрирует
// провайдер глобально. Экспорт опционален: при пустом endpoint возвращается
// Nop и функция остановки, которая ничего не делает.
//
// Функцию остановки нужно вызвать при завершении, чтобы отправить остаток.
func Setup(ctx context.Context, endpoint, serviceName string, interval time.Duration) (Recorder, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return Nop{}, noop, nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, noop, errors.Wrap(err, "otlp exporter")
	}
	mp, err := NewProvider(ctx, serviceName,
		sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
	)
	if err != nil {
		return nil, noop, err
	}
	otel.SetMeterProvider(mp)

	rec, err := NewOTel(mp.Meter(serviceName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, noop, err
	}
	return rec, mp.Shutdown, nil
}
