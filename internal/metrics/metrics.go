// Package metrics - метрики пула. Передаётся в компоненты при создании,
// глобального состояния нет.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gcpool/models"
)

// Recorder фиксирует события пула.
type Recorder interface {
	JobFinished(ctx context.Context, messageType uint32, kind models.JobResultKind, took time.Duration)
	JobRetried(ctx context.Context, messageType uint32)
	StatusChanged(ctx context.Context, status models.AccountStatus)
	RecoveryFinished(ctx context.Context, task string, ok bool)
}

// Nop ничего не записывает.
type Nop struct{}

func (Nop) JobFinished(context.Context, uint32, models.JobResultKind, time.Duration) {}
func (Nop) JobRetried(context.Context, uint32)                                       {}
func (Nop) StatusChanged(context.Context, models.AccountStatus)                      {}
func (Nop) RecoveryFinished(context.Context, string, bool)                           {}

// OTel пишет метрики через OpenTelemetry.
type OTel struct {
	jobs       metric.Int64Counter
	retries    metric.Int64Counter
	latency    metric.Float64Histogram
	statuses   metric.Int64Counter
	recoveries metric.Int64Counter
}

// NewOTel регистрирует инструменты в meter.
func NewOTel(meter metric.Meter) (*OTel, error) {
	var (
		m   OTel
		err error
	)
	if m.jobs, err = meter.Int64Counter("gcpool.jobs",
		metric.WithDescription("Завершённые задачи по исходу")); err != nil {
		return nil, errors.Wrap(err, "jobs counter")
	}
	if m.retries, err = meter.Int64Counter("gcpool.job_retries",
		metric.WithDescription("Повторы задач после ошибки")); err != nil {
		return nil, errors.Wrap(err, "retries counter")
	}
	if m.latency, err = meter.Float64Histogram("gcpool.job_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Длительность выполнения задачи")); err != nil {
		return nil, errors.Wrap(err, "latency histogram")
	}
	if m.statuses, err = meter.Int64Counter("gcpool.status_changes",
		metric.WithDescription("Смены статуса аккаунтов")); err != nil {
		return nil, errors.Wrap(err, "status counter")
	}
	if m.recoveries, err = meter.Int64Counter("gcpool.recoveries",
		metric.WithDescription("Попытки восстановления аккаунтов")); err != nil {
		return nil, errors.Wrap(err, "recovery counter")
	}
	return &m, nil
}

func (m *OTel) JobFinished(ctx context.Context, messageType uint32, kind models.JobResultKind, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("message_type", strconv.FormatUint(uint64(messageType), 10)),
		attribute.String("result", kind.String()),
	)
	m.jobs.Add(ctx, 1, attrs)
	m.latency.Record(ctx, took.Seconds(), attrs)
}

func (m *OTel) JobRetried(ctx context.Context, messageType uint32) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", strconv.FormatUint(uint64(messageType), 10)),
	))
}

func (m *OTel) StatusChanged(ctx context.Context, status models.AccountStatus) {
	m.statuses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *OTel) RecoveryFinished(ctx context.Context, task string, ok bool) {
	m.recoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.Bool("ok", ok),
	))
}
