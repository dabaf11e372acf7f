package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/sqlwarden"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	QueryCount           metric.Int64Counter
	QueryDuration        metric.Float64Histogram
	QueryErrors          metric.Int64Counter
	ToolDuration         metric.Float64Histogram
	AdmissionRejections  metric.Int64Counter
	ValidationRejections metric.Int64Counter
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	meter := noop.NewMeterProvider().Meter(meterName)
	return newInstrumentsFromMeter(meter)
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	queryCount, _ := meter.Int64Counter("sqlwarden.query.count",
		metric.WithDescription("Total number of SQL queries executed"),
	)
	queryDuration, _ := meter.Float64Histogram("sqlwarden.query.duration",
		metric.WithDescription("SQL query execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	queryErrors, _ := meter.Int64Counter("sqlwarden.query.errors",
		metric.WithDescription("Total number of failed SQL queries"),
	)
	toolDuration, _ := meter.Float64Histogram("sqlwarden.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	admissionRejections, _ := meter.Int64Counter("sqlwarden.admission.rejections",
		metric.WithDescription("Calls refused by the admission controller, by reason"),
	)
	validationRejections, _ := meter.Int64Counter("sqlwarden.validation.rejections",
		metric.WithDescription("Queries refused by the validator, by rejection code"),
	)

	return &Instruments{
		QueryCount:           queryCount,
		QueryDuration:        queryDuration,
		QueryErrors:          queryErrors,
		ToolDuration:         toolDuration,
		AdmissionRejections:  admissionRejections,
		ValidationRejections: validationRejections,
	}
}

func (i *Instruments) RecordQueryDuration(ctx context.Context, ms float64) {
	i.QueryDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementQueryCount(ctx context.Context) {
	i.QueryCount.Add(ctx, 1)
}

func (i *Instruments) IncrementQueryErrors(ctx context.Context) {
	i.QueryErrors.Add(ctx, 1)
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementAdmissionRejections(ctx context.Context, reason string) {
	i.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (i *Instruments) IncrementValidationRejections(ctx context.Context, code string) {
	i.ValidationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
