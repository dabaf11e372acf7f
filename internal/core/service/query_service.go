package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/sqlwarden/internal/admission"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const dbSystem = "microsoft.sql_server"

type toolNameKey struct{}

// WithToolName returns a context carrying the MCP tool name for audit logging.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey{}, name)
}

func toolNameFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(toolNameKey{}).(string); ok {
		return v
	}
	return ""
}

// QueryService orchestrates the gate (validation, then admission) and
// execution of free-text queries.
type QueryService struct {
	validator port.QueryValidator
	gate      *admission.Controller
	executor  port.QueryRunner
	auditor   port.QueryAuditor
	logger    *slog.Logger
	masks     map[string]domain.MaskType // column-name → mask-type (nil = no masking)
	tracer    trace.Tracer
	inst      port.Instrumentation
}

func NewQueryService(validator port.QueryValidator, gate *admission.Controller, executor port.QueryRunner, auditor port.QueryAuditor, logger *slog.Logger, masks map[string]domain.MaskType, tracer trace.Tracer, inst port.Instrumentation) *QueryService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &QueryService{
		validator: validator,
		gate:      gate,
		executor:  executor,
		auditor:   auditor,
		logger:    logger,
		masks:     masks,
		tracer:    tracer,
		inst:      inst,
	}
}

// Validate runs the validator alone. It never touches the admission
// controller or the database.
func (s *QueryService) Validate(ctx context.Context, sql string) error {
	if err := s.validator.Validate(sql); err != nil {
		s.recordValidationFailure(ctx, sql, err)
		return err
	}
	return nil
}

// Execute validates sql and, if it is accepted, waits for admission and runs
// it on server. Validation comes first so rejected text never spends a token.
// A non-empty database switches the session before the query runs.
func (s *QueryService) Execute(ctx context.Context, server, database, sql string) (*domain.QueryResult, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Execute",
		trace.WithAttributes(
			attribute.String("db.system", dbSystem),
			attribute.String("db.operation.name", "query"),
			attribute.String("db.statement", sql),
			attribute.String("db.namespace", database),
			attribute.String("server.name", server),
		),
	)
	defer span.End()

	stmt, err := s.validator.Prepare(sql)
	if err != nil {
		s.recordValidationFailure(ctx, sql, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("validation: %w", err)
	}

	lease, err := s.gate.Acquire(ctx)
	if err != nil {
		recordAdmissionFailure(ctx, s.logger, s.inst, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	result, err := s.executor.Execute(ctx, server, database, stmt)
	durationMS := time.Since(start).Milliseconds()

	s.inst.RecordQueryDuration(ctx, float64(durationMS))

	rows, truncated := 0, false
	if result != nil {
		rows, truncated = result.RowCount, result.Truncated
	}
	s.auditor.Record(ctx, port.AuditEntry{
		Tool:         toolNameFromCtx(ctx),
		Server:       server,
		Database:     database,
		SQL:          stmt,
		RowsReturned: rows,
		Truncated:    truncated,
		DurationMS:   durationMS,
		Err:          err,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.inst.IncrementQueryErrors(ctx)
		return nil, err
	}

	s.inst.IncrementQueryCount(ctx)
	span.SetAttributes(
		attribute.Int("db.response.rows", rows),
		attribute.Bool("db.response.truncated", result.Truncated),
	)
	domain.MaskResult(result, domain.MasksForQuery(s.masks, sql))

	return result, nil
}

// Plan returns the execution plan SQL Server produces for sql. It passes
// through the same gate as Execute because an actual plan runs the query and
// even an estimated one costs a compilation.
func (s *QueryService) Plan(ctx context.Context, server, database, sql string, actual bool) (*domain.QueryPlan, error) {
	planType := domain.PlanEstimated
	if actual {
		planType = domain.PlanActual
	}
	ctx, span := s.tracer.Start(ctx, "QueryService.Plan",
		trace.WithAttributes(
			attribute.String("db.system", dbSystem),
			attribute.String("db.operation.name", "plan"),
			attribute.String("db.statement", sql),
			attribute.String("db.namespace", database),
			attribute.String("server.name", server),
			attribute.String("plan.type", planType),
		),
	)
	defer span.End()

	stmt, err := s.validator.Prepare(sql)
	if err != nil {
		s.recordValidationFailure(ctx, sql, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("validation: %w", err)
	}

	lease, err := s.gate.Acquire(ctx)
	if err != nil {
		recordAdmissionFailure(ctx, s.logger, s.inst, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	plan, err := s.executor.QueryPlan(ctx, server, database, stmt, actual)
	durationMS := time.Since(start).Milliseconds()

	s.inst.RecordQueryDuration(ctx, float64(durationMS))
	s.auditor.Record(ctx, port.AuditEntry{
		Tool:       toolNameFromCtx(ctx),
		Server:     server,
		Database:   database,
		SQL:        stmt,
		DurationMS: durationMS,
		Err:        err,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.inst.IncrementQueryErrors(ctx)
		return nil, err
	}
	s.inst.IncrementQueryCount(ctx)
	return plan, nil
}

// ListDatabases reports the databases on server. The catalog query is fixed
// text, so only admission applies.
func (s *QueryService) ListDatabases(ctx context.Context, server string) (*domain.DatabaseList, error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.ListDatabases",
		trace.WithAttributes(
			attribute.String("db.system", dbSystem),
			attribute.String("db.operation.name", "list_databases"),
			attribute.String("server.name", server),
		),
	)
	defer span.End()

	lease, err := s.gate.Acquire(ctx)
	if err != nil {
		recordAdmissionFailure(ctx, s.logger, s.inst, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer lease.Release()

	dbs, err := s.executor.ListDatabases(ctx, server)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.response.rows", len(dbs)))
	return &domain.DatabaseList{Server: server, Databases: dbs}, nil
}

func (s *QueryService) recordValidationFailure(ctx context.Context, sql string, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		s.logger.WarnContext(ctx, "query validation rejected",
			slog.String("db.operation.name", "query"),
			slog.String("db.statement", sql),
			slog.String("error.type", "validation_error"),
			slog.String("rejection.code", string(rej.Code)),
		)
		s.inst.IncrementValidationRejections(ctx, string(rej.Code))
		return
	}
	s.logger.ErrorContext(ctx, "query validator failed",
		slog.String("db.statement", sql),
		slog.String("error.type", "internal_error"),
		slog.String("error.message", err.Error()),
	)
	s.inst.IncrementQueryErrors(ctx)
}

// AdmissionReason maps an admission error onto the label used in logs and
// metrics.
func AdmissionReason(err error) string {
	switch {
	case errors.Is(err, admission.ErrRateExceeded):
		return "rate"
	case errors.Is(err, admission.ErrConcurrencyExceeded):
		return "concurrency"
	case errors.Is(err, admission.ErrCancelled):
		return "cancelled"
	}
	return "unknown"
}

func recordAdmissionFailure(ctx context.Context, logger *slog.Logger, inst port.Instrumentation, err error) {
	reason := AdmissionReason(err)
	logger.WarnContext(ctx, "admission rejected",
		slog.String("error.type", "admission_error"),
		slog.String("admission.reason", reason),
	)
	inst.IncrementAdmissionRejections(ctx, reason)
}
