package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guillermoBallester/sqlwarden/internal/admission"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/guillermoBallester/sqlwarden/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const procWhoIsActive = "sp_WhoIsActive"

var (
	ErrProcedureNotAllowed = errors.New("procedure is not in the allowed list")
	ErrParameterNotAllowed = errors.New("parameter is not allowed")
)

// Keys are upper-cased; lookups upper-case the candidate and test exact
// membership.
var (
	allowedProcedures = map[string]bool{
		"SP_WHOISACTIVE": true,
	}
	blockedParameters = map[string]bool{
		"@DESTINATION_TABLE": true,
		"@RETURN_SCHEMA":     true,
		"@SCHEMA":            true,
		"@HELP":              true,
	}
)

// AddIfNotNull sets params[name] to *value when value is non-nil.
func AddIfNotNull[T any](params map[string]any, name string, value *T) {
	if value != nil {
		params[name] = *value
	}
}

// AddBoolParam sets params[name] to 1 or 0 when value is non-nil. The
// diagnostic procedures take their switches as bit flags.
func AddBoolParam(params map[string]any, name string, value *bool) {
	if value == nil {
		return
	}
	if *value {
		params[name] = 1
	} else {
		params[name] = 0
	}
}

// WhoIsActiveOptions mirrors the sp_WhoIsActive parameters. Nil fields are
// left out of the call so the procedure's own defaults apply.
type WhoIsActiveOptions struct {
	Filter             *string
	FilterType         *string
	NotFilter          *string
	NotFilterType      *string
	ShowOwnSpid        *bool
	ShowSystemSpids    *bool
	ShowSleepingSpids  *int
	GetFullInnerText   *bool
	GetPlans           *int
	GetOuterCommand    *bool
	GetTransactionInfo *bool
	GetTaskInfo        *int
	GetLocks           *bool
	GetAvgTime         *bool
	GetAdditionalInfo  *bool
	GetMemoryInfo      *bool
	FindBlockLeaders   *bool
	DeltaInterval      *int
	SortOrder          *string
	FormatOutput       *bool
}

func (o WhoIsActiveOptions) params() map[string]any {
	p := make(map[string]any)
	AddIfNotNull(p, "@filter", o.Filter)
	AddIfNotNull(p, "@filter_type", o.FilterType)
	AddIfNotNull(p, "@not_filter", o.NotFilter)
	AddIfNotNull(p, "@not_filter_type", o.NotFilterType)
	AddBoolParam(p, "@show_own_spid", o.ShowOwnSpid)
	AddBoolParam(p, "@show_system_spids", o.ShowSystemSpids)
	AddIfNotNull(p, "@show_sleeping_spids", o.ShowSleepingSpids)
	AddBoolParam(p, "@get_full_inner_text", o.GetFullInnerText)
	AddIfNotNull(p, "@get_plans", o.GetPlans)
	AddBoolParam(p, "@get_outer_command", o.GetOuterCommand)
	AddBoolParam(p, "@get_transaction_info", o.GetTransactionInfo)
	AddIfNotNull(p, "@get_task_info", o.GetTaskInfo)
	AddBoolParam(p, "@get_locks", o.GetLocks)
	AddBoolParam(p, "@get_avg_time", o.GetAvgTime)
	AddBoolParam(p, "@get_additional_info", o.GetAdditionalInfo)
	AddBoolParam(p, "@get_memory_info", o.GetMemoryInfo)
	AddBoolParam(p, "@find_block_leaders", o.FindBlockLeaders)
	AddIfNotNull(p, "@delta_interval", o.DeltaInterval)
	AddIfNotNull(p, "@sort_order", o.SortOrder)
	AddBoolParam(p, "@format_output", o.FormatOutput)
	return p
}

// ProcedureService runs whitelisted diagnostic stored procedures. Calls share
// the admission controller with free-text queries.
type ProcedureService struct {
	gate     *admission.Controller
	executor port.ProcedureExecutor
	auditor  port.QueryAuditor
	logger   *slog.Logger
	tracer   trace.Tracer
	inst     port.Instrumentation
}

func NewProcedureService(gate *admission.Controller, executor port.ProcedureExecutor, auditor port.QueryAuditor, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *ProcedureService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &ProcedureService{
		gate:     gate,
		executor: executor,
		auditor:  auditor,
		logger:   logger,
		tracer:   tracer,
		inst:     inst,
	}
}

// WhoIsActive runs sp_WhoIsActive on server.
func (s *ProcedureService) WhoIsActive(ctx context.Context, server string, opts WhoIsActiveOptions) (*domain.ProcedureResult, error) {
	return s.Execute(ctx, server, procWhoIsActive, opts.params())
}

// Execute checks name and every parameter name against the allow and block
// lists, then runs the procedure once admitted.
func (s *ProcedureService) Execute(ctx context.Context, server, name string, params map[string]any) (*domain.ProcedureResult, error) {
	if !allowedProcedures[strings.ToUpper(name)] {
		return nil, fmt.Errorf("%w: '%s'", ErrProcedureNotAllowed, name)
	}
	for p := range params {
		if blockedParameters[strings.ToUpper(p)] {
			return nil, fmt.Errorf("%w: '%s' (output and schema parameters are blocked)", ErrParameterNotAllowed, p)
		}
	}

	ctx, span := s.tracer.Start(ctx, "ProcedureService.Execute",
		trace.WithAttributes(
			attribute.String("db.system", dbSystem),
			attribute.String("db.operation.name", "execute"),
			attribute.String("db.stored_procedure.name", name),
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

	s.logger.InfoContext(ctx, "executing procedure",
		slog.String("db.stored_procedure.name", name),
		slog.String("server.name", server),
	)

	start := time.Now()
	result, err := s.executor.ExecuteProcedure(ctx, server, name, params)
	durationMS := time.Since(start).Milliseconds()

	s.inst.RecordQueryDuration(ctx, float64(durationMS))
	s.auditor.Record(ctx, port.AuditEntry{
		Tool:         toolNameFromCtx(ctx),
		Server:       server,
		SQL:          "EXEC " + name,
		RowsReturned: result.Rows(),
		DurationMS:   durationMS,
		Err:          err,
		Params:       params,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.inst.IncrementQueryErrors(ctx)
		return nil, err
	}
	s.inst.IncrementQueryCount(ctx)
	return result, nil
}
