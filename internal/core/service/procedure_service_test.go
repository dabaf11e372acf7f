package service

import (
	"context"
	"errors"
	"testing"

	"github.com/guillermoBallester/sqlwarden/internal/admission"
	"github.com/guillermoBallester/sqlwarden/internal/audit"
	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProcExecutor struct {
	called     bool
	lastServer string
	lastName   string
	lastParams map[string]any
	result     *domain.ProcedureResult
	err        error
}

func (m *mockProcExecutor) ExecuteProcedure(_ context.Context, server, name string, params map[string]any) (*domain.ProcedureResult, error) {
	m.called = true
	m.lastServer = server
	m.lastName = name
	m.lastParams = params
	return m.result, m.err
}

func ptr[T any](v T) *T { return &v }

func TestAddIfNotNull(t *testing.T) {
	t.Parallel()
	p := map[string]any{}

	AddIfNotNull[string](p, "@filter", nil)
	assert.NotContains(t, p, "@filter")

	AddIfNotNull(p, "@filter", ptr("dbo"))
	AddIfNotNull(p, "@get_plans", ptr(0))
	assert.Equal(t, "dbo", p["@filter"])
	assert.Equal(t, 0, p["@get_plans"], "zero is a value, not an absence")
}

func TestAddBoolParam(t *testing.T) {
	t.Parallel()
	p := map[string]any{}

	AddBoolParam(p, "@get_locks", ptr(true))
	AddBoolParam(p, "@show_own_spid", ptr(false))
	AddBoolParam(p, "@format_output", nil)

	assert.Equal(t, 1, p["@get_locks"])
	assert.Equal(t, 0, p["@show_own_spid"])
	assert.NotContains(t, p, "@format_output")
}

func TestWhoIsActiveOptions_Params(t *testing.T) {
	t.Parallel()
	opts := WhoIsActiveOptions{
		Filter:            ptr("AdventureWorks"),
		FilterType:        ptr("database"),
		ShowSleepingSpids: ptr(2),
		GetPlans:          ptr(1),
		GetLocks:          ptr(true),
		FindBlockLeaders:  ptr(false),
		SortOrder:         ptr("[start_time] ASC"),
	}

	assert.Equal(t, map[string]any{
		"@filter":              "AdventureWorks",
		"@filter_type":         "database",
		"@show_sleeping_spids": 2,
		"@get_plans":           1,
		"@get_locks":           1,
		"@find_block_leaders":  0,
		"@sort_order":          "[start_time] ASC",
	}, opts.params())

	assert.Empty(t, WhoIsActiveOptions{}.params())
}

func newProcService(t *testing.T, exec *mockProcExecutor, gate *admission.Controller) *ProcedureService {
	t.Helper()
	if gate == nil {
		gate = testGate(t, 5, 60)
	}
	return NewProcedureService(gate, exec, audit.NoopAuditor{}, testLogger(), nil, nil)
}

func TestProcedureService_WhoIsActive(t *testing.T) {
	t.Parallel()
	exec := &mockProcExecutor{result: &domain.ProcedureResult{
		Server:     "prod",
		Procedure:  "sp_WhoIsActive",
		ResultSets: []domain.QueryResult{{Columns: []string{"session_id"}, Rows: []map[string]any{{"session_id": 52}}, RowCount: 1}},
	}}
	svc := newProcService(t, exec, nil)

	res, err := svc.WhoIsActive(context.Background(), "prod", WhoIsActiveOptions{GetLocks: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows())
	assert.Equal(t, "prod", exec.lastServer)
	assert.Equal(t, "sp_WhoIsActive", exec.lastName)
	assert.Equal(t, map[string]any{"@get_locks": 1}, exec.lastParams)
}

func TestProcedureService_AllowedProcedures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		proc    string
		allowed bool
	}{
		{"exact", "sp_WhoIsActive", true},
		{"lower case", "sp_whoisactive", true},
		{"upper case", "SP_WHOISACTIVE", true},
		{"prefix only", "sp_Who", false},
		{"suffix appended", "sp_WhoIsActive2", false},
		{"embedded", "dbo.sp_WhoIsActive; DROP TABLE t", false},
		{"other procedure", "xp_cmdshell", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &mockProcExecutor{result: &domain.ProcedureResult{}}
			svc := newProcService(t, exec, nil)

			_, err := svc.Execute(context.Background(), "prod", tt.proc, nil)
			if tt.allowed {
				require.NoError(t, err)
				assert.True(t, exec.called)
				return
			}
			require.ErrorIs(t, err, ErrProcedureNotAllowed)
			assert.Contains(t, err.Error(), tt.proc)
			assert.False(t, exec.called)
		})
	}
}

func TestProcedureService_BlockedParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		param   string
		blocked bool
	}{
		{"@destination_table", true},
		{"@DESTINATION_TABLE", true},
		{"@return_schema", true},
		{"@schema", true},
		{"@Help", true},
		{"@schema_name", false},
		{"@filter", false},
		{"@get_plans", false},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			t.Parallel()
			exec := &mockProcExecutor{result: &domain.ProcedureResult{}}
			gate := testGate(t, 1, 1)
			svc := newProcService(t, exec, gate)

			_, err := svc.Execute(context.Background(), "prod", "sp_WhoIsActive", map[string]any{tt.param: "x"})
			if !tt.blocked {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrParameterNotAllowed)
			assert.False(t, exec.called)
			assert.Equal(t, 1, gate.Stats().Tokens, "blocked calls are refused before admission")
		})
	}
}

func TestProcedureService_SharesAdmission(t *testing.T) {
	t.Parallel()
	gate := testGate(t, 1, 1)
	exec := &mockProcExecutor{result: &domain.ProcedureResult{}}
	procs := newProcService(t, exec, gate)
	queries := NewQueryService(domain.NewQueryValidator(0), gate, &mockExecutor{result: rowsResult()}, audit.NoopAuditor{}, testLogger(), nil, nil, nil)

	_, err := procs.WhoIsActive(context.Background(), "prod", WhoIsActiveOptions{})
	require.NoError(t, err)

	_, err = queries.Execute(context.Background(), "prod", "", "SELECT 1")
	require.ErrorIs(t, err, admission.ErrRateExceeded)
}

func TestProcedureService_ExecutorError(t *testing.T) {
	t.Parallel()
	gate := testGate(t, 1, 10)
	aud := &recordingAuditor{}
	exec := &mockProcExecutor{err: errors.New("login failed")}
	svc := NewProcedureService(gate, exec, aud, testLogger(), nil, nil)

	ctx := WithToolName(context.Background(), "who_is_active")
	_, err := svc.WhoIsActive(ctx, "prod", WhoIsActiveOptions{})
	require.Error(t, err)
	assert.Zero(t, gate.Stats().InUse)

	require.Len(t, aud.entries, 1)
	assert.Equal(t, "who_is_active", aud.entries[0].Tool)
	assert.Equal(t, "EXEC sp_WhoIsActive", aud.entries[0].SQL)
	assert.EqualError(t, aud.entries[0].Err, "login failed")
}
