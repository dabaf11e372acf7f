package domain

// QueryResult is the tabular outcome of a read_data call. Rows are keyed by
// column name; Columns keeps the order the server returned them in.
// Truncated is set when more rows were available than the row limit allowed.
type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

// ProcedureResult holds every result set a stored procedure produced. Each
// set is truncated to the row limit on its own.
type ProcedureResult struct {
	Server     string        `json:"server"`
	Procedure  string        `json:"procedure"`
	ResultSets []QueryResult `json:"result_sets"`
}

// Rows returns the number of rows across all result sets.
func (r *ProcedureResult) Rows() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, set := range r.ResultSets {
		n += set.RowCount
	}
	return n
}

// Plan types accepted by get_query_plan. An estimated plan compiles the query
// without running it; an actual plan runs it and reports runtime statistics.
const (
	PlanEstimated = "estimated"
	PlanActual    = "actual"
)

// QueryPlan is the SHOWPLAN XML document SQL Server produced for a query.
type QueryPlan struct {
	Server   string `json:"server"`
	Database string `json:"database,omitempty"`
	PlanType string `json:"plan_type"`
	PlanXML  string `json:"plan_xml"`
}

// Database is one row of sys.databases.
type Database struct {
	Name               string `json:"name"`
	State              string `json:"state"`
	CompatibilityLevel int    `json:"compatibility_level"`
	ReadOnly           bool   `json:"read_only"`
}

type DatabaseList struct {
	Server    string     `json:"server"`
	Databases []Database `json:"databases"`
}
