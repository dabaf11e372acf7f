package policy

import "github.com/guillermoBallester/sqlwarden/internal/core/domain"

// Policy is the operator's masking policy, loaded from YAML:
//
//	masking:
//	  columns:              # any result column with this name
//	    Email: redact
//	  tables:               # grouped by table for readability
//	    dbo.Customers:
//	      SSN: "null"
//	      Phone: partial
//
// Results carry column names only, so a table-scoped entry masks the column
// wherever it appears. Entries must therefore agree across tables.
type Policy struct {
	Masking Masking `yaml:"masking"`
}

type Masking struct {
	Columns map[string]domain.MaskType            `yaml:"columns"`
	Tables  map[string]map[string]domain.MaskType `yaml:"tables"`
}

// Empty reports whether the policy masks nothing.
func (p *Policy) Empty() bool {
	if p == nil {
		return true
	}
	if len(p.Masking.Columns) > 0 {
		return false
	}
	for _, cols := range p.Masking.Tables {
		if len(cols) > 0 {
			return false
		}
	}
	return true
}
