package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaskType names how a column's values are hidden from the agent.
type MaskType string

const (
	MaskRedact  MaskType = "redact"
	MaskHash    MaskType = "hash"
	MaskPartial MaskType = "partial"
	MaskNull    MaskType = "null"
)

// partialVisible is the number of trailing runes MaskPartial leaves readable.
const partialVisible = 4

// Valid reports whether m is a known mask type. The empty string is valid and
// means no mask.
func (m MaskType) Valid() bool {
	switch m {
	case "", MaskRedact, MaskHash, MaskPartial, MaskNull:
		return true
	}
	return false
}

// ApplyMask returns value hidden according to m. SQL NULL stays NULL for
// every mask type, and MaskNull turns any value into NULL. Hash and partial
// work on the value's text form, so a BIGINT comes back as a string.
func ApplyMask(value any, m MaskType) any {
	if value == nil {
		return nil
	}
	switch m {
	case MaskRedact:
		return "***"
	case MaskHash:
		sum := sha256.Sum256([]byte(maskText(value)))
		return hex.EncodeToString(sum[:])
	case MaskPartial:
		return maskPartial(maskText(value))
	case MaskNull:
		return nil
	}
	return value
}

func maskText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// maskPartial keeps the last partialVisible runes. Values of partialVisible
// runes or fewer are returned whole behind a *** prefix.
func maskPartial(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= partialVisible {
		return "***" + s
	}
	hidden := n - partialVisible
	for pos := range s {
		if hidden == 0 {
			return strings.Repeat("*", n-partialVisible) + s[pos:]
		}
		hidden--
	}
	return s
}

// MaskRows applies masks to rows in place. Keys of masks are column names,
// matched case-insensitively the way SQL Server resolves identifiers under
// its default collations.
func MaskRows(rows []map[string]any, masks map[string]MaskType) {
	if len(masks) == 0 || len(rows) == 0 {
		return
	}
	folded := make(map[string]MaskType, len(masks))
	for col, m := range masks {
		folded[strings.ToLower(col)] = m
	}
	for _, row := range rows {
		for col, v := range row {
			if m, ok := folded[strings.ToLower(col)]; ok {
				row[col] = ApplyMask(v, m)
			}
		}
	}
}

// MaskResult masks the rows of res in place.
func MaskResult(res *QueryResult, masks map[string]MaskType) {
	if res == nil {
		return
	}
	MaskRows(res.Rows, masks)
}
