package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/guillermoBallester/sqlwarden/internal/core/domain"
	"gopkg.in/yaml.v3"
)

const allowedMasks = "redact, hash, partial, \"null\""

// LoadFromFile reads a YAML policy file and returns a validated Policy.
// Unknown keys are rejected.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var pol Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pol); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if _, err := buildMaskSpec(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}
	return &pol, nil
}

// MaskSpec flattens the policy into the column-name → mask-type map used to
// mask query results. LoadFromFile has already rejected invalid policies.
func MaskSpec(pol *Policy) map[string]domain.MaskType {
	if pol.Empty() {
		return nil
	}
	spec, _ := buildMaskSpec(pol)
	return spec
}

func checkMask(where, col string, mt domain.MaskType) error {
	if col == "" {
		return fmt.Errorf("%s contains an empty column name", where)
	}
	if mt == "" {
		// An unquoted null decodes as the empty string.
		return fmt.Errorf("%s[%q]: missing mask (allowed: %s)", where, col, allowedMasks)
	}
	if !mt.Valid() {
		return fmt.Errorf("%s[%q]: invalid value %q (allowed: %s)", where, col, mt, allowedMasks)
	}
	return nil
}

// buildMaskSpec validates and merges both sections. Columns are matched by
// name alone and without regard to case, so entries whose names differ only
// in case must agree.
func buildMaskSpec(pol *Policy) (map[string]domain.MaskType, error) {
	spec := make(map[string]domain.MaskType)
	first := make(map[string]string) // folded name → first spelling

	add := func(where, col string, mt domain.MaskType) error {
		if err := checkMask(where, col, mt); err != nil {
			return err
		}
		folded := strings.ToLower(col)
		if prev, ok := first[folded]; ok {
			if spec[prev] != mt {
				return fmt.Errorf("conflicting masks for column %q: %q and %q (%s)", col, spec[prev], mt, where)
			}
			return nil
		}
		first[folded] = col
		spec[col] = mt
		return nil
	}

	for _, col := range slices.Sorted(maps.Keys(pol.Masking.Columns)) {
		if err := add("masking.columns", col, pol.Masking.Columns[col]); err != nil {
			return nil, err
		}
	}
	for _, table := range slices.Sorted(maps.Keys(pol.Masking.Tables)) {
		if table == "" {
			return nil, errors.New("masking.tables contains an empty table name")
		}
		cols := pol.Masking.Tables[table]
		where := fmt.Sprintf("masking.tables[%q]", table)
		for _, col := range slices.Sorted(maps.Keys(cols)) {
			if err := add(where, col, cols[col]); err != nil {
				return nil, err
			}
		}
	}
	return spec, nil
}
