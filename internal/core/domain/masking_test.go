package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskType_Valid(t *testing.T) {
	t.Parallel()
	for _, mt := range []MaskType{"", MaskRedact, MaskHash, MaskPartial, MaskNull} {
		assert.True(t, mt.Valid(), "%q", mt)
	}
	for _, mt := range []MaskType{"encrypt", "REDACT", "mask", "sha256"} {
		assert.False(t, mt.Valid(), "%q", mt)
	}
}

// Values below have the shapes the SQL Server executor produces: DECIMAL and
// UNIQUEIDENTIFIER as strings, datetimes as RFC 3339, binary as base64.
func TestApplyMask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		value any
		mask  MaskType
		want  any
	}{
		{"redact nvarchar", "alice@contoso.com", MaskRedact, "***"},
		{"redact bigint", int64(4111111111111111), MaskRedact, "***"},
		{"redact empty", "", MaskRedact, "***"},
		{"redact null", nil, MaskRedact, nil},

		{"partial card number", "4111111111111111", MaskPartial, "************1111"},
		{"partial bigint", int64(9876543210), MaskPartial, "******3210"},
		{"partial decimal string", "12345.67", MaskPartial, "****5.67"},
		{"partial short", "ab", MaskPartial, "***ab"},
		{"partial four runes", "abcd", MaskPartial, "***abcd"},
		{"partial empty", "", MaskPartial, "***"},
		{"partial unicode", "café résumé", MaskPartial, "*******sumé"},
		{"partial null", nil, MaskPartial, nil},

		{"null nvarchar", "123-45-6789", MaskNull, nil},
		{"null datetime", "2024-03-01T10:00:00Z", MaskNull, nil},

		{"unknown keeps value", "keep-me", "unknown", "keep-me"},
		{"empty mask keeps value", "keep-me", "", "keep-me"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ApplyMask(tt.value, tt.mask))
		})
	}
}

func TestApplyMask_Hash(t *testing.T) {
	t.Parallel()
	guid := "6F9619FF-8B86-D011-B42D-00C04FC964FF"

	h, ok := ApplyMask(guid, MaskHash).(string)
	require.True(t, ok)
	assert.Len(t, h, 64)
	assert.Equal(t, h, ApplyMask(guid, MaskHash), "hash must be deterministic so masked keys still join")
	assert.NotEqual(t, h, ApplyMask(strings.ToLower(guid), MaskHash))

	// Values are hashed through their %v form.
	assert.Equal(t, ApplyMask(int64(12345), MaskHash), ApplyMask("12345", MaskHash))

	empty, ok := ApplyMask("", MaskHash).(string)
	require.True(t, ok)
	assert.Len(t, empty, 64)

	assert.Nil(t, ApplyMask(nil, MaskHash))
}

func TestApplyMask_PartialLongValue(t *testing.T) {
	t.Parallel()
	blob := strings.Repeat("QUJD", 2_500) // base64 varbinary
	s, ok := ApplyMask(blob, MaskPartial).(string)
	require.True(t, ok)
	assert.Len(t, s, len(blob))
	assert.True(t, strings.HasPrefix(s, "****"))
	assert.True(t, strings.HasSuffix(s, "QUJD"))
}

func TestMaskRows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		masks map[string]MaskType
		row   map[string]any
		want  map[string]any
	}{
		{
			name:  "masks listed column only",
			masks: map[string]MaskType{"Email": MaskRedact},
			row:   map[string]any{"CustomerID": int64(1), "Email": "alice@contoso.com", "Name": "Alice"},
			want:  map[string]any{"CustomerID": int64(1), "Email": "***", "Name": "Alice"},
		},
		{
			name:  "column names fold case",
			masks: map[string]MaskType{"email": MaskRedact, "PHONE": MaskPartial},
			row:   map[string]any{"EMAIL": "alice@contoso.com", "Phone": "5551234567"},
			want:  map[string]any{"EMAIL": "***", "Phone": "******4567"},
		},
		{
			name:  "mask for absent column",
			masks: map[string]MaskType{"SSN": MaskRedact},
			row:   map[string]any{"Name": "Alice"},
			want:  map[string]any{"Name": "Alice"},
		},
		{
			name: "nil masks",
			row:  map[string]any{"Email": "alice@contoso.com"},
			want: map[string]any{"Email": "alice@contoso.com"},
		},
		{
			name:  "empty masks",
			masks: map[string]MaskType{},
			row:   map[string]any{"Email": "alice@contoso.com"},
			want:  map[string]any{"Email": "alice@contoso.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rows := []map[string]any{tt.row}
			MaskRows(rows, tt.masks)
			assert.Equal(t, tt.want, rows[0])
		})
	}
}

func TestMaskResult(t *testing.T) {
	t.Parallel()
	res := &QueryResult{
		Columns: []string{"CustomerID", "SSN"},
		Rows: []map[string]any{
			{"CustomerID": int64(1), "SSN": "123-45-6789"},
			{"CustomerID": int64(2), "SSN": nil},
		},
		RowCount: 2,
	}
	MaskResult(res, map[string]MaskType{"ssn": MaskPartial})
	assert.Equal(t, "*******6789", res.Rows[0]["SSN"])
	assert.Nil(t, res.Rows[1]["SSN"])
	assert.Equal(t, int64(1), res.Rows[0]["CustomerID"])

	assert.NotPanics(t, func() { MaskResult(nil, map[string]MaskType{"ssn": MaskNull}) })
}
