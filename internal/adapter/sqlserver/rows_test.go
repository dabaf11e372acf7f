package sqlserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatValue(t *testing.T) {
	t.Parallel()

	// SQL Server stores the first three groups of a uniqueidentifier little-endian.
	guid := []byte{0x67, 0x45, 0x23, 0x01, 0xab, 0x89, 0xef, 0xcd, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

	tests := []struct {
		name   string
		value  any
		dbType string
		want   any
	}{
		{"nil", nil, "INT", nil},
		{"int passes through", int64(42), "BIGINT", int64(42)},
		{"string passes through", "hello", "NVARCHAR", "hello"},
		{"bool passes through", true, "BIT", true},
		{"float passes through", 1.5, "FLOAT", 1.5},
		{"datetime", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "DATETIME2", "2024-01-02T03:04:05Z"},
		{"datetimeoffset keeps offset", time.Date(2024, 1, 2, 3, 4, 5, 500, time.FixedZone("", 2*3600)), "DATETIMEOFFSET", "2024-01-02T03:04:05.0000005+02:00"},
		{"varbinary as base64", []byte{0xde, 0xad, 0xbe, 0xef}, "VARBINARY", "3q2+7w=="},
		{"decimal as text", []byte("1234.5600"), "DECIMAL", "1234.5600"},
		{"money as text", []byte("19.99"), "MONEY", "19.99"},
		{"lower-case type name", []byte("7"), "numeric", "7"},
		{"uniqueidentifier", guid, "UNIQUEIDENTIFIER", "01234567-89AB-CDEF-0123-456789ABCDEF"},
		{"short uniqueidentifier falls back to base64", []byte{1, 2}, "UNIQUEIDENTIFIER", "AQI="},
		{"bytes of unknown type as base64", []byte("hi"), "", "aGk="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, formatValue(tt.value, tt.dbType))
		})
	}
}
