package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestInt(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"int32", int32(7), 7, true},
		{"int64", int64(-3), -3, true},
		{"uint8", uint8(200), 200, true},
		{"float truncates", 2.9, 2, true},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
		{"string", " 42 ", 42, true},
		{"malformed string", "4x2", 0, false},
		{"float string", "1.0", 0, false},
		{"decimal", decimal.RequireFromString("5.75"), 5, true},
		{"uint64 overflow", uint64(math.MaxUint64), 0, false},
		{"bool", true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Int(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInt16Range(t *testing.T) {
	_, ok := Int16(int64(40000))
	assert.False(t, ok)
	n, ok := Int16(int64(-2))
	assert.True(t, ok)
	assert.Equal(t, int16(-2), n)
}

func TestFloat(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"float32", float32(1.5), 1.5, true},
		{"int", int64(3), 3, true},
		{"string", "2.25", 2.25, true},
		{"empty string", "", 0, false},
		{"nan string", "NaN", 0, false},
		{"nan", math.NaN(), 0, false},
		{"neg inf", math.Inf(-1), 0, false},
		{"garbage", "abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Float(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecimalRoundsToCents(t *testing.T) {
	d, ok := Decimal(12.345)
	assert.True(t, ok)
	assert.Equal(t, "12.35", d.StringFixed(2))

	d, ok = Decimal("7")
	assert.True(t, ok)
	assert.Equal(t, "7.00", d.StringFixed(2))

	_, ok = Decimal(math.NaN())
	assert.False(t, ok)

	_, ok = Decimal("twelve")
	assert.False(t, ok)
}

func TestTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 57, 55, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want time.Time
		ok   bool
	}{
		{"naive time is utc", time.Date(2024, 1, 1, 0, 57, 55, 0, time.UTC), want, true},
		{"aware converts", time.Date(2023, 12, 31, 19, 57, 55, 0, time.FixedZone("EST", -5*3600)), want, true},
		{"naive string", "2024-01-01 00:57:55", want, true},
		{"naive iso", "2024-01-01T00:57:55", want, true},
		{"offset string", "2024-01-01T02:57:55+02:00", want, true},
		{"unparsable", "yesterday", time.Time{}, false},
		{"nil", nil, time.Time{}, false},
		{"int", int64(1704070675), time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Timestamp(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got))
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}
