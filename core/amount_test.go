package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		s       string
		want    Amount
		wantErr bool
	}{
		{
			name: "integer",
			s:    "KUDOS:10",
			want: Amount{Currency: "KUDOS", Value: 10},
		},
		{
			name: "fraction",
			s:    "EUR:0.01",
			want: Amount{Currency: "EUR", Value: 0, Fraction: 10_000},
		},
		{
			name: "six digits",
			s:    "EUR:1.000001",
			want: Amount{Currency: "EUR", Value: 1, Fraction: 1},
		},
		{
			name:    "too many digits",
			s:       "EUR:1.0000001",
			wantErr: true,
		},
		{
			name:    "missing currency",
			s:       ":1",
			wantErr: true,
		},
		{
			name:    "no separator",
			s:       "10",
			wantErr: true,
		},
		{
			name:    "negative",
			s:       "EUR:-1",
			wantErr: true,
		},
		{
			name:    "too large",
			s:       "EUR:9007199254740993",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.s)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountArithmetic(t *testing.T) {
	a := MustParseAmount("KUDOS:1.7")
	b := MustParseAmount("KUDOS:0.4")

	sum, saturated := a.Add(b)
	assert.False(t, saturated)
	assert.Equal(t, "KUDOS:2.1", sum.String())

	diff, saturated := a.Sub(b)
	assert.False(t, saturated)
	assert.Equal(t, "KUDOS:1.3", diff.String())

	diff, saturated = b.Sub(a)
	assert.True(t, saturated)
	assert.True(t, diff.IsZero())

	prod, saturated := b.Mult(3)
	assert.False(t, saturated)
	assert.Equal(t, "KUDOS:1.2", prod.String())

	total, saturated := SumAmounts("KUDOS", []Amount{a, b, b})
	assert.False(t, saturated)
	assert.Equal(t, "KUDOS:2.5", total.String())

	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(NewAmount("KUDOS", 0, 1_700_000)))
	assert.Equal(t, b, MinAmount(a, b))
}

func TestAmountSaturates(t *testing.T) {
	max := MaxAmount("KUDOS")

	sum, saturated := max.Add(MustParseAmount("KUDOS:0.000001"))
	assert.True(t, saturated)
	assert.Equal(t, max, sum)

	_, saturated = MustParseAmount("KUDOS:4503599627370496").Mult(2)
	assert.True(t, saturated)
}

func TestAmountCurrencyMismatch(t *testing.T) {
	assert.Panics(t, func() {
		MustParseAmount("KUDOS:1").Add(MustParseAmount("EUR:1"))
	})
}

func TestAmountJSON(t *testing.T) {
	type record struct {
		Amount Amount `json:"amount"`
	}

	b, err := json.Marshal(record{Amount: MustParseAmount("KUDOS:5.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"KUDOS:5.5"}`, string(b))

	var r record
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"EUR:0.25"}`), &r))
	assert.Equal(t, NewAmount("EUR", 0, 250_000), r.Amount)

	require.NoError(t, json.Unmarshal([]byte(`{"amount":""}`), &r))
	assert.Equal(t, Amount{}, r.Amount)

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"bad"}`), &r))
}
