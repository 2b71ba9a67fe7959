package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeBaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "canonical", in: "https://ex.test/", want: "https://ex.test/"},
		{name: "no slash", in: "https://ex.test", want: "https://ex.test/"},
		{name: "no scheme", in: "ex.test", want: "https://ex.test/"},
		{name: "http kept", in: "http://localhost:8081", want: "http://localhost:8081/"},
		{name: "path", in: "https://bank.test/exchange", want: "https://bank.test/exchange/"},
		{name: "query and fragment", in: "https://ex.test/?a=1#x", want: "https://ex.test/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalizeBaseURL(tt.in))
		})
	}
}

func TestDenominationValidity(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &Denomination{
		StampStart:          start,
		StampExpireWithdraw: start.Add(24 * time.Hour),
		StampExpireDeposit:  start.Add(48 * time.Hour),
		Status:              DenominationStatusVerifiedGood,
		IsOffered:           true,
	}

	assert.False(t, d.IsWithdrawable(start.Add(-time.Second)))
	assert.True(t, d.IsWithdrawable(start.Add(time.Hour)))
	assert.False(t, d.IsWithdrawable(start.Add(25*time.Hour)))
	assert.True(t, d.IsDepositable(start.Add(25*time.Hour)))
	assert.False(t, d.IsDepositable(start.Add(49*time.Hour)))

	d.Status = DenominationStatusVerifiedBad
	assert.False(t, d.IsWithdrawable(start.Add(time.Hour)))
	assert.False(t, d.IsDepositable(start.Add(time.Hour)))
}
