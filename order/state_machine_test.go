package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNew, StatusAck, true},
		{StatusAck, StatusPartial, true},
		{StatusPartial, StatusPartial, true},
		{StatusPartial, StatusFilled, true},
		{StatusAck, StatusRejected, false},
		{StatusFilled, StatusCanceled, false},
		{StatusCanceled, StatusAck, false},
		{StatusFilled, StatusFilled, true},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestConstraintRounding(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.1, StepSize: 0.001}
	assert.Equal(t, 100.1, c.FloorPrice(100.19))
	assert.Equal(t, 100.2, c.CeilPrice(100.11))
	assert.Equal(t, 100.1, c.CeilPrice(100.1))
	assert.Equal(t, 0.3, c.FloorQty(0.3009))
	assert.NoError(t, c.Validate(0.3, 0.003))

	var none SymbolConstraints
	assert.Equal(t, 1.2345, none.FloorPrice(1.2345))
}
