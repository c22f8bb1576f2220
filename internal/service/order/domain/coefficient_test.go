package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coeff(t *testing.T, withClip, withoutClip string) ConversionCoefficient {
	t.Helper()
	c, err := NewConversionCoefficient(7, decimal.RequireFromString(withClip), decimal.RequireFromString(withoutClip))
	require.NoError(t, err)
	return c
}

func TestRequiredClicks_ClipPath(t *testing.T) {
	c := coeff(t, "3.0", "4.0")

	assert.True(t, c.UseClip())
	assert.Equal(t, int64(3), RequiredClicks(1000, c.For(c.UseClip())))
}

func TestRequiredClicks_DirectPath(t *testing.T) {
	c := coeff(t, "4.0", "4.0")

	assert.False(t, c.UseClip(), "equal coefficients must not choose the clip path")
	assert.Equal(t, int64(6), RequiredClicks(1500, c.For(c.UseClip())))
}

func TestRequiredClicks_RoundsUp(t *testing.T) {
	assert.Equal(t, int64(1), RequiredClicks(1, decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(4), RequiredClicks(1001, decimal.RequireFromString("3")))
	assert.Equal(t, int64(3), RequiredClicks(999, decimal.RequireFromString("3")))
}

func TestRequiredClicks_ZeroQuantity(t *testing.T) {
	assert.Equal(t, int64(0), RequiredClicks(0, decimal.RequireFromString("3.7")))
}

func TestRequiredClicks_Monotonic(t *testing.T) {
	for _, raw := range []string{"0.01", "1", "3.0", "4.25", "17.333"} {
		c := decimal.RequireFromString(raw)
		prev := RequiredClicks(0, c)
		for q := int64(1); q <= 5000; q += 7 {
			cur := RequiredClicks(q, c)
			require.GreaterOrEqual(t, cur, prev, "coefficient %s quantity %d", raw, q)
			prev = cur
		}
	}
}

func TestNewConversionCoefficient_RejectsNonPositive(t *testing.T) {
	_, err := NewConversionCoefficient(1, decimal.Zero, decimal.NewFromInt(4))
	assert.Error(t, err)
	_, err = NewConversionCoefficient(1, decimal.NewFromInt(3), decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestOrder_DecideDeliveryOnlyOnce(t *testing.T) {
	o, err := NewOrder(NewOrderParams{UserID: 5, Link: "https://video.example/watch?v=1", Quantity: 1000, Charge: decimal.NewFromInt(10)}, time.Now())
	require.NoError(t, err)

	o.DecideDelivery(coeff(t, "3.0", "4.0"))
	o.DecideDelivery(coeff(t, "5.0", "4.0"))

	assert.True(t, o.UseClip)
	assert.Equal(t, int64(3), o.TargetClicks)
	assert.True(t, o.Coefficient.Equal(decimal.RequireFromString("3")))
}

func TestNewOrder_Validation(t *testing.T) {
	_, err := NewOrder(NewOrderParams{UserID: 5, Link: "not a url", Quantity: 10}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = NewOrder(NewOrderParams{UserID: 5, Link: "https://a.example", Quantity: 0}, time.Now())
	assert.Error(t, err)

	o, err := NewOrder(NewOrderParams{UserID: 5, Link: " https://a.example/x ", Quantity: 10}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, DefaultMaxRetries, o.MaxRetries)
	assert.Equal(t, "https://a.example/x", o.Link)
}

func TestStatus_Public(t *testing.T) {
	assert.Equal(t, PublicProcessingDelayed, StatusHolding.Public())
	assert.Equal(t, PublicProcessingDelayed, StatusError.Public())
	assert.Equal(t, PublicStatus("ACTIVE"), StatusActive.Public())
}
