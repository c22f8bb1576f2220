package fraud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"trafficflow/internal/pkg/bootstrap"
)

func newTestGate(t *testing.T, mutate func(*bootstrap.FraudConfig)) (*Gate, *MemoryCounterStore) {
	t.Helper()
	cfg := bootstrap.DefaultConfig().Fraud
	if mutate != nil {
		mutate(&cfg)
	}
	store := NewMemoryCounterStore()
	g, err := NewGate(store, cfg, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return g, store
}

func request(userID int64, link string, qty int64) Request {
	return Request{
		UserID:   userID,
		Link:     link,
		Quantity: qty,
		Charge:   decimal.NewFromInt(5),
		User:     UserProfile{ID: userID},
	}
}

func TestGate_DuplicateWithinWindow(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ctx := context.Background()

	first, err := g.Evaluate(ctx, request(7, "https://video.example/v/1", 1000))
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	for i := 2; i <= 6; i++ {
		d, err := g.Evaluate(ctx, request(7, "https://video.example/v/1", 1000))
		require.NoError(t, err)
		assert.False(t, d.Accepted, "order %d", i)
		assert.Contains(t, d.Triggered, RuleDuplicate, "order %d", i)
	}
}

func TestGate_DifferentQuantityIsNotDuplicate(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ctx := context.Background()

	_, err := g.Evaluate(ctx, request(7, "https://video.example/v/1", 1000))
	require.NoError(t, err)
	d, err := g.Evaluate(ctx, request(7, "https://video.example/v/1", 2000))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGate_DuplicateWindowExpires(t *testing.T) {
	g, store := newTestGate(t, nil)
	now := time.Now()
	store.WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = g.Evaluate(ctx, request(7, "https://video.example/v/1", 1000))
	now = now.Add(11 * time.Minute)

	d, err := g.Evaluate(ctx, request(7, "https://video.example/v/1", 1000))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGate_RateLimit(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := g.Evaluate(ctx, request(9, fmt.Sprintf("https://video.example/v/%d", i), int64(100*i)))
		require.NoError(t, err)
		assert.True(t, d.Accepted, "request %d", i)
	}
	d, err := g.Evaluate(ctx, request(9, "https://video.example/v/6", 600))
	require.NoError(t, err)
	assert.Equal(t, []string{RuleRateLimit}, d.Triggered)

	var admission *AdmissionError
	require.ErrorAs(t, d.Err(), &admission)
	assert.True(t, errors.Is(d.Err(), ErrRejected))
}

func TestGate_VerificationForHighValue(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ctx := context.Background()

	newcomer := request(15, "https://video.example/v/1", 1000)
	newcomer.Charge = decimal.NewFromInt(250)
	d, err := g.Evaluate(ctx, newcomer)
	require.NoError(t, err)
	assert.Equal(t, []string{RuleVerification}, d.Triggered)

	veteran := request(16, "https://video.example/v/1", 1000)
	veteran.Charge = decimal.NewFromInt(250)
	veteran.User = UserProfile{ID: 16, AccountAgeDays: 30, SuccessfulOrders: 4}
	d, err = g.Evaluate(ctx, veteran)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	legacy := request(5000, "https://video.example/v/1", 1000)
	legacy.Charge = decimal.NewFromInt(250)
	d, err = g.Evaluate(ctx, legacy)
	require.NoError(t, err)
	assert.True(t, d.Accepted, "ids above the verified range are trusted")
}

func TestGate_Disabled(t *testing.T) {
	g, _ := newTestGate(t, func(c *bootstrap.FraudConfig) { c.Enabled = false })
	for i := 0; i < 10; i++ {
		d, err := g.Evaluate(context.Background(), request(1, "https://video.example/v/1", 1))
		require.NoError(t, err)
		assert.True(t, d.Accepted)
	}
}

type brokenStore struct{}

func (brokenStore) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestGate_CounterOutageFailsOpen(t *testing.T) {
	g, err := NewGate(brokenStore{}, bootstrap.DefaultConfig().Fraud, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := g.Evaluate(context.Background(), request(1, "https://video.example/v/1", 1))
		require.NoError(t, err)
		assert.True(t, d.Accepted)
	}
}

func TestGate_ReloadRejectsInvalidExpression(t *testing.T) {
	g, _ := newTestGate(t, nil)
	cfg := bootstrap.DefaultConfig().Fraud
	cfg.TrustExpression = "user.id >"
	assert.Error(t, g.Reload(cfg))

	// 旧配置仍然生效
	d, err := g.Evaluate(context.Background(), request(1, "https://video.example/v/1", 1))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}
