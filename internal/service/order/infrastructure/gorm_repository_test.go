package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"trafficflow/internal/service/order/domain"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:orders_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库的写入串行化, 避免 shared cache 的表锁错误
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(domain.NewOrderParams{
		UserID:           42,
		ServiceID:        1,
		Link:             "https://video.example/v/abc",
		Quantity:         1000,
		Charge:           decimal.RequireFromString("12.5"),
		PaymentConfirmed: true,
	}, time.Now().UTC())
	require.NoError(t, err)
	return o
}

func TestOrderRepository_CreateAndFind(t *testing.T) {
	repo := NewGormOrderRepository(newTestDB(t))
	ctx := context.Background()
	o := newTestOrder(t)

	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.Charge.Equal(o.Charge), "charge %s", got.Charge)
	assert.True(t, got.PaymentVerified)
	assert.Equal(t, int64(0), got.Version)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_UpdateIsCompareAndSwap(t *testing.T) {
	repo := NewGormOrderRepository(newTestDB(t))
	ctx := context.Background()
	o := newTestOrder(t)
	require.NoError(t, repo.Create(ctx, o))

	a, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	b, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)

	a.Status = domain.StatusInProgress
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.Status = domain.StatusCancelled
	assert.ErrorIs(t, repo.Update(ctx, b), domain.ErrVersionConflict)
	assert.Equal(t, int64(0), b.Version)

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestOrderRepository_ConcurrentUpdatesHaveOneWinner(t *testing.T) {
	repo := NewGormOrderRepository(newTestDB(t))
	ctx := context.Background()
	o := newTestOrder(t)
	require.NoError(t, repo.Create(ctx, o))

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	copies := make([]*domain.Order, n)
	for i := range copies {
		c, err := repo.FindByID(ctx, o.ID)
		require.NoError(t, err)
		copies[i] = c
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *domain.Order) {
			defer wg.Done()
			c.OperatorNotes = "writer"
			if repo.Update(ctx, c) == nil {
				wins.Add(1)
			}
		}(copies[i])
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOrderRepository_ListStale(t *testing.T) {
	repo := NewGormOrderRepository(newTestDB(t))
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	stale := newTestOrder(t)
	stale.Status = domain.StatusProcessing
	stale.UpdatedAt = old
	require.NoError(t, repo.Create(ctx, stale))

	fresh := newTestOrder(t)
	fresh.Status = domain.StatusProcessing
	require.NoError(t, repo.Create(ctx, fresh))

	done := newTestOrder(t)
	done.Status = domain.StatusCompleted
	done.UpdatedAt = old
	require.NoError(t, repo.Create(ctx, done))

	got, err := repo.ListStale(ctx, []domain.Status{domain.StatusPending, domain.StatusProcessing}, time.Now().UTC().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestOrderRepository_ListPendingRefunds(t *testing.T) {
	repo := NewGormOrderRepository(newTestDB(t))
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	pending := newTestOrder(t)
	pending.Status = domain.StatusCancelled
	pending.RefundState = domain.RefundPending
	pending.UpdatedAt = old
	require.NoError(t, repo.Create(ctx, pending))

	settled := newTestOrder(t)
	settled.Status = domain.StatusCancelled
	settled.RefundState = domain.RefundDone
	settled.UpdatedAt = old
	require.NoError(t, repo.Create(ctx, settled))

	got, err := repo.ListPendingRefunds(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestCampaignRepository_SingleActiveClaim(t *testing.T) {
	repo := NewGormCampaignRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	first := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), now)
	require.NoError(t, repo.Claim(ctx, first))

	second := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), now)
	assert.ErrorIs(t, repo.Claim(ctx, second), domain.ErrCampaignClaimed)

	other := domain.NewCampaignClaim("order-2", "https://video.example/v/xyz", 4, decimal.NewFromInt(4), now)
	assert.NoError(t, repo.Claim(ctx, other))

	active, err := repo.FindActiveByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, domain.CampaignProvisioning, active.Status)
}

func TestCampaignRepository_ProvisionedIsImmutable(t *testing.T) {
	repo := NewGormCampaignRepository(newTestDB(t))
	ctx := context.Background()

	c := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), time.Now().UTC())
	require.NoError(t, repo.Claim(ctx, c))
	require.NoError(t, repo.MarkProvisioned(ctx, c.ID, "ext-1"))

	assert.ErrorIs(t, repo.MarkProvisioned(ctx, c.ID, "ext-2"), domain.ErrCampaignImmutable)
	require.NoError(t, repo.Release(ctx, c.ID))

	active, err := repo.FindActiveByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "ext-1", active.ExternalID)
	assert.True(t, active.Provisioned())
}

func TestCampaignRepository_ReleaseAndSupersede(t *testing.T) {
	repo := NewGormCampaignRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	claim := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), now)
	require.NoError(t, repo.Claim(ctx, claim))
	require.NoError(t, repo.Release(ctx, claim.ID))

	active, err := repo.FindActiveByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	again := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), now)
	require.NoError(t, repo.Claim(ctx, again))
	require.NoError(t, repo.MarkProvisioned(ctx, again.ID, "ext-1"))
	require.NoError(t, repo.Supersede(ctx, "order-1"))

	replacement := domain.NewCampaignClaim("order-1", "https://video.example/v/abc", 4, decimal.NewFromInt(4), now)
	require.NoError(t, repo.Claim(ctx, replacement))

	all, err := repo.ListByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.CampaignSuperseded, all[0].Status)
	assert.Equal(t, "ext-1", all[0].ExternalID)
	assert.Equal(t, domain.CampaignProvisioning, all[1].Status)
}

func TestClipRepository_Lifecycle(t *testing.T) {
	repo := NewGormClipRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	clip := domain.NewClipRecord("order-1", "https://video.example/v/abc", now)
	require.NoError(t, repo.Create(ctx, clip))
	assert.ErrorIs(t, repo.Create(ctx, domain.NewClipRecord("order-1", "https://video.example/v/abc", now)), domain.ErrClipClaimed)

	require.NoError(t, repo.Complete(ctx, clip.ID, "https://clips.example/c/1"))
	assert.ErrorIs(t, repo.Fail(ctx, clip.ID, "late failure"), domain.ErrClipImmutable)

	got, err := repo.FindActiveByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.ClipCompleted, got.Status)
	assert.True(t, got.ClipCreated)
	assert.Equal(t, "https://clips.example/c/1", got.ClipURL)

	require.NoError(t, repo.Supersede(ctx, "order-1"))
	got, err = repo.FindActiveByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCoefficientRepository_Upsert(t *testing.T) {
	repo := NewGormCoefficientRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.FindByServiceID(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrCoefficientNotFound)

	c, err := domain.NewConversionCoefficient(1, decimal.NewFromInt(3), decimal.NewFromInt(4))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, &c))

	c.WithClip = decimal.NewFromInt(5)
	c.UpdatedBy = "ops"
	require.NoError(t, repo.Save(ctx, &c))

	got, err := repo.FindByServiceID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.WithClip.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.WithoutClip.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, "ops", got.UpdatedBy)
	assert.False(t, got.UseClip())
}
