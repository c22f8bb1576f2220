package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"trafficflow/internal/pkg/workerpool"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
)

func TestOrchestrator_DirectPathReachesActive(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 4, 3)
	o := h.newOrder(t)

	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, int64(500), got.StartCount)
	assert.Equal(t, int64(1000), got.Remains)
	assert.False(t, got.UseClip)
	assert.Equal(t, int64(3), got.TargetClicks)
	assert.NotNil(t, got.PaymentConfirmedAt)
	assert.NotNil(t, got.ProcessingEndedAt)

	assert.Equal(t, []domain.Status{domain.StatusInProgress, domain.StatusProcessing, domain.StatusActive}, h.events.path(o.ID))
	assert.Len(t, h.events.notified(domain.AudienceUser, "order_active"), 1)

	c, err := h.campaigns.FindActiveByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "camp-1", c.ExternalID)
	assert.Equal(t, o.Link, c.TargetURL)
	assert.Equal(t, int64(3), c.ClicksRequired)
	assert.Equal(t, 0, h.caps.clipCalls)
	assert.Equal(t, domain.ProvisionKey(o.ID, 0), c.IdempotencyKey)
	assert.Equal(t, c.IdempotencyKey, h.caps.provisionReqs[0].IdempotencyKey)
}

func TestOrchestrator_UsesDefaultCoefficientWhenServiceHasNone(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t)

	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	// 默认系数 3 (clip) / 4 (直投), 走 clip
	assert.True(t, got.UseClip)
	assert.Equal(t, int64(3), got.TargetClicks)
	assert.Equal(t, 1, h.caps.clipCalls)
	assert.Equal(t, "https://clips.example/c/1", h.caps.provisionReqs[0].TargetURL)
}

func TestOrchestrator_ClipPath(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 2, 4)
	o := h.newOrder(t)

	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.UseClip)
	assert.Equal(t, int64(2), got.TargetClicks)

	clip, err := h.clips.FindActiveByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, clip)
	assert.Equal(t, domain.ClipCompleted, clip.Status)
	assert.Equal(t, "https://clips.example/c/1", h.caps.provisionReqs[0].TargetURL)
}

func TestOrchestrator_TransientProvisionFailureLeavesOneCampaign(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 4, 3)
	o := h.newOrder(t)

	h.caps.setProvision(func(context.Context, port.ProvisionRequest) (string, error) {
		return "", errUpstream
	})
	err := h.orch.Process(context.Background(), o.ID)
	require.ErrorIs(t, err, errUpstream)
	assert.True(t, Retryable(err))
	assert.Equal(t, domain.StatusProcessing, h.reload(t, o.ID).Status)

	active, err := h.campaigns.FindActiveByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Nil(t, active, "failed claim must be released")

	h.caps.setProvision(nil)
	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	assert.Equal(t, domain.StatusActive, h.reload(t, o.ID).Status)
	all, err := h.campaigns.ListByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "camp-2", all[0].ExternalID)
	assert.Equal(t, 2, h.caps.calls())
}

func TestOrchestrator_InvalidTargetIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 4, 3)
	o := h.newOrder(t)
	h.caps.setProvision(func(context.Context, port.ProvisionRequest) (string, error) {
		return "", domain.ErrInvalidTarget
	})

	err := h.orch.Process(context.Background(), o.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTarget)
	assert.False(t, Retryable(err))
}

func TestOrchestrator_ReplayAfterProvisioningSkipsToActive(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t, inProcessing(false))
	ctx := context.Background()

	claim := domain.NewCampaignClaim(o.ID, o.Link, o.TargetClicks, o.Coefficient, time.Now().UTC())
	require.NoError(t, h.campaigns.Claim(ctx, claim))
	require.NoError(t, h.campaigns.MarkProvisioned(ctx, claim.ID, "ext-9"))

	require.NoError(t, h.orch.Process(ctx, o.ID))

	assert.Equal(t, domain.StatusActive, h.reload(t, o.ID).Status)
	assert.Equal(t, 0, h.caps.calls(), "must not provision twice")
}

func TestOrchestrator_UnconfirmedClaimGoesToHolding(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t, inProcessing(false))
	ctx := context.Background()

	claim := domain.NewCampaignClaim(o.ID, o.Link, o.TargetClicks, o.Coefficient, time.Now().UTC())
	require.NoError(t, h.campaigns.Claim(ctx, claim))

	require.NoError(t, h.orch.Process(ctx, o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusHolding, got.Status)
	assert.Equal(t, "provision", got.FailedPhase)
	assert.Equal(t, domain.PublicProcessingDelayed, ToPublicView(got).Status)
	assert.Equal(t, 0, h.caps.calls())
	assert.Len(t, h.events.interventions, 1)
	assert.Len(t, h.events.notified(domain.AudienceOperators, "order_needs_review"), 1)
}

func TestOrchestrator_ProvisionTimeoutKeepsClaimAndHolds(t *testing.T) {
	h := newHarness(t)
	h.orch.settings.ProvisionTimeout = 20 * time.Millisecond
	o := h.newOrder(t, inProcessing(false))
	h.caps.setProvision(func(ctx context.Context, _ port.ProvisionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	assert.Equal(t, domain.StatusHolding, h.reload(t, o.ID).Status)
	c, err := h.campaigns.FindActiveByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, c, "claim is kept when the outcome is unknown")
	assert.Equal(t, domain.CampaignProvisioning, c.Status)
}

func TestOrchestrator_ClipFailureHoldsThenResolves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.newOrder(t, inProcessing(true))
	h.caps.clipErr = domain.ErrClipFailed

	require.NoError(t, h.orch.Process(ctx, o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusHolding, got.Status)
	assert.Equal(t, "clip", got.FailedPhase)
	assert.Equal(t, 0, h.caps.calls())

	// 重放不会再次调用 clip 服务
	require.NoError(t, h.orch.Process(ctx, o.ID))
	assert.Equal(t, 1, h.caps.clipCalls)

	h.caps.clipErr = nil
	_, err := h.svc.ResolveError(ctx, o.ID, admin, ResolveRequest{Supersede: true, Notes: "clip service recovered"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, h.reload(t, o.ID).Status)
	assert.Len(t, h.events.scheduled, 1)

	require.NoError(t, h.orch.Process(ctx, o.ID))
	got = h.reload(t, o.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.OperatorNotes, "clip service recovered")
	assert.Equal(t, 2, h.caps.clipCalls)
}

func TestOrchestrator_UnverifiedPaymentCancels(t *testing.T) {
	h := newHarness(t)
	o := h.newOrder(t, func(o *domain.Order) { o.PaymentVerified = false })

	require.NoError(t, h.orch.Process(context.Background(), o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.RefundNone, got.RefundState)
	assert.Equal(t, "payment_failed", got.LastErrorType)
	h.refunds.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.caps.calls())
}

func TestOrchestrator_GiveUpCancelsAndRefundsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.newOrder(t, inProcessing(false))
	h.refunds.On("Refund", mock.Anything, mock.Anything).Return(nil)

	task := workerpool.Task{Key: o.ID, Attempt: 3}
	h.orch.GiveUp(ctx, task, errUpstream)
	h.orch.GiveUp(ctx, task, errUpstream)

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.RefundDone, got.RefundState)
	h.refunds.AssertNumberOfCalls(t, "Refund", 1)

	req := h.refunds.Calls[0].Arguments.Get(1).(port.RefundRequest)
	assert.Equal(t, o.ID, req.OrderID)
	assert.Equal(t, "12.50", req.Amount.StringFixed(2))

	cancelled := h.events.notified(domain.AudienceUser, "order_cancelled")
	require.Len(t, cancelled, 1)
	assert.Equal(t, domain.MessageOrderCancelledRefunded, cancelled[0].Message)
	assert.Len(t, h.events.notified(domain.AudienceOperators, "order_processing_failed"), 1)
}

func TestOrchestrator_RetriesExhaustedThroughPool(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 4, 3)
	o := h.newOrder(t)
	h.refunds.On("Refund", mock.Anything, mock.Anything).Return(nil)
	h.caps.setProvision(func(context.Context, port.ProvisionRequest) (string, error) {
		return "", errUpstream
	})

	pool := workerpool.New(workerpool.Options{
		Workers:     2,
		QueueSize:   8,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Retryable:   Retryable,
	}, h.orch.Handle, h.orch.GiveUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	require.NoError(t, pool.Submit(ctx, o.ID))

	assert.Eventually(t, func() bool {
		got, err := h.orders.FindByID(context.Background(), o.ID)
		return err == nil && got.Status == domain.StatusCancelled && got.RefundState == domain.RefundDone
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 3, h.caps.calls())
	h.refunds.AssertNumberOfCalls(t, "Refund", 1)
	all, err := h.campaigns.ListByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOrchestrator_ProvisionKeyStableAcrossRetries(t *testing.T) {
	h := newHarness(t)
	h.seedCoefficient(t, 1, 4, 3)
	o := h.newOrder(t)
	failures := 2
	h.caps.setProvision(func(context.Context, port.ProvisionRequest) (string, error) {
		if failures > 0 {
			failures--
			return "", errUpstream
		}
		return "camp-ok", nil
	})

	pool := workerpool.New(workerpool.Options{
		Workers:     1,
		QueueSize:   8,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Retryable:   Retryable,
	}, h.orch.Handle, h.orch.GiveUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	require.NoError(t, pool.Submit(ctx, o.ID))

	assert.Eventually(t, func() bool {
		got, err := h.orders.FindByID(context.Background(), o.ID)
		return err == nil && got.Status == domain.StatusActive
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	keys := h.caps.keys()
	require.Len(t, keys, 3)
	want := domain.ProvisionKey(o.ID, 0)
	for _, k := range keys {
		assert.Equal(t, want, k)
	}
}

func TestOrchestrator_ProvisionKeyChangesAfterSupersede(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.newOrder(t, inProcessing(false))

	claim := domain.NewCampaignClaim(o.ID, o.Link, o.TargetClicks, o.Coefficient, time.Now().UTC())
	require.NoError(t, h.campaigns.Claim(ctx, claim))
	require.NoError(t, h.orch.Process(ctx, o.ID))
	require.Equal(t, domain.StatusHolding, h.reload(t, o.ID).Status)

	_, err := h.svc.ResolveError(ctx, o.ID, admin, ResolveRequest{Supersede: true, Notes: "provider has no such campaign"})
	require.NoError(t, err)
	require.NoError(t, h.orch.Process(ctx, o.ID))

	assert.Equal(t, domain.StatusActive, h.reload(t, o.ID).Status)
	assert.Equal(t, []string{domain.ProvisionKey(o.ID, 1)}, h.caps.keys())
}

func TestOrchestrator_CancelDuringClipSkipsProvisioning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.newOrder(t, inProcessing(true))
	h.refunds.On("Refund", mock.Anything, mock.Anything).Return(nil)
	h.caps.onClip = func() {
		_, err := h.svc.Cancel(ctx, o.ID, user, "changed my mind")
		assert.NoError(t, err)
	}

	require.NoError(t, h.orch.Process(ctx, o.ID))

	got := h.reload(t, o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.RefundDone, got.RefundState)
	assert.Equal(t, 1, h.caps.clipCalls)
	assert.Equal(t, 0, h.caps.calls(), "cancelled order must not be provisioned")
	assert.Empty(t, h.caps.pausedIDs())
	h.refunds.AssertNumberOfCalls(t, "Refund", 1)

	c, err := h.campaigns.FindActiveByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestOrchestrator_GiveUpHoldsWhenCampaignExists(t *testing.T) {
	for _, tc := range []struct {
		name      string
		provision bool
	}{
		{name: "provisioned", provision: true},
		{name: "outcome unknown", provision: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			o := h.newOrder(t, inProcessing(false))
			claim := domain.NewCampaignClaim(o.ID, o.Link, o.TargetClicks, o.Coefficient, time.Now().UTC())
			require.NoError(t, h.campaigns.Claim(ctx, claim))
			if tc.provision {
				require.NoError(t, h.campaigns.MarkProvisioned(ctx, claim.ID, "camp-ext"))
			}

			h.orch.GiveUp(ctx, workerpool.Task{Key: o.ID, Attempt: 3}, errUpstream)

			got := h.reload(t, o.ID)
			assert.Equal(t, domain.StatusHolding, got.Status)
			assert.Equal(t, domain.RefundNone, got.RefundState)
			assert.Empty(t, h.caps.pausedIDs())
			h.refunds.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
			require.Len(t, h.events.interventions, 1)
			assert.Contains(t, h.events.interventions[0].Issue, claim.ID)
			assert.Empty(t, h.events.notified(domain.AudienceOperators, "order_processing_failed"))

			c, err := h.campaigns.FindActiveByOrder(ctx, o.ID)
			require.NoError(t, err)
			require.NotNil(t, c, "campaign record is left for the operator")
		})
	}
}
