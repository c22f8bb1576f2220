package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"trafficflow/internal/pkg/bootstrap"
	"trafficflow/internal/service/order/application/saga"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
	"trafficflow/internal/service/order/fraud"
	"trafficflow/internal/service/order/infrastructure"
	"trafficflow/internal/service/order/statemachine"
)

// -- Fakes --

type fakeCapabilities struct {
	mu sync.Mutex

	baseline    int64
	baselineErr error

	clipURL   string
	clipErr   error
	clipCalls int
	// onClip 在 clip 调用返回前执行, 模拟调用期间发生的并发操作
	onClip func()

	// provision 为 nil 时返回 camp-N
	provision      func(ctx context.Context, req port.ProvisionRequest) (string, error)
	provisionCalls int
	provisionReqs  []port.ProvisionRequest

	paused  []string
	resumed []string
}

func (f *fakeCapabilities) GetBaselineMetric(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseline, f.baselineErr
}

func (f *fakeCapabilities) CreateClip(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.clipCalls++
	url, err, hook := f.clipURL, f.clipErr, f.onClip
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return url, err
}

func (f *fakeCapabilities) ProvisionCampaign(ctx context.Context, req port.ProvisionRequest) (string, error) {
	f.mu.Lock()
	f.provisionCalls++
	f.provisionReqs = append(f.provisionReqs, req)
	n := f.provisionCalls
	fn := f.provision
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return fmt.Sprintf("camp-%d", n), nil
}

func (f *fakeCapabilities) PauseCampaign(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeCapabilities) ResumeCampaign(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeCapabilities) setProvision(fn func(ctx context.Context, req port.ProvisionRequest) (string, error)) {
	f.mu.Lock()
	f.provision = fn
	f.mu.Unlock()
}

func (f *fakeCapabilities) pausedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paused...)
}

func (f *fakeCapabilities) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.provisionReqs))
	for _, r := range f.provisionReqs {
		out = append(out, r.IdempotencyKey)
	}
	return out
}

func (f *fakeCapabilities) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisionCalls
}

// fakeEvents 同时实现 Notifier / EventPublisher / ProcessingScheduler
type fakeEvents struct {
	mu            sync.Mutex
	notifications []domain.Notification
	changes       []domain.OrderStatusChanged
	interventions []domain.OrderNeedsManualIntervention
	scheduled     []domain.OrderCreated
}

func (f *fakeEvents) Notify(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeEvents) PublishStatusChanged(_ context.Context, e domain.OrderStatusChanged) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, e)
	return nil
}

func (f *fakeEvents) PublishManualIntervention(_ context.Context, e domain.OrderNeedsManualIntervention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interventions = append(f.interventions, e)
	return nil
}

func (f *fakeEvents) Schedule(_ context.Context, e domain.OrderCreated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, e)
	return nil
}

func (f *fakeEvents) notified(audience domain.Audience, event string) []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Notification
	for _, n := range f.notifications {
		if n.Audience == audience && n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeEvents) path(orderID string) []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Status
	for _, c := range f.changes {
		if c.OrderID == orderID {
			out = append(out, c.New)
		}
	}
	return out
}

type refundMock struct {
	mock.Mock
}

func (m *refundMock) Refund(ctx context.Context, req port.RefundRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// fakeUsers 用户目录, 未登记的用户返回空资料
type fakeUsers struct {
	profiles map[int64]fraud.UserProfile
	err      error
}

func (u *fakeUsers) Profile(_ context.Context, userID int64) (fraud.UserProfile, error) {
	if u.err != nil {
		return fraud.UserProfile{}, u.err
	}
	return u.profiles[userID], nil
}

// -- Harness --

var dbSeq atomic.Int64

type harness struct {
	db           *gorm.DB
	orders       *infrastructure.GormOrderRepository
	campaigns    *infrastructure.GormCampaignRepository
	clips        *infrastructure.GormClipRepository
	coefficients *infrastructure.GormCoefficientRepository

	caps    *fakeCapabilities
	events  *fakeEvents
	refunds *refundMock
	users   *fakeUsers

	effects     *EffectExecutor
	transitions *Transitions
	orch        *Orchestrator
	svc         *OrderService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:app_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, infrastructure.AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })

	h := &harness{
		db:           db,
		orders:       infrastructure.NewGormOrderRepository(db),
		campaigns:    infrastructure.NewGormCampaignRepository(db),
		clips:        infrastructure.NewGormClipRepository(db),
		coefficients: infrastructure.NewGormCoefficientRepository(db),
		caps:         &fakeCapabilities{baseline: 500, clipURL: "https://clips.example/c/1"},
		events:       &fakeEvents{},
		refunds:      &refundMock{},
		users:        &fakeUsers{profiles: map[int64]fraud.UserProfile{}},
	}

	tracer := noop.NewTracerProvider().Tracer("test")
	h.effects = NewEffectExecutor(h.orders, h.campaigns, h.caps, h.refunds, h.events, h.events, time.Second)
	h.transitions = NewTransitions(statemachine.New(), h.orders, h.effects)

	def, err := domain.NewConversionCoefficient(0, decimal.NewFromInt(3), decimal.NewFromInt(4))
	require.NoError(t, err)
	h.orch = NewOrchestrator(OrchestratorDeps{
		Orders:       h.orders,
		Campaigns:    h.campaigns,
		Clips:        h.clips,
		Coefficients: h.coefficients,
		Baseline:     h.caps,
		ClipService:  h.caps,
		Provisioner:  h.caps,
	}, h.transitions, h.effects, saga.Settings{
		DefaultCoefficient: def,
		BaselineTimeout:    time.Second,
		ClipTimeout:        time.Second,
		ProvisionTimeout:   time.Second,
	}, 10*time.Second, tracer)

	gate, err := fraud.NewGate(fraud.NewMemoryCounterStore(), bootstrap.DefaultConfig().Fraud, tracer)
	require.NoError(t, err)
	h.svc = NewOrderService(h.orders, h.campaigns, h.clips, gate, h.users, h.events, h.transitions, tracer, domain.DefaultMaxRetries)
	return h
}

// seedCoefficient withClip < withoutClip 时走 clip
func (h *harness) seedCoefficient(t *testing.T, serviceID int64, withClip, withoutClip int64) {
	t.Helper()
	c, err := domain.NewConversionCoefficient(serviceID, decimal.NewFromInt(withClip), decimal.NewFromInt(withoutClip))
	require.NoError(t, err)
	require.NoError(t, h.coefficients.Save(context.Background(), &c))
}

func (h *harness) newOrder(t *testing.T, mutate ...func(o *domain.Order)) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(domain.NewOrderParams{
		UserID:           42,
		ServiceID:        1,
		Link:             "https://video.example/v/abc",
		Quantity:         1000,
		Charge:           decimal.RequireFromString("12.50"),
		PaymentConfirmed: true,
	}, time.Now().UTC())
	require.NoError(t, err)
	for _, m := range mutate {
		m(o)
	}
	require.NoError(t, h.orders.Create(context.Background(), o))
	return o
}

func (h *harness) reload(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

// inProcessing 订单已经完成基线与系数决策, 停在 PROCESSING
func inProcessing(useClip bool) func(o *domain.Order) {
	return func(o *domain.Order) {
		now := time.Now().UTC()
		o.Status = domain.StatusProcessing
		o.PaymentConfirmedAt = &now
		o.ProcessingStartedAt = &now
		o.RecordBaseline(500)
		if useClip {
			o.DecideDelivery(domain.ConversionCoefficient{WithClip: decimal.NewFromInt(2), WithoutClip: decimal.NewFromInt(4)})
		} else {
			o.DecideDelivery(domain.ConversionCoefficient{WithClip: decimal.NewFromInt(4), WithoutClip: decimal.NewFromInt(3)})
		}
	}
}

var errUpstream = errors.New("upstream returned 503")

var user = statemachine.Actor{ID: "user-42"}

var admin = statemachine.Actor{ID: "ops-1", Admin: true}
