// internal/service/order/fraud/gate.go
package fraud

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"trafficflow/internal/pkg/bootstrap"
	"trafficflow/internal/pkg/logger"
)

var ErrRejected = errors.New("order rejected by fraud gate")

// AdmissionError 携带触发的规则名, errors.Is(err, ErrRejected) 为 true
type AdmissionError struct {
	Rules []string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("order rejected by fraud rules: %s", strings.Join(e.Rules, ", "))
}

func (e *AdmissionError) Is(target error) bool { return target == ErrRejected }

// Request 一次受理请求中与风控相关的信息
type Request struct {
	UserID   int64
	Link     string
	Quantity int64
	Charge   decimal.Decimal
	User     UserProfile
}

// Decision 要么全部通过, 要么带着触发的规则被拒绝
type Decision struct {
	Accepted  bool
	Triggered []string
}

// Err 拒绝时返回 *AdmissionError
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &AdmissionError{Rules: d.Triggered}
}

type settings struct {
	cfg       bootstrap.FraudConfig
	rules     Rules
	threshold decimal.Decimal
	trust     *TrustPolicy
}

// Gate 受理时调用一次的风控闸门。
// 只负责读取计数快照, 判断交给 rules.go 中的纯函数。
type Gate struct {
	store  CounterStore
	tracer trace.Tracer
	cur    atomic.Pointer[settings]
}

func NewGate(store CounterStore, cfg bootstrap.FraudConfig, tracer trace.Tracer) (*Gate, error) {
	g := &Gate{store: store, tracer: tracer}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload 热更新阈值与信任表达式, 表达式无效时保留旧配置
func (g *Gate) Reload(cfg bootstrap.FraudConfig) error {
	policy, err := NewTrustPolicy(cfg.TrustExpression)
	if err != nil {
		return err
	}
	g.cur.Store(&settings{
		cfg: cfg,
		rules: Rules{
			RateLimit:              cfg.RateLimit,
			SuspiciousMaxOrders:    cfg.SuspiciousMaxOrders,
			MinSample:              cfg.MinSample,
			MaxSameQuantityPercent: decimal.NewFromFloat(cfg.MaxSameQuantityPercent),
		},
		threshold: decimal.NewFromFloat(cfg.HighValueThreshold),
		trust:     policy,
	})
	return nil
}

func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "fraud.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", req.UserID), attribute.Int64("order.quantity", req.Quantity))

	s := g.cur.Load()
	if !s.cfg.Enabled {
		decisionsTotal.WithLabelValues("disabled").Inc()
		return Decision{Accepted: true}, nil
	}

	snap := g.snapshot(ctx, s, req)
	triggered := Evaluate(snap, s.rules)

	if len(triggered) > 0 {
		decisionsTotal.WithLabelValues("rejected").Inc()
		for _, r := range triggered {
			ruleTriggersTotal.WithLabelValues(r).Inc()
		}
		span.SetAttributes(attribute.StringSlice("fraud.triggered", triggered))
		logger.Ctx(ctx).Warn().Int64("user_id", req.UserID).Strs("rules", triggered).Msg("order rejected by fraud gate")
		return Decision{Triggered: triggered}, nil
	}
	decisionsTotal.WithLabelValues("accepted").Inc()
	return Decision{Accepted: true}, nil
}

func (g *Gate) snapshot(ctx context.Context, s *settings, req Request) Snapshot {
	user := fmt.Sprintf("%d", req.UserID)
	qty := fmt.Sprintf("%d", req.Quantity)

	snap := Snapshot{
		RateCount:         g.count(ctx, "fraud:rate:"+user, s.cfg.RateWindow),
		DuplicateCount:    g.count(ctx, "fraud:dup:"+user+":"+linkHash(req.Link)+":"+qty, s.cfg.DuplicateWindow),
		WindowCount:       g.count(ctx, "fraud:window:"+user, s.cfg.SuspiciousWindow),
		SameQuantityCount: g.count(ctx, "fraud:qty:"+user+":"+qty, s.cfg.SuspiciousWindow),
		HighValue:         req.Charge.GreaterThan(s.threshold),
	}
	if snap.HighValue {
		trusted, err := s.trust.Trusted(req.User)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("user_id", req.UserID).Msg("trust evaluation failed, treating user as unverified")
		}
		snap.Trusted = trusted
	}
	return snap
}

// count 计数器不可用时按 0 处理, 对应的规则放行
func (g *Gate) count(ctx context.Context, key string, ttl time.Duration) int64 {
	n, err := g.store.IncrWithExpiry(ctx, key, ttl)
	if err != nil {
		counterErrorsTotal.Inc()
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("fraud counter unavailable, rule skipped")
		return 0
	}
	return n
}

func linkHash(link string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(link))))
	return hex.EncodeToString(sum[:8])
}
