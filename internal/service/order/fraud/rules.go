// internal/service/order/fraud/rules.go
package fraud

import "github.com/shopspring/decimal"

// 规则名, 拒绝时原样返回给调用方
const (
	RuleRateLimit    = "rate_limit"
	RuleDuplicate    = "duplicate"
	RuleSuspicious   = "suspicious"
	RuleVerification = "verification"
)

// Snapshot 本次请求自增之后读到的计数, 规则只依赖它和配置
type Snapshot struct {
	RateCount         int64 // 固定窗口内该用户的请求数
	DuplicateCount    int64 // 去重窗口内相同 (用户, 链接, 数量) 的请求数
	WindowCount       int64 // 可疑窗口内该用户的请求数
	SameQuantityCount int64 // 可疑窗口内该用户相同数量的请求数
	HighValue         bool
	Trusted           bool
}

// Rule 纯函数: true 表示触发
type Rule struct {
	Name    string
	Trigger func(s Snapshot, r Rules) bool
}

// Rules 规则阈值
type Rules struct {
	RateLimit              int64
	SuspiciousMaxOrders    int64
	MinSample              int64
	MaxSameQuantityPercent decimal.Decimal
}

var allRules = []Rule{
	{Name: RuleRateLimit, Trigger: rateLimitExceeded},
	{Name: RuleDuplicate, Trigger: isDuplicate},
	{Name: RuleSuspicious, Trigger: isSuspicious},
	{Name: RuleVerification, Trigger: failsVerification},
}

// Evaluate 依次计算所有规则, 返回触发的规则名
func Evaluate(s Snapshot, r Rules) []string {
	var triggered []string
	for _, rule := range allRules {
		if rule.Trigger(s, r) {
			triggered = append(triggered, rule.Name)
		}
	}
	return triggered
}

func rateLimitExceeded(s Snapshot, r Rules) bool {
	return s.RateCount > r.RateLimit
}

func isDuplicate(s Snapshot, _ Rules) bool {
	return s.DuplicateCount > 1
}

// isSuspicious 窗口内下单过多, 或样本足够时相同数量的比例过高
func isSuspicious(s Snapshot, r Rules) bool {
	if s.WindowCount > r.SuspiciousMaxOrders {
		return true
	}
	if s.WindowCount < r.MinSample || s.WindowCount == 0 {
		return false
	}
	share := decimal.NewFromInt(s.SameQuantityCount * 100).Div(decimal.NewFromInt(s.WindowCount))
	return share.GreaterThan(r.MaxSameQuantityPercent)
}

func failsVerification(s Snapshot, _ Rules) bool {
	return s.HighValue && !s.Trusted
}
