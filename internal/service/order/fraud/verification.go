// internal/service/order/fraud/verification.go
package fraud

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// UserProfile 信任判断所需的用户信息, 由调用方提供
type UserProfile struct {
	ID               int64
	AccountAgeDays   int64
	SuccessfulOrders int64
}

// TrustPolicy 用 CEL 表达式描述的 "已验证用户" 标准, 变量为 user.id / user.account_age_days / user.successful_orders
type TrustPolicy struct {
	expr string
	prg  cel.Program
}

func NewTrustPolicy(expr string) (*TrustPolicy, error) {
	env, err := cel.NewEnv(cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid trust expression %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build trust program: %w", err)
	}
	return &TrustPolicy{expr: expr, prg: prg}, nil
}

// Trusted 表达式求值失败时视为不可信
func (p *TrustPolicy) Trusted(u UserProfile) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"user": map[string]any{
			"id":                u.ID,
			"account_age_days":  u.AccountAgeDays,
			"successful_orders": u.SuccessfulOrders,
		},
	})
	if err != nil {
		return false, fmt.Errorf("trust expression %q failed: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trust expression %q returned %T", p.expr, out.Value())
	}
	return b, nil
}
