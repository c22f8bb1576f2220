// internal/service/order/domain/coefficient.go
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var clicksPerUnit = decimal.NewFromInt(1000)

// ConversionCoefficient 每个服务一组系数, 把交付数量换算成需要的流量点击数
type ConversionCoefficient struct {
	ServiceID   int64
	WithClip    decimal.Decimal
	WithoutClip decimal.Decimal
	UpdatedBy   string
	UpdatedAt   time.Time
}

// NewConversionCoefficient 系数必须严格为正
func NewConversionCoefficient(serviceID int64, withClip, withoutClip decimal.Decimal) (ConversionCoefficient, error) {
	if !withClip.IsPositive() || !withoutClip.IsPositive() {
		return ConversionCoefficient{}, errors.New("conversion coefficients must be positive")
	}
	return ConversionCoefficient{ServiceID: serviceID, WithClip: withClip, WithoutClip: withoutClip}, nil
}

// UseClip 只有 clip 需要的点击严格更少时才走 clip
func (c ConversionCoefficient) UseClip() bool {
	return c.WithClip.LessThan(c.WithoutClip)
}

func (c ConversionCoefficient) For(useClip bool) decimal.Decimal {
	if useClip {
		return c.WithClip
	}
	return c.WithoutClip
}

// RequiredClicks = ceil(quantity * coefficient / 1000), 向上取整, 不会少开点击
func RequiredClicks(quantity int64, coefficient decimal.Decimal) int64 {
	if quantity <= 0 || !coefficient.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(quantity).Mul(coefficient).Div(clicksPerUnit).Ceil().IntPart()
}
