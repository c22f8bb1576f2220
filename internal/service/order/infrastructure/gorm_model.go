package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
	"trafficflow/internal/service/order/domain"
)

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	UserID    int64  `gorm:"index"`
	ServiceID int64
	Link      string `gorm:"type:varchar(2048)"`
	Quantity  int64
	Charge    decimal.Decimal `gorm:"type:decimal(12,4)"`

	Status          domain.Status `gorm:"type:varchar(20);index:idx_orders_status_updated,priority:1"`
	PaymentVerified bool

	BaselineCaptured bool
	StartCount       int64
	Remains          int64

	CoefficientDecided bool
	UseClip            bool
	Coefficient        decimal.Decimal `gorm:"type:decimal(10,4)"`
	TargetClicks       int64

	RetryCount       int
	MaxRetries       int
	LastErrorType    string `gorm:"type:varchar(64)"`
	ErrorMessage     string `gorm:"type:text"`
	FailedPhase      string `gorm:"type:varchar(32)"`
	IsManuallyFailed bool
	OperatorNotes    string             `gorm:"type:text"`
	RefundState      domain.RefundState `gorm:"type:varchar(20)"`

	PaymentConfirmedAt  *time.Time
	ProcessingStartedAt *time.Time
	ProcessingEndedAt   *time.Time
	LastRetryAt         *time.Time
	CancelledAt         *time.Time

	Version   int64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_orders_status_updated,priority:2"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// CampaignModel 对应 order_campaigns 表。
// SlotKey 在记录有效时等于 OrderID, 作废后置为 NULL, 唯一索引保证每个订单只有一条有效记录。
type CampaignModel struct {
	ID             string  `gorm:"type:varchar(36);primaryKey"`
	OrderID        string  `gorm:"type:varchar(36);index"`
	SlotKey        *string `gorm:"type:varchar(36);uniqueIndex"`
	ExternalID     string  `gorm:"type:varchar(128)"`
	IdempotencyKey string  `gorm:"type:varchar(96)"`
	TargetURL      string  `gorm:"type:varchar(2048)"`
	ClicksRequired int64
	Coefficient    decimal.Decimal       `gorm:"type:decimal(10,4)"`
	Status         domain.CampaignStatus `gorm:"type:varchar(20)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CampaignModel) TableName() string {
	return "order_campaigns"
}

// ClipModel 对应 order_clips 表, SlotKey 的含义同 CampaignModel
type ClipModel struct {
	ID           string  `gorm:"type:varchar(36);primaryKey"`
	OrderID      string  `gorm:"type:varchar(36);index"`
	SlotKey      *string `gorm:"type:varchar(36);uniqueIndex"`
	SourceURL    string  `gorm:"type:varchar(2048)"`
	ClipCreated  bool
	ClipURL      string            `gorm:"type:varchar(2048)"`
	Status       domain.ClipStatus `gorm:"type:varchar(20)"`
	ErrorMessage string            `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ClipModel) TableName() string {
	return "order_clips"
}

// CoefficientModel 对应 conversion_coefficients 表, 每个服务一行
type CoefficientModel struct {
	ServiceID   int64           `gorm:"primaryKey;autoIncrement:false"`
	WithClip    decimal.Decimal `gorm:"type:decimal(10,4)"`
	WithoutClip decimal.Decimal `gorm:"type:decimal(10,4)"`
	UpdatedBy   string          `gorm:"type:varchar(64)"`
	UpdatedAt   time.Time
}

func (CoefficientModel) TableName() string {
	return "conversion_coefficients"
}
