// internal/service/order/domain/clip.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

type ClipStatus string

const (
	ClipProcessing ClipStatus = "PROCESSING"
	ClipCompleted  ClipStatus = "COMPLETED"
	ClipFailed     ClipStatus = "FAILED"
	ClipSuperseded ClipStatus = "SUPERSEDED"
)

// ClipRecord 一次 clip 生成的记录, 成功或失败后即为终态
type ClipRecord struct {
	ID           string
	OrderID      string
	SourceURL    string
	ClipCreated  bool
	ClipURL      string
	Status       ClipStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewClipRecord(orderID, sourceURL string, now time.Time) *ClipRecord {
	return &ClipRecord{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		SourceURL: sourceURL,
		Status:    ClipProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
