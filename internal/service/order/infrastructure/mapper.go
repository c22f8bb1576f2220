package infrastructure

import "trafficflow/internal/service/order/domain"

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(m *OrderModel) *domain.Order {
	if m == nil {
		return nil
	}
	return &domain.Order{
		ID:                  m.ID,
		UserID:              m.UserID,
		ServiceID:           m.ServiceID,
		Link:                m.Link,
		Quantity:            m.Quantity,
		Charge:              m.Charge,
		Status:              m.Status,
		PaymentVerified:     m.PaymentVerified,
		BaselineCaptured:    m.BaselineCaptured,
		StartCount:          m.StartCount,
		Remains:             m.Remains,
		CoefficientDecided:  m.CoefficientDecided,
		UseClip:             m.UseClip,
		Coefficient:         m.Coefficient,
		TargetClicks:        m.TargetClicks,
		RetryCount:          m.RetryCount,
		MaxRetries:          m.MaxRetries,
		LastErrorType:       m.LastErrorType,
		ErrorMessage:        m.ErrorMessage,
		FailedPhase:         m.FailedPhase,
		IsManuallyFailed:    m.IsManuallyFailed,
		OperatorNotes:       m.OperatorNotes,
		RefundState:         m.RefundState,
		PaymentConfirmedAt:  m.PaymentConfirmedAt,
		ProcessingStartedAt: m.ProcessingStartedAt,
		ProcessingEndedAt:   m.ProcessingEndedAt,
		LastRetryAt:         m.LastRetryAt,
		CancelledAt:         m.CancelledAt,
		Version:             m.Version,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// FromDomainOrder 将领域模型转换为数据库模型 (用于插入)
func FromDomainOrder(o *domain.Order) *OrderModel {
	if o == nil {
		return nil
	}
	return &OrderModel{
		ID:                  o.ID,
		UserID:              o.UserID,
		ServiceID:           o.ServiceID,
		Link:                o.Link,
		Quantity:            o.Quantity,
		Charge:              o.Charge,
		Status:              o.Status,
		PaymentVerified:     o.PaymentVerified,
		BaselineCaptured:    o.BaselineCaptured,
		StartCount:          o.StartCount,
		Remains:             o.Remains,
		CoefficientDecided:  o.CoefficientDecided,
		UseClip:             o.UseClip,
		Coefficient:         o.Coefficient,
		TargetClicks:        o.TargetClicks,
		RetryCount:          o.RetryCount,
		MaxRetries:          o.MaxRetries,
		LastErrorType:       o.LastErrorType,
		ErrorMessage:        o.ErrorMessage,
		FailedPhase:         o.FailedPhase,
		IsManuallyFailed:    o.IsManuallyFailed,
		OperatorNotes:       o.OperatorNotes,
		RefundState:         o.RefundState,
		PaymentConfirmedAt:  o.PaymentConfirmedAt,
		ProcessingStartedAt: o.ProcessingStartedAt,
		ProcessingEndedAt:   o.ProcessingEndedAt,
		LastRetryAt:         o.LastRetryAt,
		CancelledAt:         o.CancelledAt,
		Version:             o.Version,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
}

// orderUpdates 乐观锁更新时写回的可变字段
func orderUpdates(o *domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"status":                o.Status,
		"payment_verified":      o.PaymentVerified,
		"baseline_captured":     o.BaselineCaptured,
		"start_count":           o.StartCount,
		"remains":               o.Remains,
		"coefficient_decided":   o.CoefficientDecided,
		"use_clip":              o.UseClip,
		"coefficient":           o.Coefficient,
		"target_clicks":         o.TargetClicks,
		"retry_count":           o.RetryCount,
		"max_retries":           o.MaxRetries,
		"last_error_type":       o.LastErrorType,
		"error_message":         o.ErrorMessage,
		"failed_phase":          o.FailedPhase,
		"is_manually_failed":    o.IsManuallyFailed,
		"operator_notes":        o.OperatorNotes,
		"refund_state":          o.RefundState,
		"payment_confirmed_at":  o.PaymentConfirmedAt,
		"processing_started_at": o.ProcessingStartedAt,
		"processing_ended_at":   o.ProcessingEndedAt,
		"last_retry_at":         o.LastRetryAt,
		"cancelled_at":          o.CancelledAt,
		"version":               o.Version + 1,
		"updated_at":            o.UpdatedAt,
	}
}

func ToDomainCampaign(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}
	return &domain.Campaign{
		ID:             m.ID,
		OrderID:        m.OrderID,
		ExternalID:     m.ExternalID,
		IdempotencyKey: m.IdempotencyKey,
		TargetURL:      m.TargetURL,
		ClicksRequired: m.ClicksRequired,
		Coefficient:    m.Coefficient,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func FromDomainCampaign(c *domain.Campaign) *CampaignModel {
	m := &CampaignModel{
		ID:             c.ID,
		OrderID:        c.OrderID,
		ExternalID:     c.ExternalID,
		IdempotencyKey: c.IdempotencyKey,
		TargetURL:      c.TargetURL,
		ClicksRequired: c.ClicksRequired,
		Coefficient:    c.Coefficient,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.Status != domain.CampaignSuperseded {
		slot := c.OrderID
		m.SlotKey = &slot
	}
	return m
}

func ToDomainClip(m *ClipModel) *domain.ClipRecord {
	if m == nil {
		return nil
	}
	return &domain.ClipRecord{
		ID:           m.ID,
		OrderID:      m.OrderID,
		SourceURL:    m.SourceURL,
		ClipCreated:  m.ClipCreated,
		ClipURL:      m.ClipURL,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func FromDomainClip(c *domain.ClipRecord) *ClipModel {
	m := &ClipModel{
		ID:           c.ID,
		OrderID:      c.OrderID,
		SourceURL:    c.SourceURL,
		ClipCreated:  c.ClipCreated,
		ClipURL:      c.ClipURL,
		Status:       c.Status,
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.Status != domain.ClipSuperseded {
		slot := c.OrderID
		m.SlotKey = &slot
	}
	return m
}

func ToDomainCoefficient(m *CoefficientModel) *domain.ConversionCoefficient {
	if m == nil {
		return nil
	}
	return &domain.ConversionCoefficient{
		ServiceID:   m.ServiceID,
		WithClip:    m.WithClip,
		WithoutClip: m.WithoutClip,
		UpdatedBy:   m.UpdatedBy,
		UpdatedAt:   m.UpdatedAt,
	}
}
