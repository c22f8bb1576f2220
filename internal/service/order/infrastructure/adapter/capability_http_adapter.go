package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"trafficflow/internal/pkg/httpclient"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
)

// 外部能力的路径, 各服务的 base URL 来自配置
const (
	baselinePath = "/v1/metrics"
	clipPath     = "/v1/clips"
	campaignPath = "/v1/campaigns"
	refundPath   = "/v1/refunds"
)

// BaselineHTTPAdapter 实现了 port.BaselineMetricService
type BaselineHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewBaselineHTTPAdapter(client *httpclient.Client, baseURL string) *BaselineHTTPAdapter {
	return &BaselineHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type baselineResponse struct {
	Count int64 `json:"count"`
}

func (a *BaselineHTTPAdapter) GetBaselineMetric(ctx context.Context, targetURL string) (int64, error) {
	var resp baselineResponse
	err := a.client.GetJSON(ctx, a.baseURL+baselinePath, url.Values{"url": {targetURL}}, &resp)
	if err != nil {
		return 0, classify(err, domain.ErrInvalidTarget)
	}
	if resp.Count < 0 {
		return 0, fmt.Errorf("baseline service returned negative count %d", resp.Count)
	}
	return resp.Count, nil
}

// ClipHTTPAdapter 实现了 port.ClipService, 超时由调用方的 ctx 决定
type ClipHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewClipHTTPAdapter(client *httpclient.Client, baseURL string) *ClipHTTPAdapter {
	return &ClipHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type clipRequest struct {
	SourceURL string `json:"sourceUrl"`
}

type clipResponse struct {
	ClipURL string `json:"clipUrl"`
}

func (a *ClipHTTPAdapter) CreateClip(ctx context.Context, sourceURL string) (string, error) {
	var resp clipResponse
	if err := a.client.PostJSON(ctx, a.baseURL+clipPath, clipRequest{SourceURL: sourceURL}, &resp); err != nil {
		return "", classify(err, domain.ErrClipFailed)
	}
	if resp.ClipURL == "" {
		return "", fmt.Errorf("%w: empty clip url", domain.ErrClipFailed)
	}
	return resp.ClipURL, nil
}

// CampaignHTTPAdapter 实现了 port.CampaignProvisioner。
// 开通请求带 Idempotency-Key, 外部系统据此对重复请求返回同一个活动。
type CampaignHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewCampaignHTTPAdapter(client *httpclient.Client, baseURL string) *CampaignHTTPAdapter {
	return &CampaignHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type provisionRequest struct {
	Reference      string `json:"reference"`
	TargetURL      string `json:"targetUrl"`
	RequiredClicks int64  `json:"requiredClicks"`
}

type provisionResponse struct {
	CampaignID string `json:"campaignId"`
}

func (a *CampaignHTTPAdapter) ProvisionCampaign(ctx context.Context, req port.ProvisionRequest) (string, error) {
	var resp provisionResponse
	err := a.client.PostJSON(ctx, a.baseURL+campaignPath, provisionRequest{
		Reference:      req.OrderID,
		TargetURL:      req.TargetURL,
		RequiredClicks: req.RequiredClicks,
	}, &resp, "Idempotency-Key", req.IdempotencyKey)
	if err != nil {
		return "", classify(err, domain.ErrInvalidTarget)
	}
	if resp.CampaignID == "" {
		return "", errors.New("campaign service returned an empty campaign id")
	}
	return resp.CampaignID, nil
}

func (a *CampaignHTTPAdapter) PauseCampaign(ctx context.Context, campaignID string) error {
	return a.client.PostJSON(ctx, a.baseURL+campaignPath+"/"+url.PathEscape(campaignID)+"/pause", nil, nil)
}

func (a *CampaignHTTPAdapter) ResumeCampaign(ctx context.Context, campaignID string) error {
	return a.client.PostJSON(ctx, a.baseURL+campaignPath+"/"+url.PathEscape(campaignID)+"/resume", nil, nil)
}

// RefundHTTPAdapter 实现了 port.RefundService, 以订单 ID 作为幂等键
type RefundHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewRefundHTTPAdapter(client *httpclient.Client, baseURL string) *RefundHTTPAdapter {
	return &RefundHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type refundRequest struct {
	OrderID string `json:"orderId"`
	UserID  int64  `json:"userId"`
	Amount  string `json:"amount"`
	Reason  string `json:"reason"`
}

func (a *RefundHTTPAdapter) Refund(ctx context.Context, req port.RefundRequest) error {
	return a.client.PostJSON(ctx, a.baseURL+refundPath, refundRequest{
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Amount:  req.Amount.StringFixed(2),
		Reason:  req.Reason,
	}, nil, "Idempotency-Key", "refund-"+req.OrderID)
}

// classify 4xx 说明请求本身无效, 包装成对应的领域错误, 其余错误原样返回 (可重试)
func classify(err error, permanent error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.ClientError() {
		return fmt.Errorf("%w: %v", permanent, err)
	}
	return err
}
