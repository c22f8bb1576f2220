// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError 下游返回了非 2xx 状态码
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.URL, e.Code, e.Body)
}

// ClientError 4xx, 请求本身有问题, 重试无意义
func (e *StatusError) ClientError() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests && e.Code != http.StatusRequestTimeout
}

// Client 是一个可追踪的HTTP客户端, 超时完全由调用方的 context 控制
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Headers    map[string]string // 每个请求都会带上, 比如 API key
}

func NewClient(tracer trace.Tracer) *Client {
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Headers: map[string]string{},
	}
}

// GetJSON 发送 GET 请求并把响应体解码到 out
func (c *Client) GetJSON(ctx context.Context, serviceURL string, params url.Values, out any) error {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return err
	}
	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

// PostJSON 以 JSON 发送 in, 并把响应体解码到 out (out 可以为 nil)
func (c *Client) PostJSON(ctx context.Context, serviceURL string, in, out any, headers ...string) error {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return err
	}
	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, u, body, out, headers...)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, out any, headers ...string) error {
	spanName := fmt.Sprintf("call-%s", strings.Split(u.Host, ":")[0])
	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	span.SetAttributes(
		attribute.String("http.url", u.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{URL: u.Redacted(), Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode response from %s: %w", u.Redacted(), err)
	}
	return nil
}
