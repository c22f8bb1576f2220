package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"trafficflow/internal/pkg/httpclient"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/domain/port"
)

func newClient() *httpclient.Client {
	return httpclient.NewClient(noop.NewTracerProvider().Tracer("test"))
}

func TestBaselineHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, baselinePath, r.URL.Path)
		switch r.URL.Query().Get("url") {
		case "https://video.example/v/ok":
			_, _ = w.Write([]byte(`{"count": 1520}`))
		case "https://video.example/v/gone":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	a := NewBaselineHTTPAdapter(newClient(), srv.URL+"/")
	ctx := context.Background()

	n, err := a.GetBaselineMetric(ctx, "https://video.example/v/ok")
	require.NoError(t, err)
	assert.Equal(t, int64(1520), n)

	_, err = a.GetBaselineMetric(ctx, "https://video.example/v/gone")
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)

	_, err = a.GetBaselineMetric(ctx, "https://video.example/v/flaky")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestClipHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clipRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.SourceURL == "https://video.example/v/private" {
			http.Error(w, "video is private", http.StatusUnprocessableEntity)
			return
		}
		_, _ = w.Write([]byte(`{"clipUrl": "https://clips.example/c/9"}`))
	}))
	defer srv.Close()

	a := NewClipHTTPAdapter(newClient(), srv.URL)
	url, err := a.CreateClip(context.Background(), "https://video.example/v/ok")
	require.NoError(t, err)
	assert.Equal(t, "https://clips.example/c/9", url)

	_, err = a.CreateClip(context.Background(), "https://video.example/v/private")
	assert.ErrorIs(t, err, domain.ErrClipFailed)
}

func TestCampaignHTTPAdapter_SendsIdempotencyKey(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case campaignPath:
			keys = append(keys, r.Header.Get("Idempotency-Key"))
			var req provisionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, int64(4), req.RequiredClicks)
			_, _ = w.Write([]byte(`{"campaignId": "cmp-77"}`))
		case campaignPath + "/cmp-77/pause", campaignPath + "/cmp-77/resume":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewCampaignHTTPAdapter(newClient(), srv.URL)
	ctx := context.Background()
	id, err := a.ProvisionCampaign(ctx, port.ProvisionRequest{
		IdempotencyKey: "claim-1",
		OrderID:        "order-1",
		TargetURL:      "https://video.example/v/ok",
		RequiredClicks: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "cmp-77", id)
	assert.Equal(t, []string{"claim-1"}, keys)

	assert.NoError(t, a.PauseCampaign(ctx, "cmp-77"))
	assert.NoError(t, a.ResumeCampaign(ctx, "cmp-77"))
	assert.Error(t, a.PauseCampaign(ctx, "cmp-78"))
}

func TestRefundHTTPAdapter(t *testing.T) {
	var got refundRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refund-order-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewRefundHTTPAdapter(newClient(), srv.URL)
	err := a.Refund(context.Background(), port.RefundRequest{
		OrderID: "order-1",
		UserID:  42,
		Amount:  decimal.RequireFromString("12.5"),
		Reason:  "order cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "12.50", got.Amount)
	assert.Equal(t, int64(42), got.UserID)
}

func TestUserDirectoryHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case userPath + "42":
			_, _ = w.Write([]byte(`{"id": 42, "accountAgeDays": 3, "successfulOrders": 7}`))
		case userPath + "43":
			_, _ = w.Write([]byte(`{"id": 44}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewUserDirectoryHTTPAdapter(newClient(), srv.URL)
	ctx := context.Background()

	p, err := a.Profile(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.ID)
	assert.Equal(t, int64(3), p.AccountAgeDays)
	assert.Equal(t, int64(7), p.SuccessfulOrders)

	_, err = a.Profile(ctx, 43)
	assert.Error(t, err, "a profile for another user is not trusted")

	_, err = a.Profile(ctx, 99)
	assert.Error(t, err)
}
