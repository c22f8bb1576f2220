package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"trafficflow/internal/pkg/httpclient"
	"trafficflow/internal/service/order/fraud"
)

const userPath = "/v1/users/"

// UserDirectoryHTTPAdapter 实现了 application.UserDirectory, 从用户服务读取账户资料
type UserDirectoryHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewUserDirectoryHTTPAdapter(client *httpclient.Client, baseURL string) *UserDirectoryHTTPAdapter {
	return &UserDirectoryHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type userProfileResponse struct {
	ID               int64 `json:"id"`
	AccountAgeDays   int64 `json:"accountAgeDays"`
	SuccessfulOrders int64 `json:"successfulOrders"`
}

func (a *UserDirectoryHTTPAdapter) Profile(ctx context.Context, userID int64) (fraud.UserProfile, error) {
	var resp userProfileResponse
	if err := a.client.GetJSON(ctx, a.baseURL+userPath+strconv.FormatInt(userID, 10), nil, &resp); err != nil {
		return fraud.UserProfile{}, err
	}
	if resp.ID != userID {
		return fraud.UserProfile{}, fmt.Errorf("user service returned profile %d for user %d", resp.ID, userID)
	}
	return fraud.UserProfile{
		ID:               userID,
		AccountAgeDays:   resp.AccountAgeDays,
		SuccessfulOrders: resp.SuccessfulOrders,
	}, nil
}
