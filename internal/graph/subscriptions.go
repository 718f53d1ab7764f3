package graph

import (
	"context"
	"net/url"
	"time"
)

// MaxDriveItemLifetime is the longest expiry Graph grants on driveItem subscriptions
const MaxDriveItemLifetime = 42300 * time.Minute

// RemoteSubscription is the provider's view of a subscription
type RemoteSubscription struct {
	ID                 string    `json:"id,omitempty"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// CapLifetime clamps a requested lifetime to what the provider allows
func CapLifetime(d time.Duration) time.Duration {
	if d <= 0 || d > MaxDriveItemLifetime {
		return MaxDriveItemLifetime
	}
	return d
}

func subscriptionPath(id string) string {
	return "/subscriptions/" + url.PathEscape(id)
}

func (c *Client) CreateSubscription(ctx context.Context, req RemoteSubscription) (RemoteSubscription, error) {
	req.ID = ""
	var out RemoteSubscription
	if err := c.do(ctx, "create_subscription", "POST", "/subscriptions", "subscription", req, &out); err != nil {
		return RemoteSubscription{}, err
	}
	return out, nil
}

// RenewSubscription moves the expiry of an existing subscription
func (c *Client) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (RemoteSubscription, error) {
	body := map[string]string{"expirationDateTime": expiresAt.UTC().Format(time.RFC3339)}
	var out RemoteSubscription
	if err := c.do(ctx, "renew_subscription", "PATCH", subscriptionPath(id), "subscription", body, &out); err != nil {
		return RemoteSubscription{}, err
	}
	return out, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.do(ctx, "delete_subscription", "DELETE", subscriptionPath(id), "subscription", nil, nil)
}

func (c *Client) GetSubscription(ctx context.Context, id string) (RemoteSubscription, error) {
	var out RemoteSubscription
	if err := c.do(ctx, "get_subscription", "GET", subscriptionPath(id), "subscription", nil, &out); err != nil {
		return RemoteSubscription{}, err
	}
	return out, nil
}
