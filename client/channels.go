package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/CorvidComms/roost/models"
)

// Empty is the value type for calls whose success carries no body.
type Empty struct{}

// CreateChannel registers a new channel and returns its identifier and
// resource location.
func (c *Client) CreateChannel(ctx context.Context, payload models.ChannelPayload) RequestResult[models.ChannelCreateResponse] {
	var response models.ChannelCreateResponse
	status, header, err := c.doRequest(ctx, http.MethodPost, "api/channels", payload, &response)
	if err != nil {
		return RequestResult[models.ChannelCreateResponse]{Err: err}
	}
	if status >= 200 && status < 300 {
		if response.Location == "" && header != nil {
			response.Location = header.Get("Location")
		}
		return RequestResult[models.ChannelCreateResponse]{Status: status, Value: &response}
	}
	return RequestResult[models.ChannelCreateResponse]{Status: status}
}

// UpdateChannel sends a (usually minimized) payload for an existing
// channel. A 409 means the identifier is no longer ours to update.
func (c *Client) UpdateChannel(ctx context.Context, channelID string, payload models.ChannelPayload) RequestResult[Empty] {
	if channelID == "" {
		return RequestResult[Empty]{Err: fmt.Errorf("channelID cannot be empty")}
	}
	status, _, err := c.doRequest(ctx, http.MethodPut, "api/channels/"+channelID, payload, nil)
	if err != nil {
		return RequestResult[Empty]{Err: err}
	}
	return RequestResult[Empty]{Status: status}
}

// UpdateAudience sends one collapsed batch of tag, attribute, and
// subscription mutations for a channel. With a token source installed the
// call carries a channel-scoped bearer token instead of app credentials.
func (c *Client) UpdateAudience(ctx context.Context, channelID string, batch models.AudienceBatch) RequestResult[Empty] {
	if channelID == "" {
		return RequestResult[Empty]{Err: fmt.Errorf("channelID cannot be empty")}
	}
	status, _, err := c.doChannelRequest(ctx, http.MethodPost, "api/channels/"+channelID+"/audience", channelID, batch, nil)
	if err != nil {
		return RequestResult[Empty]{Err: err}
	}
	return RequestResult[Empty]{Status: status}
}

// ChannelLocation returns the canonical resource URL for a channel under
// this client's configured registry. Registration snapshots compare this
// against the location they were acknowledged at to detect environment
// migrations.
func (c *Client) ChannelLocation(channelID string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: "api/channels/" + channelID}).String()
}

// FetchToken exchanges app credentials for a short-lived bearer token
// bound to one identity.
func (c *Client) FetchToken(ctx context.Context, identity string) RequestResult[models.TokenResponse] {
	if identity == "" {
		return RequestResult[models.TokenResponse]{Err: fmt.Errorf("identity cannot be empty")}
	}
	body := map[string]string{"channel_id": identity}
	var response models.TokenResponse
	status, _, err := c.doRequest(ctx, http.MethodPost, "api/auth/token", body, &response)
	if err != nil {
		return RequestResult[models.TokenResponse]{Err: err}
	}
	if status >= 200 && status < 300 {
		return RequestResult[models.TokenResponse]{Status: status, Value: &response}
	}
	return RequestResult[models.TokenResponse]{Status: status}
}
