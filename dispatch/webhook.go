package dispatch

import (
	"context"
	"strings"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/httpclient"
)

// WebhookConfig configures the templated-message gateway.
type WebhookConfig struct {
	URL      string
	Token    string
	Language string
}

// WebhookChannel posts templated messages to a messaging gateway as JSON:
//
//	{"to": "+62...", "template": "promo_v1", "language": "id", "variables": {...}}
//
// and reads {"id": "..."} back.
type WebhookChannel struct {
	client *httpclient.SaferClient
	config WebhookConfig
}

// NewWebhookChannel creates the channel. It returns nil when no URL is configured.
func NewWebhookChannel(client *httpclient.SaferClient, config WebhookConfig) *WebhookChannel {
	if strings.TrimSpace(config.URL) == "" {
		return nil
	}
	return &WebhookChannel{client: client, config: config}
}

type webhookRequest struct {
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Language  string            `json:"language,omitempty"`
	Variables map[string]string `json:"variables"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// SendTemplated implements TemplatedChannel.
func (c *WebhookChannel) SendTemplated(ctx context.Context, rcpt campaign.Recipient, templateRef string, vars map[string]string) (string, error) {
	if err := rcpt.Validate(); err != nil {
		return "", err
	}
	if vars == nil {
		vars = map[string]string{}
	}

	var headers map[string]string
	if c.config.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.config.Token}
	}

	var resp webhookResponse
	err := c.client.PostJSON(ctx, c.config.URL, headers, webhookRequest{
		To:        rcpt.Address(),
		Template:  templateRef,
		Language:  c.config.Language,
		Variables: vars,
	}, &resp)
	if err != nil {
		return "", errors.Wrapf(err, "webhook send to %s", rcpt.Address())
	}
	return resp.ID, nil
}
