package dispatch

import (
	"github.com/teranos/herald/internal/httpclient"
)

// ChannelConfig selects the channels built by NewChannels.
type ChannelConfig struct {
	Webhook      WebhookConfig
	AllowPrivate bool
	SMTP         SMTPConfig
}

// NewChannels builds the configured channels. An unconfigured channel is
// returned as a nil interface so the Dispatcher reports it as unavailable.
func NewChannels(cfg ChannelConfig, opts Options) (TemplatedChannel, PlainTextChannel) {
	var primary TemplatedChannel
	var fallback PlainTextChannel

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivate: cfg.AllowPrivate})
	if wh := NewWebhookChannel(client, cfg.Webhook); wh != nil {
		primary = wh
	}
	if em := NewEmailChannel(cfg.SMTP); em != nil {
		fallback = em
	}
	return primary, fallback
}
