package dispatch

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
)

// SMTPConfig configures the plain-text email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends the plain-text fallback to a recipient's email field.
type EmailChannel struct {
	config SMTPConfig
	send   SendFunc
	now    func() time.Time
}

// NewEmailChannel creates the channel. It returns nil when no host is configured.
func NewEmailChannel(config SMTPConfig) *EmailChannel {
	if strings.TrimSpace(config.Host) == "" {
		return nil
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config, send: smtp.SendMail, now: time.Now}
}

// SendPlainText implements PlainTextChannel.
func (c *EmailChannel) SendPlainText(ctx context.Context, rcpt campaign.Recipient, text string) (string, error) {
	to, ok := rcpt.Lookup(campaign.KeyEmail)
	if !ok {
		return "", errors.Newf("recipient %s has no %s", rcpt.Address(), campaign.KeyEmail)
	}

	raw, messageID, err := c.compose(rcpt, to, text)
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))

	// smtp.SendMail takes no context
	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.config.From, []string{to}, raw)
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", errors.Wrapf(err, "smtp send to %s", to)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "smtp send to %s", to)
	}
}

func (c *EmailChannel) compose(rcpt campaign.Recipient, to, text string) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{{Address: c.config.From}})
	name, _ := rcpt.Lookup(campaign.KeyName)
	h.SetAddressList("To", []*mail.Address{{Name: name, Address: to}})
	h.SetSubject(c.config.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", errors.Wrap(err, "failed to generate message id")
	}
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to compose email")
	}
	if _, err := io.WriteString(w, text); err != nil {
		return nil, "", errors.Wrap(err, "failed to compose email")
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "failed to compose email")
	}
	return buf.Bytes(), messageID, nil
}
