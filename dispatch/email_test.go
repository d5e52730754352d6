package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
)

func TestEmailChannelComposesPlainText(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{Host: "smtp.example.com", From: "news@example.com", Subject: "Spring promo"})
	require.NotNil(t, ch)
	ch.now = func() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

	var (
		gotAddr string
		gotTo   []string
		gotMsg  []byte
	)
	ch.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	id, err := ch.SendPlainText(t.Context(), alice, "Hi Alice, 20% off this week.")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"alice@example.com"}, gotTo)

	r, err := mail.CreateReader(bytes.NewReader(gotMsg))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Spring promo", subject)
	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "Alice", to[0].Name)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, 20% off this week.", strings.TrimSpace(string(body)))
}

func TestEmailChannelNeedsEmailField(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{Host: "smtp.example.com"})
	_, err := ch.SendPlainText(t.Context(), campaign.Recipient{"address": "+62811"}, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestEmailChannelSendError(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{Host: "smtp.example.com"})
	ch.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 mailbox unavailable")
	}
	_, err := ch.SendPlainText(context.Background(), alice, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
}

func TestNewEmailChannelUnconfigured(t *testing.T) {
	assert.Nil(t, NewEmailChannel(SMTPConfig{}))
}
