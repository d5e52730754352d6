// Package dispatch sends rendered messages to one recipient through a rich
// templated channel, falling back to a plain-text channel when allowed.
// Send failures never escape as errors: they are reported in the Result.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
)

// Channel names recorded in results and the dispatch log.
const (
	ChannelTemplated = "templated"
	ChannelPlainText = "plaintext"
)

// TemplatedChannel is the primary channel. The provider renders templateRef
// with vars and returns its message id.
type TemplatedChannel interface {
	SendTemplated(ctx context.Context, rcpt campaign.Recipient, templateRef string, vars map[string]string) (string, error)
}

// PlainTextChannel is the fallback channel.
type PlainTextChannel interface {
	SendPlainText(ctx context.Context, rcpt campaign.Recipient, text string) (string, error)
}

// Message is one rendered step for one recipient.
type Message struct {
	TemplateRef string
	Variables   map[string]string
	// PlainText is the fully substituted fallback text.
	PlainText string
}

// Preference narrows the dispatcher's defaults for a single send.
type Preference struct {
	DisableFallback bool
}

// Result is the outcome of one dispatch. Test-mode results have the same
// shape as real ones; only TestMode differs.
type Result struct {
	Recipient    string `json:"recipient"`
	Success      bool   `json:"success"`
	Channel      string `json:"channel"`
	FallbackUsed bool   `json:"fallback_used"`
	TestMode     bool   `json:"test_mode,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Observer receives every result, e.g. for metrics.
type Observer interface {
	ObserveDispatch(r Result, elapsed time.Duration)
}

// Options configures a Dispatcher.
type Options struct {
	TestMode        bool
	FallbackEnabled bool
	// Timeout bounds each channel call.
	Timeout time.Duration
	// RatePerSecond limits outbound calls across all channels; 0 disables limiting.
	RatePerSecond float64
	Burst         int
	Observer      Observer
}

// DefaultTimeout bounds a channel call when Options.Timeout is unset.
const DefaultTimeout = 15 * time.Second

// Dispatcher sends one message to one recipient. Safe for concurrent use.
type Dispatcher struct {
	primary  TemplatedChannel
	fallback PlainTextChannel
	limiter  *rate.Limiter
	timeout  time.Duration
	observer Observer
	logger   *zap.SugaredLogger

	testMode        atomic.Bool
	fallbackEnabled atomic.Bool
}

// New creates a dispatcher. Either channel may be nil, which makes every
// attempt on it fail as not configured.
func New(primary TemplatedChannel, fallback PlainTextChannel, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		primary:  primary,
		fallback: fallback,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		logger:   log,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	d.testMode.Store(opts.TestMode)
	d.fallbackEnabled.Store(opts.FallbackEnabled)
	return d
}

// SetTestMode switches test mode at runtime.
func (d *Dispatcher) SetTestMode(on bool) { d.testMode.Store(on) }

// TestMode reports whether sends are short-circuited.
func (d *Dispatcher) TestMode() bool { return d.testMode.Load() }

// SetFallbackEnabled switches the fallback policy at runtime.
func (d *Dispatcher) SetFallbackEnabled(on bool) { d.fallbackEnabled.Store(on) }

// FallbackEnabled reports the current fallback policy.
func (d *Dispatcher) FallbackEnabled() bool { return d.fallbackEnabled.Load() }

// Dispatch sends msg to rcpt. The primary channel is tried first; on failure,
// and only if fallback is enabled for this send, the plain-text channel is
// tried. When both fail the fallback's error is kept.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, rcpt campaign.Recipient, pref Preference) Result {
	start := time.Now()
	res := d.dispatch(ctx, msg, rcpt, pref)
	if d.observer != nil {
		d.observer.ObserveDispatch(res, time.Since(start))
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message, rcpt campaign.Recipient, pref Preference) Result {
	res := Result{Recipient: rcpt.Address(), Channel: ChannelTemplated}

	if d.testMode.Load() {
		res.Success = true
		res.TestMode = true
		res.MessageID = "test-" + uuid.NewString()
		return res
	}

	id, err := d.sendPrimary(ctx, msg, rcpt)
	if err == nil {
		res.Success = true
		res.MessageID = id
		return res
	}

	if pref.DisableFallback || !d.fallbackEnabled.Load() {
		res.ErrorMessage = err.Error()
		return res
	}

	d.logger.Debugw("Primary channel failed, trying fallback",
		logger.FieldRecipient, res.Recipient,
		logger.FieldError, err)

	res.Channel = ChannelPlainText
	res.FallbackUsed = true
	id, err = d.sendFallback(ctx, msg, rcpt)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}
	res.Success = true
	res.MessageID = id
	return res
}

func (d *Dispatcher) sendPrimary(ctx context.Context, msg Message, rcpt campaign.Recipient) (string, error) {
	if d.primary == nil {
		return "", errors.Wrap(errors.ErrUnavailable, "templated channel not configured")
	}
	if msg.TemplateRef == "" {
		return "", errors.New("no template bound to step")
	}
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.primary.SendTemplated(callCtx, rcpt, msg.TemplateRef, msg.Variables)
}

func (d *Dispatcher) sendFallback(ctx context.Context, msg Message, rcpt campaign.Recipient) (string, error) {
	if d.fallback == nil {
		return "", errors.Wrap(errors.ErrUnavailable, "plain-text channel not configured")
	}
	if msg.PlainText == "" {
		return "", errors.New("no plain-text body to send")
	}
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.fallback.SendPlainText(callCtx, rcpt, msg.PlainText)
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return errors.Wrap(d.limiter.Wait(ctx), "rate limiter")
}
