// Package notifier renders alerts for dispatched findings and delivers them
// to chat, ticketing and log channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/types"
)

// DefaultTimeout bounds each channel send
const DefaultTimeout = 10 * time.Second

// Channel delivers one rendered message. Implementations must be safe for
// concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Outcome is the delivery result for one channel
type Outcome struct {
	Delivered bool
	Err       error
}

// Notifier fans alerts out to every configured channel
type Notifier struct {
	channels []Channel
	redactor *Redactor
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *notifierMetrics
}

// Option customizes a Notifier
type Option func(*Notifier)

// WithTimeout bounds each channel send
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithSensitiveKeys replaces the sensitive key patterns
func WithSensitiveKeys(patterns []string) Option {
	return func(n *Notifier) { n.redactor = NewRedactor(patterns) }
}

// WithLogger sets the notifier logger
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// New creates a notifier. Channel names must be unique.
func New(channels []Channel, opts ...Option) (*Notifier, error) {
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch == nil {
			return nil, errors.New("nil notification channel")
		}
		if seen[ch.Name()] {
			return nil, fmt.Errorf("duplicate notification channel %q", ch.Name())
		}
		seen[ch.Name()] = true
	}

	metrics, err := newNotifierMetrics()
	if err != nil {
		return nil, fmt.Errorf("create notifier metrics: %w", err)
	}

	n := &Notifier{
		channels: append([]Channel(nil), channels...),
		redactor: NewRedactor(nil),
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Channels returns the configured channel names in sorted order
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	sort.Strings(names)
	return names
}

// Render formats the alert Notify would send
func (n *Notifier) Render(finding types.Finding, result types.HandlerResult) Message {
	return Render(finding, result, n.redactor)
}

// Notify sends the alert to every channel concurrently and reports each
// channel's outcome. It never fails as a whole.
func (n *Notifier) Notify(ctx context.Context, finding types.Finding, result types.HandlerResult) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(n.channels))
	if len(n.channels) == 0 {
		return outcomes
	}

	msg := n.Render(finding, result)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range n.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			outcome := n.send(ctx, ch, msg)

			mu.Lock()
			outcomes[ch.Name()] = outcome
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	return outcomes
}

func (n *Notifier) send(ctx context.Context, ch Channel, msg Message) Outcome {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("channel panicked: %v", r)
			}
		}()
		done <- ch.Send(ctx, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	outcome := Outcome{Delivered: err == nil}
	if err != nil {
		outcome.Err = types.Classify(err, types.KindNotification)
		n.logger.Warn().
			Err(err).
			Str("channel", ch.Name()).
			Str("finding_id", msg.FindingID).
			Msg("notification failed")
	}
	n.metrics.record(ctx, ch.Name(), outcome.Delivered, time.Since(start))

	return outcome
}

// Failed returns the names of channels that did not deliver, sorted
func Failed(outcomes map[string]Outcome) []string {
	var failed []string
	for name, outcome := range outcomes {
		if !outcome.Delivered {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

type notifierMetrics struct {
	sends    metric.Int64Counter
	duration metric.Float64Histogram
}

func newNotifierMetrics() (*notifierMetrics, error) {
	meter := otel.Meter("vigil.notifier")

	sends, err := meter.Int64Counter(
		"vigil.notifications",
		metric.WithDescription("Alert deliveries by channel and outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"vigil.notification.duration",
		metric.WithDescription("Time spent delivering one alert to one channel"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &notifierMetrics{sends: sends, duration: duration}, nil
}

func (m *notifierMetrics) record(ctx context.Context, channel string, delivered bool, d time.Duration) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	// ctx may already be past its deadline; metrics do not care
	m.sends.Add(context.WithoutCancel(ctx), 1, attrs)
	m.duration.Record(context.WithoutCancel(ctx), d.Seconds(), attrs)
}
