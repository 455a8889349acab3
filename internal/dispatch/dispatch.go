package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

type EventType string

const (
	BookingConfirmed EventType = "booking-confirmed"
	RequestReceived  EventType = "ride-request-received"
	RequestRejected  EventType = "ride-request-rejected"
	TripCancelled    EventType = "trip-cancelled"
	TripReminder     EventType = "trip-reminder"
	RatingRequest    EventType = "rating-request"
	PassengerLeft    EventType = "passenger-left"
)

// Notification is one message for one user.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    EventType      `json:"type"`
	Title   string         `json:"title,omitempty"`
	Body    string         `json:"body,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// Notifier is fire-and-forget: delivery problems never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// ErrSkipped means the channel had nowhere to deliver (no session, no token).
var ErrSkipped = errors.New("dispatch: recipient not reachable on channel")

// Fanout sends every notification to all channels in the background.
type Fanout struct {
	channels []Channel
	timeout  time.Duration
	log      *slog.Logger
	wg       sync.WaitGroup
}

func NewFanout(logger *slog.Logger, timeout time.Duration, channels ...Channel) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{channels: channels, timeout: timeout, log: logging.OrDefault(logger)}
}

func (f *Fanout) Notify(ctx context.Context, n Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, ch := range f.channels {
		f.wg.Add(1)
		go func(ch Channel) {
			defer f.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, f.timeout)
			defer cancel()
			err := ch.Send(sendCtx, n)
			switch {
			case err == nil:
				observability.Notifications.WithLabelValues(ch.Name(), "sent").Inc()
			case errors.Is(err, ErrSkipped):
				observability.Notifications.WithLabelValues(ch.Name(), "skipped").Inc()
			default:
				observability.Notifications.WithLabelValues(ch.Name(), "failed").Inc()
				f.log.Warn("notification delivery failed",
					"channel", ch.Name(), "user_id", n.UserID, "event", string(n.Type), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until in-flight deliveries finish.
func (f *Fanout) Wait() { f.wg.Wait() }

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
