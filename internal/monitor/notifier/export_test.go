package notifier

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/juju/clock"
)

// WithHTTPClient overrides the HTTP client used to deliver notifications.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithClock overrides the clock used to stamp notifications.
func WithClock(c clock.Clock) Options {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator overrides the delivery ID generator.
func WithIDGenerator(f func() string) Options {
	return func(o *options) {
		o.newID = f
	}
}

// WithLogger overrides the logger of the client.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// Payload exposes the rendered body of a notification.
func (c Client) Payload(rec models.EntityRecord, deliveryID string, now time.Time) ([]byte, error) {
	return c.payload(rec, deliveryID, now)
}
