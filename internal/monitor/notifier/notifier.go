// Package notifier delivers change notifications to the webhook sink.
//
// Each change results in exactly one POST carrying a versioned JSON payload. The notifier never
// retries and never touches the version store: the caller decides what a failure means.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
	_ "time/tzdata" // Webhook timestamps are rendered in a named zone, even on hosts without tzdata.

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

var (
	// ErrUnreachable is returned when the webhook cannot be reached.
	ErrUnreachable = errors.New("webhook unreachable")
	// ErrNonSuccessStatus is returned when the webhook answers with a non-2xx status.
	ErrNonSuccessStatus = errors.New("webhook answered with a non-success status")
	// ErrTimeout is returned when the delivery does not complete in time.
	ErrTimeout = errors.New("webhook delivery timed out")
)

const (
	// SchemaVersion is the version of the payload sent to the webhook.
	SchemaVersion = 1

	// DeliveryIDHeader carries the unique identifier of a delivery attempt.
	DeliveryIDHeader = "X-Delivery-Id"

	timeLayout = "2006-01-02 15:04:05 MST"

	defaultTimeout     = 10 * time.Second
	defaultContentType = "text/plain"
)

// Config configures the webhook client.
type Config struct {
	URL string
	// Timeout bounds a single delivery.
	Timeout time.Duration
	// ContentType is sent with the JSON body. Some automation platforms only parse text bodies.
	ContentType string
	// TimeZone is the IANA zone used to render timestamps.
	TimeZone string
	// RateLimit is the maximum number of deliveries per second. Zero disables the limit.
	RateLimit float64
	// Burst is the number of deliveries allowed at once when rate limited.
	Burst int
}

// Client posts notifications to the webhook.
type Client struct {
	url         string
	timeout     time.Duration
	contentType string
	location    *time.Location

	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clock.Clock
	newID      func() string
	log        *slog.Logger
}

type options struct {
	httpClient *http.Client
	clock      clock.Clock
	newID      func() string
	logger     *slog.Logger
}

// Options represents an optional function to override Client default values.
type Options func(*options)

// New returns a webhook client for cfg.
func New(cfg Config, args ...Options) (*Client, error) {
	opts := options{
		httpClient: &http.Client{},
		clock:      clock.WallClock,
		newID:      uuid.NewString,
		logger:     slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL %q: scheme must be http or https", cfg.URL)
	}

	tz := cfg.TimeZone
	if tz == "" {
		tz = constants.DefaultTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %v", tz, err)
	}

	c := &Client{
		url:         u.String(),
		timeout:     cfg.Timeout,
		contentType: cfg.ContentType,
		location:    loc,
		httpClient:  opts.httpClient,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		clock:       opts.clock,
		newID:       opts.newID,
		log:         opts.logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.contentType == "" {
		c.contentType = defaultContentType
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	return c, nil
}

// Notify delivers a single notification for rec.
func (c Client) Notify(ctx context.Context, rec models.EntityRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Join(ErrTimeout, fmt.Errorf("rate limited delivery for %q: %v", rec.Key, err))
	}

	id := c.newID()
	body, err := c.payload(rec, id, c.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to build payload for %q: %v", rec.Key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", c.contentType)
	req.Header.Set(DeliveryIDHeader, id)

	c.log.Debug("Sending webhook notification", "key", rec.Key, "version", rec.Version, "delivery_id", id)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return errors.Join(ErrTimeout, fmt.Errorf("failed to send HTTP request: %v", err))
		}
		return errors.Join(ErrUnreachable, fmt.Errorf("failed to send HTTP request: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Join(ErrNonSuccessStatus, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	c.log.Info("Webhook notification delivered", "key", rec.Key, "name", rec.Name, "version", rec.Version, "delivery_id", id)
	return nil
}

type payload struct {
	SchemaVersion    int     `json:"schema_version"`
	DeliveryID       string  `json:"delivery_id"`
	JobNumber        string  `json:"job_number"`
	JobName          string  `json:"job_name"`
	Version          int64   `json:"version"`
	PreconDate       *string `json:"precon_date"`
	EditDate         *string `json:"edit_date"`
	NotificationTime string  `json:"notification_time"`
}

func (c Client) payload(rec models.EntityRecord, deliveryID string, now time.Time) ([]byte, error) {
	p := payload{
		SchemaVersion:    SchemaVersion,
		DeliveryID:       deliveryID,
		JobNumber:        rec.Key,
		JobName:          rec.Name,
		Version:          rec.Version,
		NotificationTime: c.format(now),
	}
	if p.JobName == "" {
		p.JobName = models.DefaultName
	}
	if rec.Version > 0 {
		s := c.format(time.UnixMilli(rec.Version))
		p.PreconDate = &s
	}
	if !rec.EditTime.IsZero() {
		s := c.format(rec.EditTime)
		p.EditDate = &s
	}

	return json.Marshal(p)
}

func (c Client) format(t time.Time) string {
	return t.In(c.location).Format(timeLayout)
}
