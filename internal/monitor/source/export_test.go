package source

import (
	"log/slog"
	"net/http"
)

// WithHTTPClient overrides the HTTP client used to query the layer.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger overrides the logger of the fetcher.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}
