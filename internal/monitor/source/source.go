// Package source fetches snapshots of the remote feature layer.
//
// A snapshot is the full set of entities returned by a single query. The response is validated
// against an embedded JSON schema before its attributes are decoded into entity records.
package source

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrNetwork is returned when the layer cannot be reached or answers with a non-2xx status.
	ErrNetwork = errors.New("feature layer unreachable")
	// ErrTimeout is returned when the query does not complete in time.
	ErrTimeout = errors.New("feature layer query timed out")
	// ErrMalformedResponse is returned when the answer cannot be interpreted as a feature set.
	ErrMalformedResponse = errors.New("malformed feature layer response")
)

//go:embed response.schema.json
var responseSchema []byte

const (
	schemaURL = "response.schema.json"

	// maxResponseSize caps the size of a query answer.
	maxResponseSize = 64 << 20

	defaultTimeout = 30 * time.Second
	defaultWhere   = "1=1"
)

// Fields names the remote attributes mapped onto an entity record.
type Fields struct {
	Key      string
	Version  string
	Name     string
	EditTime string
}

// Config configures the fetcher.
type Config struct {
	// LayerURL is the feature layer endpoint, without the trailing /query.
	LayerURL string
	// Where is the filter clause of the query. Defaults to every feature.
	Where string
	// Timeout bounds a whole fetch, including reading the body.
	Timeout time.Duration
	Fields  Fields
}

// Client queries the feature layer.
type Client struct {
	queryURL string
	timeout  time.Duration
	fields   Fields

	httpClient *http.Client
	schema     *jsonschema.Schema
	log        *slog.Logger
}

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Options represents an optional function to override Client default values.
type Options func(*options)

// New returns a fetcher for the layer described by cfg.
func New(cfg Config, args ...Options) (*Client, error) {
	opts := options{
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.LayerURL == "" {
		return nil, errors.New("feature layer URL is empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.LayerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid feature layer URL: %v", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid feature layer URL %q: scheme must be http or https", cfg.LayerURL)
	}

	where := cfg.Where
	if where == "" {
		where = defaultWhere
	}
	q := base.Query()
	q.Set("where", where)
	q.Set("outFields", "*")
	q.Set("f", "json")
	base = base.JoinPath("query")
	base.RawQuery = q.Encode()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	return &Client{
		queryURL:   base.String(),
		timeout:    timeout,
		fields:     withDefaults(cfg.Fields),
		httpClient: opts.httpClient,
		schema:     schema,
		log:        opts.logger,
	}, nil
}

// Fetch retrieves the current snapshot of the layer.
//
// Features without a usable version attribute are skipped and logged. An answer without any feature
// is a valid, empty snapshot.
func (c Client) Fetch(ctx context.Context) ([]models.EntityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.query(ctx)
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(ErrMalformedResponse, fmt.Errorf("response is not valid JSON: %v", err))
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, errors.Join(ErrMalformedResponse, fmt.Errorf("response does not match the expected shape: %v", err))
	}

	var resp queryResponse
	if err := mapstructure.Decode(inst, &resp); err != nil {
		return nil, errors.Join(ErrMalformedResponse, fmt.Errorf("failed to decode response: %v", err))
	}
	if resp.Error != nil {
		return nil, errors.Join(ErrMalformedResponse, fmt.Errorf("layer returned error %d: %s", resp.Error.Code, resp.Error.Message))
	}

	records := make([]models.EntityRecord, 0, len(resp.Features))
	for i, f := range resp.Features {
		rec, err := c.toRecord(f.Attributes)
		if err != nil {
			c.log.Warn("Skipping feature", "index", i, "key", f.Attributes[c.fields.Key], "err", err)
			continue
		}
		records = append(records, rec)
	}

	c.log.Debug("Fetched feature layer snapshot", "features", len(resp.Features), "records", len(records))
	return records, nil
}

func (c Client) query(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL, nil)
	if err != nil {
		return nil, errors.Join(ErrNetwork, fmt.Errorf("failed to create request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("failed to query feature layer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, errors.Join(ErrNetwork, fmt.Errorf("feature layer answered with status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError("failed to read feature layer response", err)
	}
	return body, nil
}

// attributes is the subset of feature attributes the monitor understands.
type attributes struct {
	Key      string `mapstructure:"key"`
	Version  *int64 `mapstructure:"version"`
	Name     string `mapstructure:"name"`
	EditTime *int64 `mapstructure:"edit_time"`
}

func (c Client) toRecord(attrs map[string]any) (models.EntityRecord, error) {
	var a attributes
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(strictIntegerHook),
		WeaklyTypedInput: true,
		Result:           &a,
	})
	if err != nil {
		return models.EntityRecord{}, fmt.Errorf("failed to create decoder: %v", err)
	}

	if err := decoder.Decode(map[string]any{
		"key":       attrs[c.fields.Key],
		"version":   attrs[c.fields.Version],
		"name":      attrs[c.fields.Name],
		"edit_time": attrs[c.fields.EditTime],
	}); err != nil {
		return models.EntityRecord{}, fmt.Errorf("attributes do not match the expected types: %v", err)
	}
	if a.Version == nil {
		return models.EntityRecord{}, fmt.Errorf("attribute %q is missing", c.fields.Version)
	}

	rec := models.EntityRecord{
		Key:     strings.TrimSpace(a.Key),
		Version: *a.Version,
		Name:    strings.TrimSpace(a.Name),
		Payload: attrs,
	}
	if rec.Name == "" {
		rec.Name = models.DefaultName
	}
	if a.EditTime != nil {
		rec.EditTime = time.UnixMilli(*a.EditTime).UTC()
	}
	return rec, nil
}

// strictIntegerHook keeps weak typing for text attributes only: integer attributes accept JSON
// numbers and integer strings, never booleans or blank strings.
func strictIntegerHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	for to.Kind() == reflect.Pointer {
		to = to.Elem()
	}
	if to.Kind() != reflect.Int64 {
		return data, nil
	}

	switch v := data.(type) {
	case bool:
		return nil, fmt.Errorf("boolean %t is not an integer", v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	}
	return data, nil
}

type queryResponse struct {
	Features []struct {
		Attributes map[string]any `mapstructure:"attributes"`
	} `mapstructure:"features"`
	Error *struct {
		Code    int    `mapstructure:"code"`
		Message string `mapstructure:"message"`
	} `mapstructure:"error"`
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse response schema: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add response schema: %v", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %v", err)
	}
	return schema, nil
}

func transportError(msg string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Join(ErrTimeout, fmt.Errorf("%s: %v", msg, err))
	}
	return errors.Join(ErrNetwork, fmt.Errorf("%s: %v", msg, err))
}

func withDefaults(f Fields) Fields {
	if f.Key == "" {
		f.Key = constants.DefaultKeyField
	}
	if f.Version == "" {
		f.Version = constants.DefaultVersionField
	}
	if f.Name == "" {
		f.Name = constants.DefaultNameField
	}
	if f.EditTime == "" {
		f.EditTime = constants.DefaultEditTimeField
	}
	return f
}
