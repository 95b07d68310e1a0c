// Package purpleair implements the sensor history fetch against the
// PurpleAir v1 API. One Fetch is one HTTP request; nothing is retried.
package purpleair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/credentials"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/internal/metrics"
	"github.com/1broseidon/airsync/pkg/models"
)

const (
	historyPath    = "/v1/sensors/{sensor}/history"
	defaultTimeout = 30 * time.Second
	breakerName    = "purpleair"
)

// Request describes one history call
type Request struct {
	SensorID   int
	Range      models.TimeRange
	Credential credentials.Credential
	Fields     []string
	Average    int // minutes
}

// Client fetches sensor history batches
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*models.Batch]
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client for the configured base URL
func NewClient(cfg *config.PurpleAirConfig, logger *logging.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "airsync/1.0")

	c := &Client{
		http:    httpClient,
		logger:  logger.WithComponent(logging.ComponentFetch),
		metrics: m,
	}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	if cfg.Breaker.Enabled {
		c.breaker = c.newBreaker(cfg.Breaker)
		m.SetCircuitBreakerState(breakerName, metrics.BreakerClosed)
	}

	return c
}

func (c *Client) newBreaker(cfg config.BreakerConfig) *gobreaker.CircuitBreaker[*models.Batch] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	return gobreaker.NewCircuitBreaker[*models.Batch](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only transport problems say anything about the health of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			c.metrics.SetCircuitBreakerState(name, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// Wait blocks until the configured request rate admits another request. It
// returns at once when no rate is configured.
func (c *Client) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request slot: %w", err)
	}
	return nil
}

// Fetch performs exactly one history request for req.Range and returns the
// readings with values in req.Fields order. Pacing is left to the caller
// through Wait.
func (c *Client) Fetch(ctx context.Context, req Request) (*models.Batch, error) {
	if c.breaker == nil {
		batch, err := c.do(ctx, req)
		return batch, c.fail(req, err)
	}

	batch, err := c.breaker.Execute(func() (*models.Batch, error) {
		return c.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &FetchError{SensorID: req.SensorID, Range: req.Range, Kind: ErrTransport, Detail: "circuit breaker open", Err: err}
	}
	return batch, c.fail(req, err)
}

// fail records the outcome of a request and passes err through
func (c *Client) fail(req Request, err error) error {
	if err == nil {
		c.metrics.RecordRequest("success")
		return nil
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		c.metrics.RecordRequest(fe.Status())
	}
	c.logger.WithFields(map[string]interface{}{
		"sensor_id": req.SensorID,
		"range":     req.Range.String(),
	}).WithError(err).Debug("History request failed")
	return err
}

func (c *Client) do(ctx context.Context, req Request) (*models.Batch, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("X-API-Key", req.Credential.Key).
		SetPathParam("sensor", strconv.Itoa(req.SensorID)).
		SetQueryParams(map[string]string{
			"start_timestamp": models.FormatTimestamp(req.Range.Start),
			"end_timestamp":   models.FormatTimestamp(req.Range.End),
			"average":         strconv.Itoa(req.Average),
			"fields":          strings.Join(req.Fields, ","),
		}).
		Get(historyPath)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		return nil, &FetchError{SensorID: req.SensorID, Range: req.Range, Kind: ErrTransport, Err: err}
	}

	c.logger.WithFields(map[string]interface{}{
		"sensor_id":  req.SensorID,
		"credential": req.Credential.String(),
		"status":     resp.StatusCode(),
		"took":       time.Since(start),
	}).Debug("History request completed")

	if !resp.IsSuccess() {
		return nil, &FetchError{
			SensorID:   req.SensorID,
			Range:      req.Range,
			StatusCode: resp.StatusCode(),
			Kind:       classifyStatus(resp.StatusCode()),
			Detail:     readBodyForError(resp.RawBody()),
		}
	}

	batch, err := decodeHistory(resp.RawBody(), req.Fields)
	if err != nil {
		return nil, &FetchError{
			SensorID:   req.SensorID,
			Range:      req.Range,
			StatusCode: resp.StatusCode(),
			Kind:       ErrMalformedResponse,
			Err:        err,
		}
	}
	return batch, nil
}

type historyResponse struct {
	Fields []string `json:"fields"`
	Data   [][]any  `json:"data"`
}

// decodeHistory parses a history body and reorders every row into fields
// order. An empty fields list keeps the response order.
func decodeHistory(body io.Reader, fields []string) (*models.Batch, error) {
	var hr historyResponse
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if hr.Fields == nil {
		return nil, errors.New("response has no fields list")
	}

	index := make(map[string]int, len(hr.Fields))
	for i, name := range hr.Fields {
		index[name] = i
	}

	tsCol, ok := index[models.TimestampField]
	if !ok {
		return nil, fmt.Errorf("response is missing %s", models.TimestampField)
	}

	if len(fields) == 0 {
		for _, name := range hr.Fields {
			if name != models.TimestampField {
				fields = append(fields, name)
			}
		}
	}

	cols := make([]int, len(fields))
	for i, name := range fields {
		col, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("requested field %q missing from response", name)
		}
		cols[i] = col
	}

	batch := &models.Batch{
		Fields:   append([]string(nil), fields...),
		Readings: make([]models.Reading, 0, len(hr.Data)),
	}

	for n, row := range hr.Data {
		if len(row) != len(hr.Fields) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", n, len(row), len(hr.Fields))
		}

		ts, err := parseTimestamp(row[tsCol])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n, err)
		}

		values := make([]string, len(cols))
		for i, col := range cols {
			v, err := normalizeValue(row[col])
			if err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", n, fields[i], err)
			}
			values[i] = v
		}

		batch.Readings = append(batch.Readings, models.Reading{Timestamp: ts, Values: values})
	}

	return batch, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		if secs, err := t.Int64(); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %q", t.String())
		}
		return time.Unix(int64(f), 0).UTC(), nil
	case string:
		ts, err := models.ParseTimestamp(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", t)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func normalizeValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case json.Number:
		return t.String(), nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
