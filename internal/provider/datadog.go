// Package provider pulls failing LLM spans out of Datadog and pushes
// dashboard gauges back. It talks to the v2 HTTP API directly; the pipeline
// needs exactly two endpoints and a typed error surface, not an SDK.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

const (
	spanSearchPath = "/api/v2/spans/events/search"
	seriesPath     = "/api/v2/series"

	// Pages are capped defensively; a single ingestion run never needs more.
	maxSearchPages = 10
	pageSize       = 100
)

// SpanEvent is one failing span as returned by span search.
type SpanEvent struct {
	TraceID      string
	Service      string
	StartedAt    time.Time
	FailureType  string
	QualityScore float64
	Attributes   map[string]any
}

// GaugePoint is one metric sample for submission.
type GaugePoint struct {
	Metric string
	Value  float64
	Tags   []string
}

// RateLimit is the most recent rate limit snapshot from response headers.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Client is a minimal Datadog v2 API client.
type Client struct {
	apiKey     string
	appKey     string
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	lastRate RateLimit
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Tests point this at httptest.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New builds a Datadog client from provider config.
func New(cfg config.ProviderConfig, opts ...Option) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		appKey:     cfg.AppKey,
		baseURL:    "https://api." + cfg.Site,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// failureQuery builds the span search filter: LLM observability spans inside
// the lookback window that either errored outright or scored below the
// quality threshold.
func failureQuery(threshold float64) string {
	return fmt.Sprintf("@ml_app:* AND (status:error OR @evaluation.quality_score:<%g)", threshold)
}

type searchRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Filter struct {
				Query string `json:"query"`
				From  string `json:"from"`
				To    string `json:"to"`
			} `json:"filter"`
			Page struct {
				Limit  int    `json:"limit"`
				Cursor string `json:"cursor,omitempty"`
			} `json:"page"`
			Sort string `json:"sort"`
		} `json:"attributes"`
	} `json:"data"`
}

type searchResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			TraceID   string         `json:"trace_id"`
			Service   string         `json:"service"`
			StartTime time.Time      `json:"start_timestamp"`
			Custom    map[string]any `json:"custom"`
		} `json:"attributes"`
	} `json:"data"`
	Meta struct {
		Page struct {
			After string `json:"after"`
		} `json:"page"`
	} `json:"meta"`
}

// SearchFailureSpans returns failing spans from the lookback window, paging
// until the API reports no further cursor.
func (c *Client) SearchFailureSpans(ctx context.Context, lookback time.Duration, qualityThreshold float64) ([]SpanEvent, error) {
	log := logging.For(logging.CategoryProvider)

	now := time.Now().UTC()
	var (
		out    []SpanEvent
		cursor string
	)
	for page := 0; page < maxSearchPages; page++ {
		var req searchRequest
		req.Data.Type = "search_request"
		req.Data.Attributes.Filter.Query = failureQuery(qualityThreshold)
		req.Data.Attributes.Filter.From = now.Add(-lookback).Format(time.RFC3339)
		req.Data.Attributes.Filter.To = now.Format(time.RFC3339)
		req.Data.Attributes.Page.Limit = pageSize
		req.Data.Attributes.Page.Cursor = cursor
		req.Data.Attributes.Sort = "timestamp"

		body, err := c.post(ctx, spanSearchPath, req)
		if err != nil {
			return nil, err
		}
		var resp searchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, model.E(model.KindInvalidJSON, "parse span search response: %v", err)
		}

		for _, d := range resp.Data {
			ev := SpanEvent{
				TraceID:    d.Attributes.TraceID,
				Service:    d.Attributes.Service,
				StartedAt:  d.Attributes.StartTime,
				Attributes: d.Attributes.Custom,
			}
			if ev.TraceID == "" {
				ev.TraceID = d.ID
			}
			ev.FailureType, ev.QualityScore = classify(d.Attributes.Custom)
			out = append(out, ev)
		}

		cursor = resp.Meta.Page.After
		if cursor == "" || len(resp.Data) == 0 {
			break
		}
	}

	log.Info("span search complete",
		zap.Int("spans", len(out)),
		zap.Duration("lookback", lookback))
	return out, nil
}

// classify pulls the provider's failure annotation and quality score out of
// the span's custom attributes, defaulting to an unclassified infrastructure
// error when the annotations are absent.
func classify(custom map[string]any) (string, float64) {
	failureType := string(model.FailureInfrastructure)
	score := 0.0
	if custom == nil {
		return failureType, score
	}
	if eval, ok := custom["evaluation"].(map[string]any); ok {
		if ft, ok := eval["failure_type"].(string); ok && model.ValidFailureType(ft) {
			failureType = ft
		}
		if qs, ok := eval["quality_score"].(float64); ok {
			score = qs
		}
	}
	return failureType, score
}

// SubmitGauges pushes gauge samples to the metrics intake. All points share
// one submission timestamp.
func (c *Client) SubmitGauges(ctx context.Context, points []GaugePoint) error {
	if len(points) == 0 {
		return nil
	}
	ts := time.Now().Unix()
	type pt struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	}
	type series struct {
		Metric string   `json:"metric"`
		Type   int      `json:"type"`
		Points []pt     `json:"points"`
		Tags   []string `json:"tags,omitempty"`
	}
	payload := struct {
		Series []series `json:"series"`
	}{}
	for _, p := range points {
		payload.Series = append(payload.Series, series{
			Metric: p.Metric,
			Type:   3, // gauge
			Points: []pt{{Timestamp: ts, Value: p.Value}},
			Tags:   p.Tags,
		})
	}
	_, err := c.post(ctx, seriesPath, payload)
	return err
}

// LastRateLimit returns the most recent rate limit snapshot for health output.
func (c *Client) LastRateLimit() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRate
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if c.apiKey == "" || c.appKey == "" {
		return nil, model.E(model.KindConfiguration, "datadog api/app keys not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", c.apiKey)
	req.Header.Set("DD-APPLICATION-KEY", c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.Wrap(model.KindTimeout, ctx.Err())
		}
		return nil, model.E(model.KindModelError, "datadog request failed: %v", err)
	}
	defer resp.Body.Close()
	c.recordRateLimit(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.E(model.KindModelError, "read response: %v", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.E(model.KindRateLimited, "datadog rate limit exceeded")
	case resp.StatusCode >= 400:
		return nil, model.E(model.KindModelError, "datadog %s returned %d: %s", path, resp.StatusCode, excerpt(data, 200))
	}
	return data, nil
}

func (c *Client) recordRateLimit(h http.Header) {
	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err1 != nil || err2 != nil {
		return
	}
	rl := RateLimit{Limit: limit, Remaining: remaining}
	if reset, err := strconv.Atoi(h.Get("X-RateLimit-Reset")); err == nil {
		rl.ResetAt = time.Now().Add(time.Duration(reset) * time.Second)
	}
	c.mu.Lock()
	c.lastRate = rl
	c.mu.Unlock()
}

func excerpt(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		s = s[:n]
	}
	return s
}
