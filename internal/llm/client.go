// Package llm calls the Gemini generateContent API with structured output
// enforcement. Responses come back as raw JSON plus prompt/response hashes
// and usage metrics; callers revalidate against their schema before trusting
// anything.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/backoff"
	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is one successful structured generation.
type Result struct {
	Raw          json.RawMessage
	PromptHash   string
	ResponseHash string
	Usage        Usage
	Model        string
	Temperature  float64
}

// Client is a lazy Gemini client: construction performs no network I/O, and
// the underlying transport honors context deadlines so per-item budgets can
// actually interrupt a call.
type Client struct {
	cfg        config.LLMConfig
	baseURL    string
	httpClient *http.Client
	policy     backoff.Policy
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Tests point this at httptest.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// New builds a Client from config. No connection is opened until the first
// GenerateStructured call.
func New(cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		policy: backoff.LLMPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature        float64         `json:"temperature"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateStructured sends a prompt with a JSON schema enforced through
// responseMimeType + responseJsonSchema. Transient upstream failures
// (500/502/503/504, 429) are retried 3 times with exponential backoff;
// rate limits surface as rate_limited so callers can skip cost charging.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt, jsonSchema string) (*Result, error) {
	log := logging.For(logging.CategoryLLM)

	if c.cfg.APIKey == "" {
		return nil, model.E(model.KindConfiguration, "gemini api key not configured")
	}
	schemaText := strings.TrimSpace(jsonSchema)
	if schemaText == "" {
		return nil, model.E(model.KindSchemaValidation, "json schema is empty")
	}

	reqBody := request{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: userPrompt}}},
		},
		GenerationConfig: generationConfig{
			Temperature:        c.cfg.Temperature,
			MaxOutputTokens:    c.cfg.MaxTokens,
			ResponseMimeType:   "application/json",
			ResponseJSONSchema: json.RawMessage(schemaText),
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.cfg.Model, c.cfg.APIKey)

	start := time.Now()
	var result *Result
	err = backoff.Retry(ctx, c.policy, retryable, func() error {
		res, callErr := c.call(ctx, url, payload)
		if callErr != nil {
			return callErr
		}
		result = res
		return nil
	})
	if err != nil {
		log.Warn("generation failed",
			zap.String("model", c.cfg.Model),
			zap.String("kind", string(model.KindOf(err))),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	result.PromptHash = HashText(systemPrompt + "\n" + userPrompt)
	result.Model = c.cfg.Model
	result.Temperature = c.cfg.Temperature
	log.Info("generation complete",
		zap.String("model", c.cfg.Model),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

func (c *Client) call(ctx context.Context, url string, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.Wrap(model.KindTimeout, ctx.Err())
		}
		return nil, model.E(model.KindModelError, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.E(model.KindModelError, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.E(model.KindRateLimited, "rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		return nil, model.E(model.KindModelError, "upstream error %d: %s", resp.StatusCode, excerpt(body, 200))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.E(model.KindConfiguration, "request unauthorized (%d): %s", resp.StatusCode, excerpt(body, 200))
	case resp.StatusCode != http.StatusOK:
		// A non-429 4xx is a rejection of our request, typically the schema.
		// Retrying the identical request cannot succeed.
		return nil, model.E(model.KindSchemaValidation, "request rejected with status %d: %s", resp.StatusCode, excerpt(body, 200))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.E(model.KindInvalidJSON, "parse response envelope: %v", err)
	}
	if parsed.Error != nil {
		return nil, model.E(model.KindModelError, "api error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, model.E(model.KindModelError, "no completion returned")
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	raw := strings.TrimSpace(text.String())
	if !json.Valid([]byte(raw)) {
		return nil, model.E(model.KindInvalidJSON, "model output is not valid JSON")
	}

	return &Result{
		Raw:          json.RawMessage(raw),
		ResponseHash: HashText(raw),
		Usage: Usage{
			PromptTokens: parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// retryable reports whether an error warrants another attempt. Only 429 and
// upstream 5xx faults qualify; parse errors and 4xx rejections never retry,
// since resending the identical request cannot change the answer.
func retryable(err error) bool {
	switch model.KindOf(err) {
	case model.KindRateLimited, model.KindModelError:
		return true
	}
	return false
}

// HashText returns hex(SHA-256(s)). Used for prompt and response hashes in
// generator metadata.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func excerpt(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		s = s[:n]
	}
	return s
}
