package embedding

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/model"
)

// genai batch embedding accepts a limited number of contents per request.
const maxBatchContents = 5

// GenAIEngine generates embeddings through the Gemini API. The underlying
// client is created on first use so constructing the engine performs no
// network I/O.
type GenAIEngine struct {
	apiKey string
	model  string
	dim    int

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGenAIEngine builds a lazy Gemini embedding engine.
func NewGenAIEngine(apiKey string, cfg config.EmbeddingConfig) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, model.E(model.KindConfiguration, "gemini api key is required for embeddings")
	}
	m := cfg.Model
	if m == "" {
		m = "gemini-embedding-001"
	}
	return &GenAIEngine{apiKey: apiKey, model: m, dim: cfg.Dimension}, nil
}

func (e *GenAIEngine) init(ctx context.Context) error {
	e.once.Do(func() {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: e.apiKey})
		if err != nil {
			e.initErr = model.E(model.KindConfiguration, "create genai client: %v", err)
			return
		}
		e.client = client
	})
	return e.initErr
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Requests are chunked
// to the API's per-call content limit; order is preserved.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.init(ctx); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchContents {
		end := start + maxBatchContents
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		contents := make([]*genai.Content, len(chunk))
		for i, text := range chunk {
			contents[i] = genai.NewContentFromText(text, genai.RoleUser)
		}

		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
		if err != nil {
			return nil, classifyEmbedErr(err)
		}
		if len(result.Embeddings) != len(chunk) {
			return nil, model.E(model.KindModelError, "embedding count mismatch: sent %d, got %d", len(chunk), len(result.Embeddings))
		}
		for _, emb := range result.Embeddings {
			out = append(out, emb.Values)
		}
	}
	return out, nil
}

// Dimensions returns the configured embedding dimensionality.
func (e *GenAIEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *GenAIEngine) Name() string { return "genai:" + e.model }

// classifyEmbedErr maps SDK errors onto the shared error kinds. The SDK does
// not expose typed status errors, so this goes by message.
func classifyEmbedErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		return model.Wrap(model.KindRateLimited, err)
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "context canceled"):
		return model.Wrap(model.KindTimeout, err)
	default:
		return model.E(model.KindModelError, "embed failed: %v", err)
	}
}
