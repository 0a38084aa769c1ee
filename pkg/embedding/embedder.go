// Package embedding generates, caches and searches vector embeddings of entities.
//
// The text of an entity is its string leaves in key order joined by newlines.
// Its sha256 content hash keys every cache level: a vector is generated only
// when no vector exists for (hash, model), so identical content is embedded once
// and changed content always gets a new vector.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/liliang-cn/sqgraph/internal/backoff"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Embedder converts text into a vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model names the model; vectors of different models are never compared
	Model() string
}

// OpenAIEmbedder calls the OpenAI embeddings API (or a compatible server)
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an OpenAI embedder. baseURL may be empty;
// model defaults to text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) *OpenAIEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed implements Embedder
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Model implements Embedder
func (e *OpenAIEmbedder) Model() string { return e.model }

// GeminiEmbedder calls the Gemini embedding API
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder creates a Gemini embedder; model defaults to text-embedding-004
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

// Embed implements Embedder
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: %w", err)
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("gemini embeddings: empty response")
	}
	return res.Embedding.Values, nil
}

// Model implements Embedder
func (e *GeminiEmbedder) Model() string { return e.model }

// Close releases the client connection
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}

// HashEmbedder is a deterministic bag-of-words embedder: every lowercased word
// is hashed into one of Dim signed buckets and the result is L2 normalized.
// Texts sharing words are similar. It needs no network and suits tests and
// offline use.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder creates a HashEmbedder; dim defaults to 256
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

// Embed implements Embedder
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[(sum>>1)%uint64(e.Dim)] += sign
	}
	return normalize(vec), nil
}

// Model implements Embedder
func (e *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", e.Dim) }

// CountingEmbedder counts calls to the wrapped Embedder
type CountingEmbedder struct {
	Embedder
	calls atomic.Int64
}

// NewCountingEmbedder wraps e
func NewCountingEmbedder(e Embedder) *CountingEmbedder {
	return &CountingEmbedder{Embedder: e}
}

// Embed implements Embedder
func (c *CountingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Embedder.Embed(ctx, text)
}

// Calls returns the number of Embed calls so far
func (c *CountingEmbedder) Calls() int64 { return c.calls.Load() }

// RetryEmbedder retries transient provider failures with backoff. Once the
// attempts are exhausted the error matches core.ErrUnavailable. Other errors,
// such as a rejected key or an unknown model, are returned after one attempt.
type RetryEmbedder struct {
	Embedder
	Config backoff.Config
	Logger core.Logger
}

// NewRetryEmbedder wraps e with the default retry policy
func NewRetryEmbedder(e Embedder, logger core.Logger) *RetryEmbedder {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &RetryEmbedder{Embedder: e, Config: backoff.DefaultConfig(), Logger: logger}
}

// Embed implements Embedder
func (r *RetryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := backoff.DoNotify(ctx, r.Config, backoff.IsTransient, func() error {
		var err error
		vec, err = r.Embedder.Embed(ctx, text)
		return err
	}, func(attempt int, sleep time.Duration, err error) {
		r.Logger.Warn("embedding failed, retrying", "model", r.Model(), "attempt", attempt, "sleep", sleep, "error", err)
	})
	if err != nil && backoff.IsTransient(err) {
		return nil, fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	n := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / n)
	}
	return vec
}
