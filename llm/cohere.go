package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	cohereoption "github.com/cohere-ai/cohere-go/v2/option"
)

// DocumentEmbedder is implemented by providers that embed stored passages
// differently from search queries. Ingest prefers it when available.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

const cohereEmbedModel = "embed-multilingual-v3.0"

// cohereProvider is embedding-only; Chat returns ErrChatUnsupported.
type cohereProvider struct {
	client *cohereclient.Client
	model  string
}

// NewCohere creates a Cohere embedding provider.
func NewCohere(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere: api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = cohereEmbedModel
	}
	opts := []cohereoption.RequestOption{
		cohereclient.WithToken(cfg.APIKey),
		cohereclient.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, cohereclient.WithBaseURL(cfg.BaseURL))
	}
	return &cohereProvider{client: cohereclient.NewClient(opts...), model: model}, nil
}

func (p *cohereProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return nil, ErrChatUnsupported
}

func (p *cohereProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts, cohere.EmbedInputTypeSearchQuery)
}

func (p *cohereProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts, cohere.EmbedInputTypeSearchDocument)
}

func (p *cohereProvider) embed(ctx context.Context, texts []string, inputType cohere.EmbedInputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.V2.Embed(ctx, &cohere.V2EmbedRequest{
		Texts:          texts,
		Model:          p.model,
		InputType:      inputType,
		EmbeddingTypes: []cohere.EmbeddingType{cohere.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere embed: %w", err)
	}
	if resp == nil || resp.Embeddings == nil || resp.Embeddings.Float == nil {
		return nil, errors.New("cohere embed returned no float embeddings")
	}
	if len(resp.Embeddings.Float) != len(texts) {
		return nil, fmt.Errorf("cohere returned %d embeddings for %d inputs", len(resp.Embeddings.Float), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings.Float))
	for i, vec := range resp.Embeddings.Float {
		out[i] = toFloat32(vec)
	}
	return out, nil
}
