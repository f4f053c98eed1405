package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// geminiProvider talks to the Gemini API through the official genai SDK.
//
// Chat models: gemini-2.5-flash (default), gemini-2.5-pro.
// Embedding model: gemini-embedding-001 (3072 dims, reducible via
// Config.Dimensions).
type geminiProvider struct {
	cfg Config

	once    sync.Once
	client  *genai.Client
	initErr error
}

const (
	geminiChatModel  = "gemini-2.5-flash"
	geminiEmbedModel = "gemini-embedding-001"
)

// NewGemini creates a Gemini provider. The SDK client is created lazily on
// first use so construction never performs network I/O.
func NewGemini(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	return &geminiProvider{cfg: cfg}, nil
}

func (p *geminiProvider) sdk(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cc := &genai.ClientConfig{APIKey: p.cfg.APIKey, Backend: genai.BackendGeminiAPI}
		if p.cfg.BaseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.cfg.BaseURL}
		}
		p.client, p.initErr = genai.NewClient(ctx, cc)
	})
	return p.client, p.initErr
}

func (p *geminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model == "" {
		model = geminiChatModel
	}

	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.ResponseFormat == "json_object" {
		gc.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			gc.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	out := &ChatResponse{
		Content: strings.TrimSpace(resp.Text()),
		Model:   model,
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func (p *geminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts, "RETRIEVAL_QUERY")
}

func (p *geminiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (p *geminiProvider) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	model := p.cfg.Model
	if model == "" {
		model = geminiEmbedModel
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	ec := &genai.EmbedContentConfig{TaskType: task}
	if p.cfg.Dimensions > 0 {
		ec.OutputDimensionality = genai.Ptr(int32(p.cfg.Dimensions))
	}

	resp, err := client.Models.EmbedContent(ctx, model, contents, ec)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vecs[i] = e.Values
	}
	return vecs, nil
}
