package llm

import "context"

// preset describes a hosted or local OpenAI-compatible endpoint.
type preset struct {
	name         string
	baseURL      string
	defaultModel string
}

// presets are the OpenAI-compatible services selectable by name.
//
// API keys are resolved by the caller (config file, POALEGAL_*_API_KEY or
// the service's well-known variable such as OPENAI_API_KEY).
var presets = map[string]preset{
	"lmstudio":   {name: "lmstudio", baseURL: "http://localhost:1234"},
	"openrouter": {name: "openrouter", baseURL: "https://openrouter.ai/api"},
	"openai":     {name: "openai", baseURL: "https://api.openai.com", defaultModel: "text-embedding-3-small"},
	"groq":       {name: "groq", baseURL: "https://api.groq.com/openai", defaultModel: "llama-3.3-70b-versatile"},
	"xai":        {name: "xai", baseURL: "https://api.x.ai"},
}

// presetProvider is an OpenAI-compatible client with service defaults applied.
type presetProvider struct {
	name string
	base openAICompatClient
}

func newPreset(p preset, cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = p.defaultModel
	}
	return &presetProvider{name: p.name, base: newOpenAICompatClient(cfg)}
}

func (p *presetProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *presetProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
