package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/poalegal/llm"
)

// hypotheticalMarker opens every synthetic article so it can never be
// mistaken for a real citation.
const hypotheticalMarker = "المادة (هـ):"

const hydeSystemPrompt = `أنت خبير في صياغة المواد القانونية القطرية.
مهمتك: تحويل السؤال القانوني إلى مادة قانونية افتراضية.

قواعد الصياغة:
1. ابدأ بـ "المادة (هـ):" للدلالة على أنها مادة افتراضية
2. استخدم الأسلوب التقريري القانوني (لا يجوز، يجب، يحق، يلتزم)
3. اجعل المادة موجزة (فقرة إلى فقرتين كحد أقصى)
4. استخدم المصطلحات القانونية الصحيحة بالعربية الفصحى
5. اكتب المادة كما لو كانت موجودة في القانون المدني القطري
6. لا تضف أرقام مواد حقيقية أو إشارات لمواد أخرى

الهدف: إنشاء مادة قانونية افتراضية تكون مشابهة لسانياً للمواد الحقيقية في المدونة القانونية.`

const hydeOnePrompt = `السؤال القانوني: %s

اكتب مادة قانونية افتراضية واحدة تجيب على هذا السؤال بشكل مباشر:`

const hydeManyPrompt = `السؤال القانوني: %s

اكتب %d مواد قانونية افتراضية مختلفة تجيب على هذا السؤال من زوايا مختلفة.

افصل بين كل مادة بسطر فارغ. كل مادة تبدأ بـ "المادة (هـ):".`

const (
	hydeOneMaxTokens  = 500
	hydeManyMaxTokens = 800
	dedupeKeyRunes    = 100
	maxIssueQueries   = 2
)

var errEmptyQuestion = errors.New("retrieval: empty question")

// Hypothetical is the outcome of one generation. A failed generation has
// empty Text and Err set; callers skip the probe.
type Hypothetical struct {
	Text    string
	Latency time.Duration
	Err     error
}

// Degraded reports whether the generation produced nothing usable.
func (h Hypothetical) Degraded() bool { return h.Err != nil || h.Text == "" }

// Hypotheticals is the outcome of a multi-passage generation.
type Hypotheticals struct {
	Texts   []string
	Latency time.Duration
	Calls   int   // model calls made
	Skipped bool  // a call was refused by the budget
	Err     error // joined errors of failed calls
}

// Degraded reports whether any underlying call failed.
func (h Hypotheticals) Degraded() bool { return h.Err != nil }

// HydeGenerator writes statute-styled passages answering a legal question.
type HydeGenerator struct {
	llm         Completer
	temperature float64
}

// NewHydeGenerator creates a generator sampling at the given temperature.
func NewHydeGenerator(c Completer, temperature float64) *HydeGenerator {
	return &HydeGenerator{llm: c, temperature: temperature}
}

// GenerateOne produces a single hypothetical article.
func (g *HydeGenerator) GenerateOne(ctx context.Context, question string) Hypothetical {
	start := time.Now()
	if strings.TrimSpace(question) == "" {
		return Hypothetical{Err: errEmptyQuestion}
	}

	resp, err := g.llm.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemUser(hydeSystemPrompt, fmt.Sprintf(hydeOnePrompt, question)),
		Temperature: g.temperature,
		MaxTokens:   hydeOneMaxTokens,
	})
	latency := time.Since(start)
	if err != nil {
		slog.Warn("hyde: generation failed", "error", err)
		return Hypothetical{Latency: latency, Err: err}
	}

	text := stripThinking(resp.Content)
	if text == "" {
		return Hypothetical{Latency: latency, Err: errors.New("hyde: empty completion")}
	}
	if !strings.HasPrefix(text, "المادة") {
		text = hypotheticalMarker + " " + text
	}
	slog.Debug("hyde: generated hypothetical",
		"latency", latency.Round(time.Millisecond), "preview", truncateRunes(text, 100))
	return Hypothetical{Text: text, Latency: latency}
}

// GenerateMany asks for n diverse passages in one call and splits them.
func (g *HydeGenerator) GenerateMany(ctx context.Context, question string, n int) Hypotheticals {
	start := time.Now()
	if strings.TrimSpace(question) == "" {
		return Hypotheticals{Err: errEmptyQuestion}
	}
	if n < 1 {
		n = 1
	}

	resp, err := g.llm.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemUser(hydeSystemPrompt, fmt.Sprintf(hydeManyPrompt, question, n)),
		Temperature: g.temperature,
		MaxTokens:   hydeManyMaxTokens,
	})
	latency := time.Since(start)
	if err != nil {
		slog.Warn("hyde: multi generation failed", "error", err)
		return Hypotheticals{Latency: latency, Calls: 1, Err: err}
	}

	texts := dedupeByPrefix(parseHypotheticals(stripThinking(resp.Content), n))
	slog.Debug("hyde: generated hypotheticals", "count", len(texts), "latency", latency.Round(time.Millisecond))
	return Hypotheticals{Texts: texts, Latency: latency, Calls: 1}
}

// GenerateForIssue combines GenerateMany on the primary question with
// GenerateOne on the first two search queries that differ from it.
// reserve is asked before every model call; when it returns false the
// remaining calls are skipped. A nil reserve allows every call.
func (g *HydeGenerator) GenerateForIssue(ctx context.Context, issue Issue, n int, reserve func() bool) Hypotheticals {
	var out Hypotheticals
	var errs []error
	allowed := func() bool { return reserve == nil || reserve() }

	queries := issue.SearchQueries
	if len(queries) > maxIssueQueries {
		queries = queries[:maxIssueQueries]
	}

	if strings.TrimSpace(issue.PrimaryQuestion) != "" {
		if !allowed() {
			out.Skipped = true
			return out
		}
		many := g.GenerateMany(ctx, issue.PrimaryQuestion, n)
		out.Texts = append(out.Texts, many.Texts...)
		out.Latency += many.Latency
		out.Calls += many.Calls
		if many.Err != nil {
			errs = append(errs, many.Err)
		}
	}

	for _, q := range queries {
		if strings.TrimSpace(q) == "" || q == issue.PrimaryQuestion {
			continue
		}
		if !allowed() {
			out.Skipped = true
			break
		}
		one := g.GenerateOne(ctx, q)
		out.Latency += one.Latency
		out.Calls++
		if one.Err != nil {
			errs = append(errs, one.Err)
			continue
		}
		out.Texts = append(out.Texts, one.Text)
	}

	out.Texts = dedupeByPrefix(out.Texts)
	out.Err = errors.Join(errs...)
	return out
}

// parseHypotheticals splits a multi-passage response: first on the
// marker, then on blank lines, finally the whole response.
func parseHypotheticals(response string, n int) []string {
	var out []string
	contains := func(s string) bool {
		for _, h := range out {
			if h == s {
				return true
			}
		}
		return false
	}

	for _, part := range strings.Split(response, hypotheticalMarker) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, hypotheticalMarker+" "+part)
		if len(out) >= n {
			break
		}
	}

	if len(out) < n {
		for _, part := range strings.Split(response, "\n\n") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !strings.HasPrefix(part, "المادة") {
				part = hypotheticalMarker + " " + part
			}
			if contains(part) {
				continue
			}
			out = append(out, part)
			if len(out) >= n {
				break
			}
		}
	}

	if len(out) == 0 {
		if whole := strings.TrimSpace(response); whole != "" {
			out = []string{hypotheticalMarker + " " + whole}
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func dedupeByPrefix(texts []string) []string {
	seen := make(map[string]bool, len(texts))
	out := texts[:0:0]
	for _, t := range texts {
		key := truncateRunes(t, dedupeKeyRunes)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
