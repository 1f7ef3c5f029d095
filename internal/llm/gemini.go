package llm

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// textGenerator is the slice of the Gemini SDK the generator needs.
type textGenerator interface {
	generate(ctx context.Context, system, prompt string) (string, error)
	Close() error
}

// Gemini implements site and message generation over Google Gemini.
type Gemini struct {
	gen      textGenerator
	language string
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, cfg config.GeminiConfig, language string) (*Gemini, error) {
	if cfg.Key == "" {
		return nil, eris.New("llm: gemini key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Key))
	if err != nil {
		return nil, eris.Wrap(err, "llm: create gemini client")
	}
	return &Gemini{gen: &genaiGenerator{client: client, model: cfg.Model}, language: language}, nil
}

// GenerateSite returns a complete HTML document for the business.
func (g *Gemini) GenerateSite(ctx context.Context, info model.BusinessInfo, page *model.PageContent) (string, error) {
	text, err := g.gen.generate(ctx, siteSystem, sitePrompt(info, page))
	if err != nil {
		return "", eris.Wrap(err, "llm: generate_site")
	}
	html := ExtractHTML(text)
	if html == "" {
		return "", eris.New("llm: site reply contained no html document")
	}
	return html, nil
}

// GenerateMessage returns an outreach message for the business.
func (g *Gemini) GenerateMessage(ctx context.Context, info model.BusinessInfo) (string, error) {
	text, err := g.gen.generate(ctx, messageSystem, messagePrompt(info, g.language))
	if err != nil {
		return "", eris.Wrap(err, "llm: generate_message")
	}
	msg := cleanMessage(text)
	if msg == "" {
		return "", eris.New("llm: empty message reply")
	}
	return msg, nil
}

// Close releases the SDK client.
func (g *Gemini) Close() error {
	return g.gen.Close()
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func (g *genaiGenerator) generate(ctx context.Context, system, prompt string) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(0.7)
	m.SystemInstruction = genai.NewUserContent(genai.Text(system))

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", geminiError(err)
	}
	return responseText(resp)
}

func (g *genaiGenerator) Close() error {
	return g.client.Close()
}

// geminiError marks quota exhaustion as a 429 so the rate-limit classifier
// recognizes it.
func geminiError(err error) error {
	if status.Code(err) == codes.ResourceExhausted {
		return resilience.NewTransientError(err, 429)
	}
	return err
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", eris.New("llm: no candidates in response")
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return "", eris.New("llm: no content in response")
	}

	var b strings.Builder
	for _, part := range c.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", eris.New("llm: no text parts in response")
	}
	return b.String(), nil
}
