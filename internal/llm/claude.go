package llm

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
)

const (
	classifyMaxTokens = 256
	scoreMaxTokens    = 1024
	messageMaxTokens  = 512
)

// Claude implements classification, scoring, and generation over the
// Anthropic Messages API. Errors from the API are returned unwrapped enough
// for rate-limit classification.
type Claude struct {
	client   anthropic.Client
	cfg      config.AnthropicConfig
	language string
}

// NewClaude creates a Claude collaborator.
func NewClaude(client anthropic.Client, cfg config.AnthropicConfig, language string) *Claude {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Claude{client: client, cfg: cfg, language: language}
}

func (c *Claude) ask(ctx context.Context, modelID, system, prompt string, maxTokens int, phase string) (string, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     modelID,
		MaxTokens: int64(maxTokens),
		System:    anthropic.BuildCachedSystemBlocks(system),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", eris.Wrapf(err, "llm: %s", phase)
	}
	resp.Usage.LogCost(modelID, phase)
	return resp.Text(), nil
}

// Classify decides whether a business is an independent (viable) lead.
func (c *Claude) Classify(ctx context.Context, name, website, category string) (*model.Classification, error) {
	text, err := c.ask(ctx, c.cfg.HaikuModel, classifySystem, classifyPrompt(name, website, category), classifyMaxTokens, "classify")
	if err != nil {
		return nil, err
	}

	var out model.Classification
	if err := json.Unmarshal([]byte(CleanJSON(text)), &out); err != nil {
		return nil, eris.Wrap(err, "llm: decode classification")
	}
	return &out, nil
}

// Score rates a website from its extracted content.
func (c *Claude) Score(ctx context.Context, url string, page *model.PageContent) (*model.ScoreResult, error) {
	text, err := c.ask(ctx, c.cfg.HaikuModel, scoreSystem, scorePrompt(url, page), scoreMaxTokens, "score")
	if err != nil {
		return nil, err
	}
	return ParseScore(text)
}

// GenerateSite returns a complete HTML document for the business.
func (c *Claude) GenerateSite(ctx context.Context, info model.BusinessInfo, page *model.PageContent) (string, error) {
	text, err := c.ask(ctx, c.cfg.SonnetModel, siteSystem, sitePrompt(info, page), c.cfg.MaxTokens, "generate_site")
	if err != nil {
		return "", err
	}
	html := ExtractHTML(text)
	if html == "" {
		return "", eris.New("llm: site reply contained no html document")
	}
	return html, nil
}

// GenerateMessage returns an outreach message for the business.
func (c *Claude) GenerateMessage(ctx context.Context, info model.BusinessInfo) (string, error) {
	text, err := c.ask(ctx, c.cfg.SonnetModel, messageSystem, messagePrompt(info, c.language), messageMaxTokens, "generate_message")
	if err != nil {
		return "", err
	}
	msg := cleanMessage(text)
	if msg == "" {
		return "", eris.New("llm: empty message reply")
	}
	return msg, nil
}
