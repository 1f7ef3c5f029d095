package llm

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func testClaude(m *mockAnthropic) *Claude {
	return NewClaude(m, config.AnthropicConfig{HaikuModel: "haiku", SonnetModel: "sonnet"}, "en")
}

func TestClaude_Classify(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "haiku" && len(r.System) == 1 && r.System[0].CacheControl != nil
	})).Return(textResponse(`{"viable": false, "reason": "national chain"}`), nil)

	got, err := testClaude(m).Classify(context.Background(), "Jiffy Lube", "https://jiffylube.com", "Oil change")
	require.NoError(t, err)
	assert.False(t, got.Viable)
	assert.Equal(t, "national chain", got.Reason)
	m.AssertExpectations(t)
}

func TestClaude_ClassifyBadJSON(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("maybe?"), nil)

	_, err := testClaude(m).Classify(context.Background(), "X", "", "")
	assert.Error(t, err)
}

func TestClaude_Score(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "haiku" && r.MaxTokens == scoreMaxTokens
	})).Return(textResponse(`{"score": 3, "summary": "Old site", "problems": ["slow"]}`), nil)

	page := &model.PageContent{URL: "https://x.example", SiteType: model.SiteTypeCustom, VisibleText: "Welcome"}
	got, err := testClaude(m).Score(context.Background(), "https://x.example", page)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Score)
	assert.Equal(t, []string{"slow"}, got.Problems)
}

func TestClaude_GenerateSite(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "sonnet" && r.MaxTokens == 8192
	})).Return(textResponse("```html\n<html><body>Acme</body></html>\n```"), nil)

	html, err := testClaude(m).GenerateSite(context.Background(), model.BusinessInfo{Name: "Acme"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>Acme</body></html>", html)
}

func TestClaude_GenerateSiteNoHTML(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("Sorry."), nil)

	_, err := testClaude(m).GenerateSite(context.Background(), model.BusinessInfo{Name: "Acme"}, nil)
	assert.Error(t, err)
}

func TestClaude_RateLimitIsClassifiable(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, &anthropic.APIError{
		StatusCode: http.StatusTooManyRequests,
		Type:       "rate_limit_error",
		Message:    "slow down",
	})

	_, err := testClaude(m).GenerateMessage(context.Background(), model.BusinessInfo{Name: "Acme"})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
}

func TestClaude_GenerateMessage(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Messages[0].Content != "" && r.MaxTokens == messageMaxTokens
	})).Return(textResponse("\"Hi Acme, we made you a site!\""), nil)

	msg, err := testClaude(m).GenerateMessage(context.Background(), model.BusinessInfo{Name: "Acme", SiteURL: "https://s.example/acme"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Acme, we made you a site!", msg)
}
