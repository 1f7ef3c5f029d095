package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

type fakeGenerator struct {
	reply  string
	err    error
	prompt string
	closed bool
}

func (f *fakeGenerator) generate(_ context.Context, _, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func (f *fakeGenerator) Close() error {
	f.closed = true
	return nil
}

func TestGemini_GenerateSite(t *testing.T) {
	gen := &fakeGenerator{reply: "<!DOCTYPE html><html><body>Acme</body></html>"}
	g := &Gemini{gen: gen, language: "en"}

	html, err := g.GenerateSite(context.Background(), model.BusinessInfo{Name: "Acme", Phone: "555"}, nil)
	require.NoError(t, err)
	assert.Contains(t, html, "Acme")
	assert.Contains(t, gen.prompt, "Phone: 555")
}

func TestGemini_GenerateMessage(t *testing.T) {
	gen := &fakeGenerator{reply: "Hello Acme!"}
	g := &Gemini{gen: gen, language: "es"}

	msg, err := g.GenerateMessage(context.Background(), model.BusinessInfo{Name: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Acme!", msg)
	assert.Contains(t, gen.prompt, `"es"`)

	require.NoError(t, g.Close())
	assert.True(t, gen.closed)
}

func TestGemini_Errors(t *testing.T) {
	g := &Gemini{gen: &fakeGenerator{err: errors.New("boom")}}
	_, err := g.GenerateMessage(context.Background(), model.BusinessInfo{Name: "Acme"})
	assert.Error(t, err)

	g = &Gemini{gen: &fakeGenerator{reply: "   "}}
	_, err = g.GenerateMessage(context.Background(), model.BusinessInfo{Name: "Acme"})
	assert.Error(t, err)
}

func TestGeminiError_ResourceExhausted(t *testing.T) {
	err := geminiError(status.Error(codes.ResourceExhausted, "quota exceeded"))
	assert.True(t, resilience.IsRateLimit(err))

	other := geminiError(status.Error(codes.InvalidArgument, "bad prompt"))
	assert.False(t, resilience.IsRateLimit(other))
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), config.GeminiConfig{}, "en")
	assert.Error(t, err)
}

func TestResponseText(t *testing.T) {
	_, err := responseText(&genai.GenerateContentResponse{})
	assert.Error(t, err)

	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("a"), genai.Text("b")}},
	}}}
	got, err := responseText(resp)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}
