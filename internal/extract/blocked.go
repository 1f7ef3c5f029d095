package extract

import (
	"strings"

	"github.com/sells-group/lead-pipeline/pkg/jina"
)

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// blocked reports whether short page text looks like a bot challenge or
// access-denied page rather than the site itself.
func blocked(text string) bool {
	if len(text) >= 1000 {
		return false
	}
	lower := strings.ToLower(text)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// jinaNeedsFallback reports whether a Jina response is unusable.
func jinaNeedsFallback(resp *jina.ReadResponse) bool {
	if resp == nil {
		return true
	}
	if resp.Code != 0 && resp.Code != 200 {
		return true
	}
	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return true
	}
	return blocked(content)
}
