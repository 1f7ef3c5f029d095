package llm

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/lead-pipeline/internal/model"
)

const scoreSchema = `{
  "type": "object",
  "required": ["score", "summary"],
  "properties": {
    "score": {"type": "number"},
    "summary": {"type": "string"},
    "problems": {"type": "array", "items": {"type": "string"}},
    "criteria_scores": {"type": "object", "additionalProperties": {"type": "number"}}
  }
}`

var scoreSchemaLoader = gojsonschema.NewStringLoader(scoreSchema)

type rawScore struct {
	Score          float64            `json:"score"`
	Summary        string             `json:"summary"`
	Problems       []string           `json:"problems"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
}

// ParseScore validates a model reply against the score schema and clamps
// every score into 1..10.
func ParseScore(text string) (*model.ScoreResult, error) {
	doc := CleanJSON(text)

	result, err := gojsonschema.Validate(scoreSchemaLoader, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, eris.Wrap(err, "llm: load score json")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, eris.Errorf("llm: invalid score: %s", strings.Join(msgs, "; "))
	}

	var raw rawScore
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, eris.Wrap(err, "llm: decode score")
	}

	out := &model.ScoreResult{
		Score:          clampScore(raw.Score),
		Summary:        strings.TrimSpace(raw.Summary),
		Problems:       raw.Problems,
		CriteriaScores: make(map[string]int, len(raw.CriteriaScores)),
	}
	if out.Problems == nil {
		out.Problems = []string{}
	}
	for k, v := range raw.CriteriaScores {
		out.CriteriaScores[k] = clampScore(v)
	}
	return out, nil
}

func clampScore(v float64) int {
	n := int(math.Round(v))
	return min(max(n, 1), 10)
}
