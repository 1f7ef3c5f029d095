package model

// Stage names one phase of the pipeline.
type Stage string

const (
	StageSearch           Stage = "search"
	StageImport           Stage = "import"
	StageAnalyze          Stage = "analyze"
	StageGenerateSites    Stage = "generate_sites"
	StageGenerateMessages Stage = "generate_messages"
	StageSend             Stage = "send"
)

// Labels written to Run.Stage. LabelDone and LabelError are not stages but
// mark the end of the order.
const (
	LabelDone  = "done"
	LabelError = "error"
)

// StageOrder is the forward order of the pipeline.
var StageOrder = []Stage{
	StageSearch,
	StageImport,
	StageAnalyze,
	StageGenerateSites,
	StageGenerateMessages,
	StageSend,
}

var stageLabels = map[Stage]string{
	StageSearch:           "searching",
	StageImport:           "importing",
	StageAnalyze:          "analyzing",
	StageGenerateSites:    "generating_sites",
	StageGenerateMessages: "generating_messages",
	StageSend:             "sending",
}

// Label returns the user-facing label shown while the stage runs.
func (s Stage) Label() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// Valid reports whether s is part of StageOrder.
func (s Stage) Valid() bool {
	_, ok := stageLabels[s]
	return ok
}

// StageForLabel maps a label back to its stage.
func StageForLabel(label string) (Stage, bool) {
	for s, l := range stageLabels {
		if l == label {
			return s, true
		}
	}
	return "", false
}

// RunConfig holds the per-run knobs chosen at start.
type RunConfig struct {
	MaxResults   int  `json:"max_results"`
	SkipAnalysis bool `json:"skip_analysis"`
	SkipSites    bool `json:"skip_sites"`
	SkipMessages bool `json:"skip_messages"`
	SkipSend     bool `json:"skip_send"`
}

// Skips reports whether the stage is disabled by the config. Search and
// import always run.
func (c RunConfig) Skips(s Stage) bool {
	switch s {
	case StageAnalyze:
		return c.SkipAnalysis
	case StageGenerateSites:
		return c.SkipSites
	case StageGenerateMessages:
		return c.SkipMessages
	case StageSend:
		return c.SkipSend
	default:
		return false
	}
}

// NextStage returns the first enabled stage after current. The bool is false
// when current is the last enabled stage and the run should complete.
func NextStage(current Stage, cfg RunConfig) (Stage, bool) {
	found := false
	for _, s := range StageOrder {
		if found && !cfg.Skips(s) {
			return s, true
		}
		if s == current {
			found = true
		}
	}
	return "", false
}

// FirstEnabled returns from itself if enabled, otherwise the next enabled
// stage after it.
func FirstEnabled(from Stage, cfg RunConfig) (Stage, bool) {
	if !cfg.Skips(from) {
		return from, true
	}
	return NextStage(from, cfg)
}
