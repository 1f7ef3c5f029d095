package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendError_KeepsNewest(t *testing.T) {
	t.Parallel()

	var log []ErrorEntry
	for i := 0; i < MaxErrorLog+15; i++ {
		log = AppendError(log, ErrorEntry{Message: fmt.Sprintf("e%d", i)})
	}

	assert.Len(t, log, MaxErrorLog)
	assert.Equal(t, "e15", log[0].Message)
	assert.Equal(t, fmt.Sprintf("e%d", MaxErrorLog+14), log[len(log)-1].Message)
}

func TestRunStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestRun_Paused(t *testing.T) {
	t.Parallel()

	pause := ErrorEntry{Code: CodeRateLimitPause}
	item := ErrorEntry{Code: CodeItemFailed}

	assert.False(t, (&Run{Status: RunStatusRunning}).Paused())
	assert.True(t, (&Run{Status: RunStatusRunning, Errors: []ErrorEntry{item, pause}}).Paused())
	assert.False(t, (&Run{Status: RunStatusRunning, Errors: []ErrorEntry{pause, item}}).Paused())
	assert.False(t, (&Run{Status: RunStatusFailed, Errors: []ErrorEntry{pause}}).Paused())
}

func TestCounter_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, CounterMessagesSent.Valid())
	assert.False(t, Counter("status; DROP TABLE runs").Valid())
}

func TestPipelineLead_LastGoodStatus(t *testing.T) {
	t.Parallel()

	score := 4
	assert.Equal(t, LeadSiteGenerated, (&PipelineLead{SiteRef: "https://x", Score: &score}).LastGoodStatus())
	assert.Equal(t, LeadAnalyzed, (&PipelineLead{Score: &score}).LastGoodStatus())
	assert.Equal(t, LeadPending, (&PipelineLead{}).LastGoodStatus())
}

func TestCRMStatus_PriorContact(t *testing.T) {
	t.Parallel()

	assert.False(t, CRMNew.PriorContact())
	assert.False(t, CRMSiteReady.PriorContact())
	assert.True(t, CRMContacted.PriorContact())
	assert.True(t, CRMDoNotContact.PriorContact())
}
