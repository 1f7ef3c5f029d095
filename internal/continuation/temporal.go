package continuation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// Registered names of the Temporal workflow and activity.
const (
	StageWorkflowName    = "leadpipe.StageWorkflow"
	ProcessStageActivity = "leadpipe.ProcessStage"
)

// stageTimeout bounds one stage pass. generate_sites works in small batches
// so a pass stays well under it.
const stageTimeout = 30 * time.Minute

// StageWorkflow runs a single hop as one activity. The dispatcher records
// its own failures, so the activity is not retried by Temporal.
func StageWorkflow(ctx workflow.Context, hop Hop) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stageTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, ProcessStageActivity, hop).Get(ctx, nil)
}

// Activities hosts the stage activity.
type Activities struct {
	proc Processor
}

// NewActivities binds the activity to proc.
func NewActivities(proc Processor) *Activities {
	return &Activities{proc: proc}
}

// ProcessStage runs the hop.
func (a *Activities) ProcessStage(ctx context.Context, hop Hop) error {
	return a.proc.ProcessStage(ctx, hop.RunID, hop.Stage)
}

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig, logger *TemporalLogger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "continuation: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewTemporalWorker registers the workflow and activity on taskQueue.
func NewTemporalWorker(c client.Client, taskQueue string, proc Processor) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(StageWorkflow, workflow.RegisterOptions{Name: StageWorkflowName})
	w.RegisterActivityWithOptions(NewActivities(proc).ProcessStage, activity.RegisterOptions{Name: ProcessStageActivity})
	return w
}

// Temporal schedules each hop as a new StageWorkflow execution.
type Temporal struct {
	client    client.Client
	taskQueue string
}

// NewTemporal creates the Temporal driver.
func NewTemporal(c client.Client, taskQueue string) *Temporal {
	return &Temporal{client: c, taskQueue: taskQueue}
}

// Schedule starts the workflow for the hop.
func (t *Temporal) Schedule(ctx context.Context, runID string, stage model.Stage) error {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(runID, stage),
		TaskQueue: t.taskQueue,
	}
	if _, err := t.client.ExecuteWorkflow(ctx, opts, StageWorkflowName, Hop{RunID: runID, Stage: stage}); err != nil {
		return eris.Wrapf(err, "continuation: start workflow for run %s", runID)
	}
	return nil
}

// WorkflowID names one hop: <run>-<stage>-<suffix>. Repeated passes of the
// same stage get distinct IDs.
func WorkflowID(runID string, stage model.Stage) string {
	return fmt.Sprintf("%s-%s-%s", runID, stage, uuid.NewString()[:8])
}
