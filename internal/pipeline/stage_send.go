package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// stageSend delivers ready messages over one transport session, one at a
// time with a fixed gap. The run is re-read before every message so a
// cancellation stops the stage at the next lead.
func (o *Orchestrator) stageSend(ctx context.Context, run *model.Run) (outcome, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("stage", string(model.StageSend)))

	items, err := o.store.ListPipelineLeads(ctx, run.ID, eligible(model.StageSend, run.Config)...)
	if err != nil {
		return advance, err
	}
	if len(items) == 0 {
		return advance, nil
	}

	session, err := o.c.Transport.Open(ctx, run.Account)
	if err != nil {
		return advance, o.abortSend(ctx, run, items, "open session", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := o.c.Transport.Close(closeCtx, session); cerr != nil {
			log.Warn("pipeline: close messaging session", zap.Error(cerr))
		}
	}()

	if err := o.c.Transport.WaitReady(ctx, session, o.readyTimeout()); err != nil {
		return advance, o.abortSend(ctx, run, items, "wait ready", err)
	}

	sent := 0
	for i := range items {
		pl := &items[i]
		if i > 0 {
			if err := o.sleep(ctx, o.sendInterval()); err != nil {
				return advance, err
			}
		}

		current, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return advance, err
		}
		if current.Status != model.RunStatusRunning {
			log.Info("pipeline: run stopped during send", zap.String("status", string(current.Status)), zap.Int("sent", sent))
			return advance, eris.Wrapf(store.ErrRunNotActive, "pipeline: run %s is %s", run.ID, current.Status)
		}

		if pl.Phone == "" {
			if err := o.failItem(ctx, run, model.StageSend, "send", pl, "no phone"); err != nil {
				return advance, err
			}
			continue
		}
		if pl.Message == "" {
			lead, err := o.store.GetLead(ctx, pl.LeadID)
			if err != nil {
				return advance, err
			}
			pl.Message = o.renderTemplate(o.businessInfo(lead, pl))
		}

		if err := o.setStatus(ctx, pl, model.LeadSending); err != nil {
			return advance, err
		}
		if err := o.c.Transport.Send(ctx, session, pl.Phone, pl.Message); err != nil {
			return advance, o.abortSend(ctx, run, items[i:], "send", err)
		}
		// The message is out; record it even if the run was cancelled meanwhile.
		if err := o.saveItem(ctx, pl, model.LeadSent); err != nil {
			return advance, err
		}
		if pl.LeadID != "" {
			if err := o.store.MarkLeadContacted(ctx, pl.LeadID, o.now().UTC()); err != nil {
				return advance, err
			}
		}
		if err := o.store.IncrementRunCounter(ctx, run.ID, model.CounterMessagesSent, 1); err != nil {
			return advance, err
		}
		sent++
	}

	log.Info("pipeline: send complete", zap.Int("sent", sent), zap.Int("leads", len(items)))
	return advance, nil
}

// abortSend marks every unsent lead as errored after a transport failure.
// The stage itself ends normally.
func (o *Orchestrator) abortSend(ctx context.Context, run *model.Run, unsent []model.PipelineLead, step string, cause error) error {
	msg := itemMessage(step, cause)
	zap.L().Error("pipeline: transport failed", zap.String("run_id", run.ID), zap.String("step", step), zap.Error(cause))

	for i := range unsent {
		pl := &unsent[i]
		pl.Status = model.LeadError
		pl.Error = msg
		if err := o.store.UpdatePipelineLead(ctx, pl); err != nil {
			return err
		}
	}
	return o.appendError(ctx, run.ID, model.ErrorEntry{
		Stage:   string(model.StageSend),
		Step:    step,
		Message: msg,
		Code:    model.CodeTransport,
	})
}

func (o *Orchestrator) sendInterval() time.Duration {
	if d := o.cfg.SendInterval(); d > 0 {
		return d
	}
	return 4 * time.Second
}

func (o *Orchestrator) readyTimeout() time.Duration {
	if d := o.cfg.SendReadyTimeout(); d > 0 {
		return d
	}
	return 15 * time.Second
}
