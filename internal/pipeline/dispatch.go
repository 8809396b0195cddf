package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/extract"
	"github.com/hammy15/snfalyze-sub014/internal/ingest"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
	"github.com/hammy15/snfalyze-sub014/internal/store"
)

// DocumentInput is one raw document submitted with a session start.
type DocumentInput struct {
	Filename string
	Raw      []byte

	// DocType is an optional caller-supplied classification. When empty
	// the dispatcher runs type detection as a first extraction sub-step.
	DocType model.DocumentType
}

// dispatcher runs document tasks on a bounded worker pool. One failing
// document never aborts the batch.
type dispatcher struct {
	cfg       config.DispatchConfig
	store     store.Store
	extractor extract.Extractor
	agg       *Aggregator
}

type taskWork struct {
	task *model.DocumentTask
	doc  DocumentInput
}

// run processes all tasks with bounded concurrency. Cancelling ctx stops
// dispatch of queued tasks; tasks already in flight run to completion on a
// detached context so their results still merge.
func (d *dispatcher) run(ctx context.Context, works []*taskWork, onDone func(task *model.DocumentTask, stats MergeStats)) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 6
	}

	var g errgroup.Group
	g.SetLimit(workers)

	taskCtx := context.WithoutCancel(ctx)
	for _, w := range works {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go blocks while the pool is full, so cancellation may land
			// between the dispatch check and this goroutine starting.
			if ctx.Err() != nil {
				return nil
			}
			stats := d.process(taskCtx, w)
			onDone(w.task, stats)
			return nil
		})
	}
	_ = g.Wait()
}

// process drives one task to a terminal state and merges its result.
func (d *dispatcher) process(ctx context.Context, w *taskWork) MergeStats {
	task := w.task
	started := time.Now().UTC()
	task.Status = model.TaskRunning
	task.StartedAt = &started
	d.persistTask(ctx, task)

	stats, err := d.attempt(ctx, w)

	ended := time.Now().UTC()
	task.EndedAt = &ended
	if err != nil {
		task.Status = model.TaskFailed
		task.Error = err.Error()
		zap.L().Warn("dispatch: task failed",
			zap.String("task_id", task.ID),
			zap.String("session_id", task.SessionID),
			zap.String("filename", task.Filename),
			zap.Int("retries", task.Retries),
			zap.Error(err),
		)
	} else {
		task.Status = model.TaskSucceeded
	}
	d.persistTask(ctx, task)
	return stats
}

func (d *dispatcher) attempt(ctx context.Context, w *taskWork) (MergeStats, error) {
	doc, err := ingest.Parse(w.doc.Raw, w.doc.Filename)
	if err != nil {
		return MergeStats{}, err
	}

	retryCfg := d.retryConfig(w.task)

	docType := w.doc.DocType
	if docType == "" {
		docType, err = resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (model.DocumentType, error) {
			attemptCtx, cancel := d.attemptContext(ctx)
			defer cancel()
			return d.extractor.DetectType(attemptCtx, doc)
		})
		if err != nil {
			// Type detection is a sub-step: a failed classification
			// degrades to the generic profile instead of failing the task.
			// Only the main extraction call is fatal.
			zap.L().Warn("dispatch: type detection failed, using generic profile",
				zap.String("task_id", w.task.ID),
				zap.String("filename", w.task.Filename),
				zap.Error(err),
			)
			docType = model.DocOther
		}
	}
	w.task.DocType = docType

	result, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*extract.Result, error) {
		attemptCtx, cancel := d.attemptContext(ctx)
		defer cancel()
		return d.extractor.Extract(attemptCtx, docType, doc)
	})
	if err != nil {
		return MergeStats{}, err
	}

	fields := make([]model.ExtractedField, len(result.Fields))
	for i, f := range result.Fields {
		f.DocumentID = w.task.ID
		fields[i] = f
	}
	w.task.Fields = fields

	return d.agg.Merge(ctx, w.task.ID, result)
}

// retryConfig binds the session retry policy to one task, tracking the
// retry count on the task record.
func (d *dispatcher) retryConfig(task *model.DocumentTask) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxRetries = d.cfg.MaxRetries
	if d.cfg.InitialBackoff > 0 {
		cfg.InitialBackoff = d.cfg.InitialBackoff
	}
	cfg.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
	}
	cfg.OnRetry = func(attempt int, err error) {
		task.Retries = attempt
		zap.L().Warn("dispatch: retrying extraction",
			zap.String("task_id", task.ID),
			zap.String("filename", task.Filename),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return cfg
}

// attemptContext bounds a single extraction call. The timeout is per
// attempt, not per task, so retries get a fresh budget.
func (d *dispatcher) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	secs := d.cfg.TaskTimeoutSecs
	if secs <= 0 {
		secs = 120
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}

// persistTask saves task state, logging rather than failing the task when
// the write itself goes wrong.
func (d *dispatcher) persistTask(ctx context.Context, task *model.DocumentTask) {
	if err := d.store.SaveTask(ctx, task); err != nil {
		zap.L().Error("dispatch: save task",
			zap.String("task_id", task.ID),
			zap.String("session_id", task.SessionID),
			zap.Error(err),
		)
	}
}
