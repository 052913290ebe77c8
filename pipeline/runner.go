// Package pipeline turns a closed window into a durable result:
// assemble transcript → summarize → embed → persist.
//
// The runner is stateless across attempts. It reports an explicit outcome
// and leaves retry decisions to the worker pool.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/ai/provider"
	"github.com/AITrekker/Jarvis/ai/tracker"
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/pulse/async"
	"github.com/AITrekker/Jarvis/pulse/budget"
	"github.com/AITrekker/Jarvis/window"
)

// Pipeline stages, reported on failed results
const (
	StageAssemble  = "assemble"
	StageSummarize = "summarize"
	StageEmbed     = "embed"
	StagePersist   = "persist"
)

// ResultStore is the completion-marker side of the persistence gateway
type ResultStore interface {
	HasResult(ctx context.Context, id window.ID) (bool, error)
	UpsertResult(ctx context.Context, r window.Result) error
}

// CallTracker records backend invocations
type CallTracker interface {
	Track(ctx context.Context, call tracker.Call) error
}

// Config controls what gets embedded and what vectors are accepted
type Config struct {
	EmbedSource string // am.EmbedSourceTranscript or am.EmbedSourceSummary
	Dimensions  int    // expected embedding length; 0 accepts any
}

// ConfigFrom extracts runner settings from the application config
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		EmbedSource: cfg.Pulse.EmbedSource,
		Dimensions:  cfg.Embeddings.Dimensions,
	}
}

// Runner executes the pipeline for one window
type Runner struct {
	cfg        Config
	summarizer provider.Summarizer
	embedder   provider.Embedder
	store      ResultStore
	limiter    *budget.Limiter
	calls      CallTracker
	clock      func() time.Time
	logger     *zap.SugaredLogger
}

// NewRunner creates a runner. limiter and calls may be nil.
func NewRunner(cfg Config, summarizer provider.Summarizer, embedder provider.Embedder, store ResultStore, limiter *budget.Limiter, calls CallTracker, log *zap.SugaredLogger) *Runner {
	if cfg.EmbedSource == "" {
		cfg.EmbedSource = am.EmbedSourceSummary
	}
	if limiter == nil {
		limiter = budget.NewLimiter(0)
	}
	return &Runner{
		cfg:        cfg,
		summarizer: summarizer,
		embedder:   embedder,
		store:      store,
		limiter:    limiter,
		calls:      calls,
		clock:      time.Now,
		logger:     log.Named("pipeline"),
	}
}

// SetClock replaces the clock used for produced_at and call timing (tests)
func (r *Runner) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Execute runs one attempt for w
func (r *Runner) Execute(ctx context.Context, w window.Window) async.Result {
	execID := uuid.New().String()
	ctx = logger.WithExecutionID(logger.WithWindowID(ctx, string(w.ID)), execID)
	log := logger.FromContext(ctx, r.logger)

	done, err := r.store.HasResult(ctx, w.ID)
	if err != nil {
		return async.Failed(StagePersist, errors.MarkTransient(err))
	}
	if done {
		log.Infow("Window already has a result, skipping backends")
		return async.Done()
	}

	transcript := Assemble(w.Fragments)
	result := window.Result{
		WindowID:   w.ID,
		Start:      w.Start,
		End:        w.End,
		Transcript: transcript,
	}

	if transcript == "" {
		log.Debugw("Empty window, skipping backends", logger.FieldCount, len(w.Fragments))
	} else {
		summary, err := r.summarize(ctx, execID, w.ID, transcript)
		if err != nil {
			return async.Failed(StageSummarize, err)
		}
		result.Summary = summary

		source := summary
		if r.cfg.EmbedSource == am.EmbedSourceTranscript {
			source = transcript
		}
		vec, err := r.embed(ctx, execID, w.ID, source)
		if err != nil {
			return async.Failed(StageEmbed, err)
		}
		result.Embedding = vec
	}

	result.ProducedAt = r.clock().UTC()
	if err := r.store.UpsertResult(ctx, result); err != nil {
		return async.Failed(StagePersist, err)
	}

	log.Debugw("Window result persisted",
		"transcript_chars", len(transcript),
		"dimensions", len(result.Embedding))
	return async.Done()
}

// Assemble concatenates fragment texts in sequence order. Texts are
// trimmed and blank fragments contribute nothing.
func Assemble(frags []window.Fragment) string {
	ordered := make([]window.Fragment, len(frags))
	copy(ordered, frags)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	parts := make([]string, 0, len(ordered))
	for _, f := range ordered {
		if text := strings.TrimSpace(f.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func (r *Runner) summarize(ctx context.Context, execID string, id window.ID, transcript string) (string, error) {
	var summary string
	err := r.call(ctx, execID, id, tracker.OperationSummarize, r.summarizer.SummaryModel(), func(ctx context.Context) error {
		s, err := r.summarizer.Summarize(ctx, transcript)
		if err != nil {
			return err
		}
		summary = strings.TrimSpace(s)
		if summary == "" {
			return errors.MarkTransient(errors.New("summarizer returned an empty summary"))
		}
		return nil
	})
	return summary, err
}

func (r *Runner) embed(ctx context.Context, execID string, id window.ID, text string) ([]float32, error) {
	var vec []float32
	err := r.call(ctx, execID, id, tracker.OperationEmbed, r.embedder.EmbeddingModel(), func(ctx context.Context) error {
		v, err := r.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return errors.MarkTransient(errors.New("embedder returned an empty vector"))
		}
		if r.cfg.Dimensions > 0 && len(v) != r.cfg.Dimensions {
			return errors.MarkTransient(errors.Newf("embedder returned %d dimensions, expected %d", len(v), r.cfg.Dimensions))
		}
		vec = v
		return nil
	})
	return vec, err
}

// call paces, times and records one backend invocation
func (r *Runner) call(ctx context.Context, execID string, id window.ID, operation, model string, fn func(context.Context) error) error {
	if !r.limiter.Unlimited() && r.limiter.Allow() != nil {
		logger.FromContext(ctx, r.logger).Debugw("Call budget spent, waiting for a token", "operation", operation)
		if err := r.limiter.Wait(ctx); err != nil {
			return errors.MarkTransient(errors.Wrapf(err, "waiting to %s", operation))
		}
	}

	started := r.clock()
	err := fn(ctx)
	elapsed := r.clock().Sub(started)

	if r.calls != nil {
		call := tracker.Call{
			ExecutionID: execID,
			WindowID:    string(id),
			Operation:   operation,
			Model:       model,
			StartedAt:   started,
			Duration:    elapsed,
			Success:     err == nil,
		}
		if err != nil {
			call.Err = err.Error()
		}
		// Tracking never fails the window
		if trackErr := r.calls.Track(context.WithoutCancel(ctx), call); trackErr != nil {
			r.logger.Warnw("Failed to record backend call",
				logger.FieldWindowID, id,
				logger.FieldBackend, operation,
				logger.FieldError, trackErr)
		}
	}

	if err != nil {
		return errors.Wrapf(err, "%s with %s", operation, model)
	}
	return nil
}

var _ async.WindowExecutor = (*Runner)(nil)
