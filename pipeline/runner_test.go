package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AITrekker/Jarvis/ai/tracker"
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	jarvistest "github.com/AITrekker/Jarvis/internal/testing"
	"github.com/AITrekker/Jarvis/pulse/async"
	"github.com/AITrekker/Jarvis/pulse/budget"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/window"
)

var base = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

const duration = 15 * time.Minute

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// stubSummarizer counts calls and fails on demand
type stubSummarizer struct {
	mu     sync.Mutex
	calls  int
	inputs []string
	fn     func(call int, text string) (string, error)
}

func (s *stubSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.inputs = append(s.inputs, text)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(call, text)
	}
	return "summary of: " + text, nil
}

func (s *stubSummarizer) SummaryModel() string { return "stub-llm" }

func (s *stubSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubEmbedder returns a fixed-size vector derived from the input length
type stubEmbedder struct {
	mu     sync.Mutex
	calls  int
	inputs []string
	dims   int
	err    error
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.inputs = append(e.inputs, text)
	if e.err != nil {
		return nil, e.err
	}
	dims := e.dims
	if dims == 0 {
		dims = 4
	}
	vec := make([]float32, dims)
	vec[0] = float32(len(text))
	vec[dims-1] = 1
	return vec, nil
}

func (e *stubEmbedder) EmbeddingModel() string { return "stub-embed" }

func (e *stubEmbedder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	results    *storage.ResultStore
	windows    *storage.WindowStore
	usage      *tracker.UsageTracker
	summarizer *stubSummarizer
	embedder   *stubEmbedder
	runner     *Runner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := jarvistest.CreateTestDB(t)
	f := &fixture{
		results:    storage.NewResultStore(db, true, nopLogger()),
		windows:    storage.NewWindowStore(db, nopLogger()),
		usage:      tracker.NewUsageTracker(db),
		summarizer: &stubSummarizer{},
		embedder:   &stubEmbedder{},
	}
	f.runner = NewRunner(cfg, f.summarizer, f.embedder, f.results, nil, f.usage, nopLogger())
	f.runner.SetClock(func() time.Time { return base.Add(20 * time.Minute) })
	return f
}

func closedWindow(texts ...string) window.Window {
	w := window.Window{
		ID:     window.IDFor(base),
		Start:  base,
		End:    base.Add(duration),
		Status: window.StatusProcessing,
	}
	for i, text := range texts {
		at := base.Add(time.Duration(i) * time.Second)
		w.Fragments = append(w.Fragments, window.Fragment{Text: text, Start: at, End: at.Add(time.Second), Sequence: uint64(i + 1)})
	}
	return w
}

func TestAssembleOrdersBySequence(t *testing.T) {
	frags := []window.Fragment{
		{Text: "world", Sequence: 2},
		{Text: "  ", Sequence: 3},
		{Text: " hello ", Sequence: 1},
		{Text: "again", Sequence: 4},
	}

	assert.Equal(t, "hello world again", Assemble(frags))
	assert.Equal(t, "world", frags[0].Text, "input order is left alone")
	assert.Equal(t, "", Assemble(nil))
}

func TestExecute_PersistsResult(t *testing.T) {
	f := newFixture(t, Config{EmbedSource: am.EmbedSourceSummary})
	ctx := context.Background()

	res := f.runner.Execute(ctx, closedWindow("hello", "world"))
	require.Equal(t, async.OutcomeDone, res.Outcome, "err: %v", res.Err)

	stored, err := f.results.GetResult(ctx, window.IDFor(base))
	require.NoError(t, err)
	assert.Equal(t, "hello world", stored.Transcript)
	assert.Equal(t, "summary of: hello world", stored.Summary)
	assert.Len(t, stored.Embedding, 4)
	assert.True(t, stored.ProducedAt.Equal(base.Add(20*time.Minute)))

	require.Len(t, f.embedder.inputs, 1)
	assert.Equal(t, "summary of: hello world", f.embedder.inputs[0], "summary is embedded by default")

	rec, err := f.windows.Get(ctx, window.IDFor(base))
	require.NoError(t, err)
	assert.Equal(t, window.StatusDone, rec.Status)
}

func TestExecute_EmbedsTranscriptWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{EmbedSource: am.EmbedSourceTranscript})

	res := f.runner.Execute(context.Background(), closedWindow("verbatim", "recall"))
	require.Equal(t, async.OutcomeDone, res.Outcome, "err: %v", res.Err)

	require.Len(t, f.embedder.inputs, 1)
	assert.Equal(t, "verbatim recall", f.embedder.inputs[0])
}

func TestExecute_EmptyWindowSkipsBackends(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := f.runner.Execute(ctx, closedWindow("   ", ""))
	require.Equal(t, async.OutcomeDone, res.Outcome, "err: %v", res.Err)

	assert.Zero(t, f.summarizer.count())
	assert.Zero(t, f.embedder.count())

	stored, err := f.results.GetResult(ctx, window.IDFor(base))
	require.NoError(t, err)
	assert.True(t, stored.Empty())
	assert.Empty(t, stored.Summary)
	assert.Nil(t, stored.Embedding)
}

func TestExecute_AlreadyDoneSkipsBackends(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.Equal(t, async.OutcomeDone, f.runner.Execute(ctx, closedWindow("once")).Outcome)
	require.Equal(t, async.OutcomeDone, f.runner.Execute(ctx, closedWindow("once")).Outcome)

	assert.Equal(t, 1, f.summarizer.count(), "second run found the completion marker")
}

func TestExecute_EmptySummaryIsTransient(t *testing.T) {
	f := newFixture(t, Config{})
	f.summarizer.fn = func(int, string) (string, error) { return "  ", nil }

	res := f.runner.Execute(context.Background(), closedWindow("hello"))
	assert.Equal(t, async.OutcomeTransient, res.Outcome)
	assert.Equal(t, StageSummarize, res.Stage)
	assert.Zero(t, f.embedder.count())

	has, err := f.results.HasResult(context.Background(), window.IDFor(base))
	require.NoError(t, err)
	assert.False(t, has, "nothing persisted on failure")
}

func TestExecute_DimensionMismatchIsTransient(t *testing.T) {
	f := newFixture(t, Config{Dimensions: 768})
	f.embedder.dims = 4

	res := f.runner.Execute(context.Background(), closedWindow("hello"))
	assert.Equal(t, async.OutcomeTransient, res.Outcome)
	assert.Equal(t, StageEmbed, res.Stage)
	assert.Contains(t, res.Err.Error(), "expected 768")
}

func TestExecute_PermanentBackendError(t *testing.T) {
	f := newFixture(t, Config{})
	f.embedder.err = errors.MarkPermanent(errors.New("model not found"))

	res := f.runner.Execute(context.Background(), closedWindow("hello"))
	assert.Equal(t, async.OutcomePermanent, res.Outcome)
	assert.Equal(t, StageEmbed, res.Stage)
}

func TestExecute_TracksBackendCalls(t *testing.T) {
	f := newFixture(t, Config{})
	f.summarizer.fn = func(call int, text string) (string, error) {
		if call == 1 {
			return "", errors.MarkTransient(errors.New("status 503"))
		}
		return "ok", nil
	}
	ctx := context.Background()

	assert.Equal(t, async.OutcomeTransient, f.runner.Execute(ctx, closedWindow("hello")).Outcome)
	assert.Equal(t, async.OutcomeDone, f.runner.Execute(ctx, closedWindow("hello")).Outcome)

	calls, err := f.usage.CallsForWindow(ctx, string(window.IDFor(base)))
	require.NoError(t, err)
	require.Len(t, calls, 3)

	assert.Equal(t, tracker.OperationSummarize, calls[0].Operation)
	assert.False(t, calls[0].Success)
	assert.Contains(t, calls[0].Err, "status 503")
	assert.Equal(t, "stub-llm", calls[0].Model)

	assert.True(t, calls[1].Success)
	assert.Equal(t, tracker.OperationEmbed, calls[2].Operation)
	assert.Equal(t, calls[1].ExecutionID, calls[2].ExecutionID, "one execution id per attempt")
	assert.NotEqual(t, calls[0].ExecutionID, calls[1].ExecutionID)
}

func TestExecute_PacingWaitFailureIsTransient(t *testing.T) {
	f := newFixture(t, Config{})
	limiter := budget.NewLimiter(1)
	require.NoError(t, limiter.Allow(), "spend the only token")
	f.runner.limiter = limiter

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := f.runner.Execute(ctx, closedWindow("hello"))
	assert.Equal(t, async.OutcomeTransient, res.Outcome)
	assert.Equal(t, StageSummarize, res.Stage)
	assert.Zero(t, f.summarizer.count())
}

func TestExecute_BudgetedCallsAreCounted(t *testing.T) {
	f := newFixture(t, Config{})
	limiter := budget.NewLimiter(600)
	f.runner.limiter = limiter

	res := f.runner.Execute(context.Background(), closedWindow("hello"))
	require.Equal(t, async.OutcomeDone, res.Outcome)

	calls, remaining := limiter.Stats()
	assert.Equal(t, 2, calls, "summarize and embed each take a token")
	assert.Equal(t, 598, remaining)
}

func TestExecute_LongTranscriptReachesSummarizerWhole(t *testing.T) {
	f := newFixture(t, Config{})
	words := strings.Fields(strings.Repeat("talk ", 50))

	res := f.runner.Execute(context.Background(), closedWindow(words...))
	require.Equal(t, async.OutcomeDone, res.Outcome)
	require.Len(t, f.summarizer.inputs, 1)
	assert.Equal(t, strings.Join(words, " "), f.summarizer.inputs[0])
}
