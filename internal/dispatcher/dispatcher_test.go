package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/dispatcher"
	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu    sync.Mutex
	texts map[string]string
	err   error
}

func newMemSink() *memSink { return &memSink{texts: map[string]string{}} }

func (s *memSink) Write(_ context.Context, sourcePath, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[sourcePath] = text
	return "mem://" + sourcePath, nil
}

func sharedFactory(fn extract.ExtractorFunc) extract.Factory {
	return extract.Factory{
		Name:       "fake",
		SharedSafe: true,
		New:        func() (extract.Extractor, error) { return fn, nil },
	}
}

func register(t *testing.T, s checkpoint.Store, paths ...string) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(paths))
	for _, p := range paths {
		id, created, err := s.Register(context.Background(), models.FileInput{Path: p, Name: filepath.Base(p), Type: "png"})
		require.NoError(t, err)
		require.True(t, created)
		ids[p] = id
	}
	return ids
}

func testConfig() dispatcher.Config {
	cfg := dispatcher.DefaultConfig()
	cfg.SweepFirst = false
	return cfg
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/corpus/%s-%d.png", prefix, i+1)
	}
	return out
}

func assertNothingProcessing(t *testing.T, s checkpoint.Store) {
	t.Helper()
	st, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Processing, "no record may be left processing")
}

func TestRunMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	ids := register(t, store, numbered("doc", 5)...)

	ex := extract.ExtractorFunc(func(_ context.Context, path string) extract.Result {
		if strings.HasSuffix(path, "doc-2.png") || strings.HasSuffix(path, "doc-4.png") {
			return extract.Result{Error: "unreadable scan"}
		}
		return extract.Result{Text: "text of " + filepath.Base(path), Success: true}
	})

	cfg := testConfig()
	cfg.MaxWorkers = 2
	cfg.BatchSize = 2
	cfg.MaxAttempts = 1
	sink := newMemSink()
	d, err := dispatcher.New(store, sharedFactory(ex), sink, cfg)
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalExamined)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 2, sum.Failed)
	assert.False(t, sum.StoppedEarly)

	for path, id := range ids {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts, path)

		log, err := store.AttemptLog(ctx, id)
		require.NoError(t, err)
		require.Len(t, log, 2, path)
		assert.Equal(t, models.StatusProcessing, log[0].Outcome)
		assert.Equal(t, rec.Status, log[1].Outcome)
		assert.Equal(t, 1, log[1].AttemptNumber)
		assert.Equal(t, "fake", log[1].EngineMetadata["engine"])
		assert.Equal(t, string(dispatcher.Threaded), log[1].EngineMetadata["worker_model"])

		out, err := store.Output(ctx, id)
		require.NoError(t, err)
		if rec.Status == models.StatusCompleted {
			require.NotNil(t, out)
			assert.Equal(t, "mem://"+path, out.ContentPointer)
			assert.Equal(t, len("text of "+filepath.Base(path)), out.ContentLength)
		} else {
			assert.Nil(t, out)
			require.NotNil(t, log[1].ErrorDetail)
			assert.Equal(t, "unreadable scan", *log[1].ErrorDetail)
		}
	}

	// Nothing left to do: a second run examines nothing.
	again, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.TotalExamined)
}

func TestRunStopsOnShutdownAndResumes(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ids := register(t, store, numbered("page", 6)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	ex := extract.ExtractorFunc(func(context.Context, string) extract.Result {
		if calls.Add(1) == 1 {
			cancel()
		}
		return extract.Result{Text: "recognised", Success: true}
	})

	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.BatchSize = 2
	d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), cfg)
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.StoppedEarly)
	assert.GreaterOrEqual(t, sum.TotalExamined, 1)
	assert.Less(t, sum.TotalExamined, 6)
	assert.Equal(t, sum.TotalExamined, sum.Completed, "claimed work finishes despite shutdown")
	assertNothingProcessing(t, store)

	resumed, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed.StoppedEarly)
	assert.Equal(t, 6-sum.TotalExamined, resumed.TotalExamined)
	assert.Equal(t, int64(6), calls.Load(), "completed files are not attempted again")

	for _, id := range ids {
		rec, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	register(t, store, numbered("x", 2)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := extract.ExtractorFunc(func(context.Context, string) extract.Result {
		t.Fatal("nothing should be extracted")
		return extract.Result{}
	})
	d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), testConfig())
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalExamined)
	assert.True(t, sum.StoppedEarly)
}

func TestRunHonoursMaxFiles(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	register(t, store, numbered("cap", 7)...)

	ex := extract.ExtractorFunc(func(context.Context, string) extract.Result {
		return extract.Result{Text: "ok", Success: true}
	})
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.MaxFiles = 3
	d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), cfg)
	require.NoError(t, err)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalExamined)
	assert.False(t, sum.StoppedEarly)

	st, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 4, st.Pending)
}

func TestConcurrentDispatchersAttemptEachFileOnce(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	paths := numbered("shared", 40)
	register(t, store, paths...)

	var mu sync.Mutex
	seen := map[string]int{}
	ex := extract.ExtractorFunc(func(_ context.Context, path string) extract.Result {
		mu.Lock()
		seen[path]++
		mu.Unlock()
		return extract.Result{Text: "ok", Success: true}
	})

	cfg := testConfig()
	cfg.MaxWorkers = 3
	cfg.BatchSize = 5

	var wg sync.WaitGroup
	sums := make([]dispatcher.Summary, 3)
	for i := range sums {
		d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), cfg)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := d.Run(context.Background())
			assert.NoError(t, err)
			sums[i] = sum
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range sums {
		total += s.TotalExamined
	}
	assert.Equal(t, len(paths), total)
	require.Len(t, seen, len(paths))
	for p, n := range seen {
		assert.Equal(t, 1, n, p)
	}
	assertNothingProcessing(t, store)
}

func TestWorkerInstanceSharing(t *testing.T) {
	tests := []struct {
		name       string
		sharedSafe bool
		wantNew    int64
	}{
		{"shared instance", true, 1},
		{"instance per worker", false, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := checkpoint.NewMemoryStore()
			register(t, store, numbered("inst", 8)...)

			var created, closed atomic.Int64
			factory := extract.Factory{
				Name:       "counted",
				SharedSafe: tt.sharedSafe,
				New: func() (extract.Extractor, error) {
					created.Add(1)
					return &closingExtractor{closed: &closed}, nil
				},
			}
			cfg := testConfig()
			cfg.MaxWorkers = 4
			d, err := dispatcher.New(store, factory, newMemSink(), cfg)
			require.NoError(t, err)

			sum, err := d.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 8, sum.Completed)
			assert.Equal(t, tt.wantNew, created.Load())
			assert.Equal(t, tt.wantNew, closed.Load())
		})
	}
}

type closingExtractor struct {
	closed *atomic.Int64
}

func (c *closingExtractor) Extract(context.Context, string) extract.Result {
	return extract.Result{Text: "ok", Success: true}
}

func (c *closingExtractor) Close() error {
	c.closed.Add(1)
	return nil
}

func TestFactoryErrorStopsBeforeAnyMutation(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	register(t, store, numbered("f", 2)...)

	var n atomic.Int64
	var closed atomic.Int64
	factory := extract.Factory{
		Name: "flaky",
		New: func() (extract.Extractor, error) {
			if n.Add(1) == 2 {
				return nil, errors.New("engine unavailable")
			}
			return &closingExtractor{closed: &closed}, nil
		},
	}
	cfg := testConfig()
	cfg.MaxWorkers = 3
	d, err := dispatcher.New(store, factory, newMemSink(), cfg)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.ErrorContains(t, err, "engine unavailable")
	assert.Equal(t, int64(2), closed.Load(), "extractors already created are closed")

	st, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)
}

func TestRejectedResultsAreFailures(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		minLen     int
		gate       bool
		sinkErr    error
		panics     bool
		wantStatus models.Status
		wantDetail string
	}{
		{name: "panic", panics: true, wantStatus: models.StatusFailed, wantDetail: "extractor panic: boom"},
		{name: "empty text", text: "   ", minLen: 1, wantStatus: models.StatusFailed, wantDetail: "text too short"},
		{name: "below minimum", text: "abc", minLen: 5, wantStatus: models.StatusFailed, wantDetail: "text too short"},
		{name: "quality gate", text: "x1 y2", gate: true, wantStatus: models.StatusFailed, wantDetail: "low quality: "},
		{name: "quality gate off", text: "x1 y2", wantStatus: models.StatusCompleted},
		{name: "sink failure", text: "readable text", sinkErr: errors.New("disk full"), wantStatus: models.StatusFailed, wantDetail: "write output: disk full"},
		{name: "good text", text: "The quick brown fox jumps over the lazy dog", gate: true, minLen: 10, wantStatus: models.StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := checkpoint.NewMemoryStore()
			ids := register(t, store, "/corpus/one.png")

			ex := extract.ExtractorFunc(func(context.Context, string) extract.Result {
				if tt.panics {
					panic("boom")
				}
				return extract.Result{Text: tt.text, Success: true}
			})
			sink := newMemSink()
			sink.err = tt.sinkErr

			cfg := testConfig()
			cfg.MinTextLength = tt.minLen
			cfg.QualityGate = tt.gate
			d, err := dispatcher.New(store, sharedFactory(ex), sink, cfg)
			require.NoError(t, err)

			_, err = d.Run(ctx)
			require.NoError(t, err)

			id := ids["/corpus/one.png"]
			rec, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)

			log, err := store.AttemptLog(ctx, id)
			require.NoError(t, err)
			last := log[len(log)-1]
			if tt.wantDetail != "" {
				require.NotNil(t, last.ErrorDetail)
				assert.Contains(t, *last.ErrorDetail, tt.wantDetail)
			} else {
				assert.Nil(t, last.ErrorDetail)
			}
		})
	}
}

func TestSweepRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	ids := register(t, store, "/corpus/stubborn.png", "/corpus/flaky.png")

	var flaky atomic.Int64
	ex := extract.ExtractorFunc(func(_ context.Context, path string) extract.Result {
		if strings.HasSuffix(path, "flaky.png") && flaky.Add(1) >= 2 {
			return extract.Result{Text: "finally", Success: true}
		}
		return extract.Result{Error: "timeout"}
	})

	cfg := testConfig()
	cfg.SweepFirst = true
	cfg.MaxAttempts = 3
	d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), cfg)
	require.NoError(t, err)

	var swept int
	for range 4 {
		sum, err := d.Run(ctx)
		require.NoError(t, err)
		swept += sum.Swept
	}
	assert.Equal(t, 3, swept, "stubborn twice, flaky once")

	stubborn, err := store.Get(ctx, ids["/corpus/stubborn.png"])
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stubborn.Status)
	assert.Equal(t, 3, stubborn.Attempts)

	ok, err := store.Get(ctx, ids["/corpus/flaky.png"])
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ok.Status)
	assert.Equal(t, 2, ok.Attempts)

	n, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "exhausted files stay failed")
}

func TestRunRecordsStoreMetrics(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	register(t, store, numbered("m", 3)...)
	ex := extract.ExtractorFunc(func(context.Context, string) extract.Result {
		return extract.Result{Text: "ok", Success: true}
	})

	m := metrics.NewCollector()
	d, err := dispatcher.New(store, sharedFactory(ex), newMemSink(), testConfig(), dispatcher.WithMetrics(m))
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	snap := m.Snapshot()
	require.NotNil(t, snap.StoreWrite)
	assert.Equal(t, int64(6), snap.StoreWrite.Count, "one mark and one outcome per file")
	require.NotNil(t, snap.StoreRead)
	assert.GreaterOrEqual(t, snap.StoreRead.Count, int64(2))
}

func TestNewValidation(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	good := sharedFactory(func(context.Context, string) extract.Result { return extract.Result{} })

	tests := []struct {
		name    string
		mutate  func(*dispatcher.Config)
		factory extract.Factory
		sink    extract.Sink
		wantErr string
	}{
		{"unknown worker model", func(c *dispatcher.Config) { c.WorkerModel = "fibers" }, good, newMemSink(), "invalid worker model"},
		{"process pool without command", func(c *dispatcher.Config) { c.WorkerModel = dispatcher.ProcessPool }, good, newMemSink(), "worker command"},
		{"zero workers", func(c *dispatcher.Config) { c.MaxWorkers = 0 }, good, newMemSink(), "max workers"},
		{"zero batch", func(c *dispatcher.Config) { c.BatchSize = 0 }, good, newMemSink(), "batch size"},
		{"zero attempts", func(c *dispatcher.Config) { c.MaxAttempts = 0 }, good, newMemSink(), "max attempts"},
		{"nil sink", func(*dispatcher.Config) {}, good, nil, "sink"},
		{"bad factory", func(*dispatcher.Config) {}, extract.Factory{Name: "x"}, newMemSink(), "New is nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := dispatcher.New(store, tt.factory, tt.sink, cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseWorkerModel(t *testing.T) {
	m, err := dispatcher.ParseWorkerModel("")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Threaded, m)

	m, err = dispatcher.ParseWorkerModel("process-pool")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.ProcessPool, m)

	for _, bad := range []string{"gpu", "process", "processes"} {
		_, err = dispatcher.ParseWorkerModel(bad)
		assert.Error(t, err, bad)
	}
}

// TestHelperProcess is the worker process body for process-pool runs.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("OCRBATCH_WANT_HELPER_PROCESS") != "1" {
		return
	}
	ex := extract.ExtractorFunc(func(_ context.Context, path string) extract.Result {
		data, err := os.ReadFile(path)
		if err != nil {
			return extract.Result{Error: err.Error()}
		}
		if string(data) == "crash" {
			os.Exit(3)
		}
		return extract.Result{
			Text:     strings.ToUpper(string(data)),
			Success:  true,
			Metadata: map[string]string{"pid": fmt.Sprint(os.Getpid())},
		}
	})
	if err := extract.Serve(context.Background(), os.Stdin, os.Stdout, ex); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func TestProcessPool(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	contents := map[string]string{
		"a.png": "alpha text",
		"b.png": "crash",
		"c.png": "gamma text",
		"d.png": "delta text",
	}
	var paths []string
	for name, body := range contents {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		paths = append(paths, p)
	}

	store := checkpoint.NewMemoryStore()
	ids := register(t, store, paths...)

	inProcess := extract.Factory{
		Name: "fake",
		New: func() (extract.Extractor, error) {
			t.Fatal("process pool must not build in-process extractors")
			return nil, nil
		},
	}
	cfg := testConfig()
	cfg.WorkerModel = dispatcher.ProcessPool
	cfg.MaxWorkers = 2
	cfg.WorkerCommand = []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"}
	cfg.WorkerEnv = []string{"OCRBATCH_WANT_HELPER_PROCESS=1"}

	sink := newMemSink()
	d, err := dispatcher.New(store, inProcess, sink, cfg)
	require.NoError(t, err)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 1, sum.Failed, "a crashed worker fails only its own file")

	for _, name := range []string{"a.png", "c.png", "d.png"} {
		p := filepath.Join(dir, name)
		assert.Equal(t, strings.ToUpper(contents[name]), sink.texts[p])
	}

	crashed, err := store.AttemptLog(ctx, ids[filepath.Join(dir, "b.png")])
	require.NoError(t, err)
	last := crashed[len(crashed)-1]
	assert.Equal(t, models.StatusFailed, last.Outcome)
	assert.Equal(t, string(dispatcher.ProcessPool), last.EngineMetadata["worker_model"])
	assertNothingProcessing(t, store)
}
