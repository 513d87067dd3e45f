// Package checkpointtest provides a behavioural test suite shared by every
// checkpoint.Store backend.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewStoreFunc returns an empty store for one subtest.
type NewStoreFunc func(t *testing.T) checkpoint.Store

// RunStoreSuite runs the store contract against the backend built by newStore.
func RunStoreSuite(t *testing.T, newStore NewStoreFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s checkpoint.Store)
	}{
		{"RegisterIsIdempotent", testRegisterIdempotent},
		{"ClaimPendingOrderAndLimit", testClaimPendingOrder},
		{"MarkProcessingTransitions", testMarkProcessing},
		{"MarkProcessingSingleWinner", testMarkProcessingRace},
		{"RecordOutcomeCompleted", testRecordOutcomeCompleted},
		{"RecordOutcomeFailed", testRecordOutcomeFailed},
		{"RecordOutcomeRequiresProcessing", testRecordOutcomeRequiresProcessing},
		{"SweepResetsEligibleFailures", testSweep},
		{"AttemptNumbersAreContiguous", testAttemptNumbering},
		{"Statistics", testStatistics},
		{"ListFilters", testList},
		{"RecentActivity", testRecentActivity},
		{"Reset", testReset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

func register(t *testing.T, s checkpoint.Store, path string) string {
	t.Helper()
	id, created, err := s.Register(context.Background(), models.FileInput{
		Path:      path,
		Name:      path[1:],
		SizeBytes: 100,
		Type:      models.FileType(path),
	})
	require.NoError(t, err)
	require.True(t, created, "expected %s to be new", path)
	return id
}

// complete runs one attempt for id to the given outcome.
func complete(t *testing.T, s checkpoint.Store, id string, attempt int, outcome models.Status, ms int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.MarkProcessing(ctx, id, attempt))

	out := models.OutcomeInput{
		FileID:           id,
		AttemptNumber:    attempt,
		Outcome:          outcome,
		ProcessingTimeMs: ms,
		EngineMetadata:   map[string]string{"engine": "stub"},
	}
	if outcome == models.StatusCompleted {
		out.OutputLength = 5
		out.ContentPointer = "/out/" + id + ".txt"
	} else {
		out.ErrorDetail = models.StringPtr("decode error")
	}
	require.NoError(t, s.RecordOutcome(ctx, out))
}

func latestOutcome(t *testing.T, s checkpoint.Store, id string) models.Status {
	t.Helper()
	entries, err := s.AttemptLog(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1].Outcome
}

func testRegisterIdempotent(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()

	id, created, err := s.Register(ctx, models.FileInput{Path: "/scans/a.tif", Name: "a.tif", SizeBytes: 10, Type: "tif"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)

	id2, created2, err := s.Register(ctx, models.FileInput{Path: "/scans/a.tif", Name: "other", SizeBytes: 99, Type: "png"})
	require.NoError(t, err)
	assert.False(t, created2, "second registration must not create")
	assert.Equal(t, id, id2)

	rec, err := s.GetByPath(ctx, "/scans/a.tif")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a.tif", rec.Name, "attributes must not be overwritten")
	assert.Equal(t, int64(10), rec.SizeBytes)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)

	byID, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "/scans/a.tif", byID.Path)

	missing, err := s.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missingPath, err := s.GetByPath(ctx, "/nope.tif")
	require.NoError(t, err)
	assert.Nil(t, missingPath)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func testClaimPendingOrder(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 4; i++ {
		ids = append(ids, register(t, s, fmt.Sprintf("/scans/doc-%d.tif", i)))
		time.Sleep(2 * time.Millisecond)
	}

	batch, err := s.ClaimPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, rec := range batch {
		assert.Equal(t, ids[i], rec.ID, "claim order should be oldest first")
		assert.Equal(t, models.StatusPending, rec.Status)
	}

	// Claiming does not transition anything.
	again, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, again, 4)

	require.NoError(t, s.MarkProcessing(ctx, ids[0], 1))
	rest, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[1], rest[0].ID)

	empty, err := s.ClaimPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testMarkProcessing(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/m.tif")

	err := s.MarkProcessing(ctx, id, 2)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition, "attempt numbers may not skip")

	require.NoError(t, s.MarkProcessing(ctx, id, 1))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, models.StatusProcessing, latestOutcome(t, s, id))

	err = s.MarkProcessing(ctx, id, 1)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition)

	err = s.MarkProcessing(ctx, "missing-id", 1)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func testMarkProcessingRace(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/race.tif")

	const racers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.MarkProcessing(ctx, id, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one claim should succeed")
	assert.Equal(t, int32(racers-1), conflicts.Load())

	entries, err := s.AttemptLog(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testRecordOutcomeCompleted(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/ok.tif")
	complete(t, s, id, 1, models.StatusCompleted, 120)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, models.StatusCompleted, latestOutcome(t, s, id))

	out, err := s.Output(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, id, out.FileID)
	assert.Equal(t, "/out/"+id+".txt", out.ContentPointer)
	assert.Equal(t, 5, out.ContentLength)

	entries, err := s.AttemptLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	terminal := entries[1]
	assert.Equal(t, 1, terminal.AttemptNumber)
	assert.Equal(t, int64(120), terminal.ProcessingTimeMs)
	assert.Equal(t, 5, terminal.OutputLength)
	assert.Nil(t, terminal.ErrorDetail)
	assert.Equal(t, "stub", terminal.EngineMetadata["engine"])
}

func testRecordOutcomeFailed(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/bad.tif")
	complete(t, s, id, 1, models.StatusFailed, 30)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)

	out, err := s.Output(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, out, "failed attempts never produce output")

	entries, err := s.AttemptLog(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[1].ErrorDetail)
	assert.Equal(t, "decode error", *entries[1].ErrorDetail)
}

func testRecordOutcomeRequiresProcessing(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/r.tif")

	out := models.OutcomeInput{FileID: id, AttemptNumber: 1, Outcome: models.StatusCompleted, OutputLength: 1}
	assert.ErrorIs(t, s.RecordOutcome(ctx, out), checkpoint.ErrInvalidTransition, "pending record")

	require.NoError(t, s.MarkProcessing(ctx, id, 1))

	wrongAttempt := out
	wrongAttempt.AttemptNumber = 2
	assert.ErrorIs(t, s.RecordOutcome(ctx, wrongAttempt), checkpoint.ErrInvalidTransition)

	notTerminal := out
	notTerminal.Outcome = models.StatusPending
	assert.ErrorIs(t, s.RecordOutcome(ctx, notTerminal), checkpoint.ErrInvalidTransition)

	require.NoError(t, s.RecordOutcome(ctx, out))
	assert.ErrorIs(t, s.RecordOutcome(ctx, out), checkpoint.ErrInvalidTransition, "second terminal outcome")

	missing := out
	missing.FileID = "missing-id"
	assert.ErrorIs(t, s.RecordOutcome(ctx, missing), checkpoint.ErrNotFound)
}

func testSweep(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	const maxAttempts = 2

	exhausted := register(t, s, "/scans/exhausted.tif")
	complete(t, s, exhausted, 1, models.StatusFailed, 10)
	n, err := s.Sweep(ctx, maxAttempts)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	complete(t, s, exhausted, 2, models.StatusFailed, 10)

	retryable := register(t, s, "/scans/retry.tif")
	complete(t, s, retryable, 1, models.StatusFailed, 10)
	done := register(t, s, "/scans/done.tif")
	complete(t, s, done, 1, models.StatusCompleted, 10)

	n, err = s.Sweep(ctx, maxAttempts)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the failure with attempts left is reset")

	rec, err := s.Get(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts, "sweep keeps the attempt counter")

	entries, err := s.AttemptLog(ctx, retryable)
	require.NoError(t, err)
	audit := entries[len(entries)-1]
	assert.Equal(t, models.StatusPending, audit.Outcome)
	assert.Equal(t, 1, audit.AttemptNumber)
	assert.Equal(t, "sweep", audit.EngineMetadata["action"])

	n, err = s.Sweep(ctx, maxAttempts)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")

	rec, err = s.Get(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	rec, err = s.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)

	pending, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, retryable, pending[0].ID)
}

func testAttemptNumbering(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/n.tif")

	complete(t, s, id, 1, models.StatusFailed, 10)
	n, err := s.Sweep(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	complete(t, s, id, 2, models.StatusFailed, 10)
	n, err = s.Sweep(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	complete(t, s, id, 3, models.StatusCompleted, 10)

	n, err = s.Sweep(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := s.AttemptLog(ctx, id)
	require.NoError(t, err)

	last := 0
	seen := map[int]bool{}
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.AttemptNumber, last, "attempt numbers never decrease")
		last = e.AttemptNumber
		seen[e.AttemptNumber] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen, "attempts 1..3 without gaps")
	assert.Equal(t, models.StatusCompleted, entries[len(entries)-1].Outcome)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
}

func testStatistics(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()

	empty, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AggregateStats{}, empty)

	a := register(t, s, "/scans/s1.tif")
	b := register(t, s, "/scans/s2.tif")
	c := register(t, s, "/scans/s3.tif")
	d := register(t, s, "/scans/s4.tif")
	register(t, s, "/scans/s5.tif")

	complete(t, s, a, 1, models.StatusCompleted, 100)
	complete(t, s, b, 1, models.StatusCompleted, 300)
	complete(t, s, c, 1, models.StatusFailed, 50)
	require.NoError(t, s.MarkProcessing(ctx, d, 1))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.CompletedAttempts)
	assert.InDelta(t, 200.0, stats.MeanProcessingMs, 0.001)
	assert.Equal(t, int64(100), stats.MinProcessingMs)
	assert.Equal(t, int64(300), stats.MaxProcessingMs)
	assert.Equal(t, 1, stats.FailedAttempts)
}

func testList(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	a := register(t, s, "/scans/x/1.tif")
	time.Sleep(2 * time.Millisecond)
	register(t, s, "/scans/x/2.tif")
	time.Sleep(2 * time.Millisecond)
	register(t, s, "/scans/y/3.tif")
	complete(t, s, a, 1, models.StatusCompleted, 10)

	all, err := s.List(ctx, models.FileFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed := models.StatusCompleted
	done, err := s.List(ctx, models.FileFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a, done[0].ID)

	underX, err := s.List(ctx, models.FileFilter{PathPrefix: "/scans/x/"})
	require.NoError(t, err)
	assert.Len(t, underX, 2)

	page, err := s.List(ctx, models.FileFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "/scans/x/2.tif", page[0].Path)
}

func testRecentActivity(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	a := register(t, s, "/scans/r1.tif")
	b := register(t, s, "/scans/r2.tif")
	complete(t, s, a, 1, models.StatusCompleted, 10)
	time.Sleep(2 * time.Millisecond)
	complete(t, s, b, 1, models.StatusFailed, 20)

	recent, err := s.RecentActivity(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "/scans/r2.tif", recent[0].Path, "newest first")
	assert.Equal(t, models.StatusFailed, recent[0].Outcome)
	assert.Equal(t, models.StatusProcessing, recent[1].Outcome)
	assert.Equal(t, "/scans/r1.tif", recent[2].Path)

	for _, limit := range []int{0, -1} {
		recent, err := s.RecentActivity(ctx, limit)
		require.NoError(t, err)
		assert.Empty(t, recent, "limit %d", limit)
	}
}

func testReset(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := register(t, s, "/scans/z.tif")
	complete(t, s, id, 1, models.StatusCompleted, 10)

	require.NoError(t, s.Reset(ctx))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.CompletedAttempts)

	out, err := s.Output(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, created, err := s.Register(ctx, models.FileInput{Path: "/scans/z.tif"})
	require.NoError(t, err)
	assert.True(t, created)
}
