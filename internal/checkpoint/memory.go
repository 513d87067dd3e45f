package checkpoint

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/ocrbatch/internal/models"
)

// MemoryStore is a Store held entirely in process memory.
// It is used by tests and by dry runs; nothing survives a restart.
// All methods are thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]*models.FileRecord
	byPath  map[string]string
	log     []models.AttemptLogEntry
	outputs map[string]models.ExtractedOutput
	seq     int64

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]*models.FileRecord),
		byPath:  make(map[string]string),
		outputs: make(map[string]models.ExtractedOutput),
		now:     time.Now,
	}
}

// tick returns a timestamp strictly after every previous one so registration
// order survives coarse clocks.
// Caller must hold write lock.
func (s *MemoryStore) tick() time.Time {
	t := s.now()
	s.seq++
	return t.Add(time.Duration(s.seq))
}

func (s *MemoryStore) Register(_ context.Context, in models.FileInput) (string, bool, error) {
	if in.Path == "" {
		return "", false, fmt.Errorf("register: empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPath[in.Path]; ok {
		return id, false, nil
	}

	now := s.tick()
	rec := &models.FileRecord{
		ID:           uuid.NewString(),
		Path:         in.Path,
		Name:         in.Name,
		SizeBytes:    in.SizeBytes,
		Type:         in.Type,
		Status:       models.StatusPending,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	s.files[rec.ID] = rec
	s.byPath[rec.Path] = rec.ID
	return rec.ID, true, nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int) ([]models.FileRecord, error) {
	if limit <= 0 {
		return []models.FileRecord{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]models.FileRecord, 0)
	for _, rec := range s.files {
		if rec.Status == models.StatusPending {
			pending = append(pending, *rec)
		}
	}
	sortByRegistration(pending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[id]
	if !ok {
		return fmt.Errorf("mark processing %s: %w", id, ErrNotFound)
	}
	if rec.Status != models.StatusPending {
		return fmt.Errorf("mark processing %s: status is %s: %w", id, rec.Status, ErrInvalidTransition)
	}
	if attempt != rec.Attempts+1 {
		return fmt.Errorf("mark processing %s: attempt %d after %d: %w", id, attempt, rec.Attempts, ErrInvalidTransition)
	}

	now := s.tick()
	rec.Status = models.StatusProcessing
	rec.Attempts = attempt
	rec.UpdatedAt = now
	s.appendLog(models.AttemptLogEntry{
		FileID:        id,
		AttemptNumber: attempt,
		Outcome:       models.StatusProcessing,
		CreatedAt:     now,
	})
	return nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, out models.OutcomeInput) error {
	if err := ValidateOutcome(out); err != nil {
		return fmt.Errorf("record outcome %s: %w", out.FileID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[out.FileID]
	if !ok {
		return fmt.Errorf("record outcome %s: %w", out.FileID, ErrNotFound)
	}
	if rec.Status != models.StatusProcessing || rec.Attempts != out.AttemptNumber {
		return fmt.Errorf("record outcome %s: status %s attempt %d: %w",
			out.FileID, rec.Status, rec.Attempts, ErrInvalidTransition)
	}

	now := s.tick()
	rec.Status = out.Outcome
	rec.UpdatedAt = now
	s.appendLog(models.AttemptLogEntry{
		FileID:           out.FileID,
		AttemptNumber:    out.AttemptNumber,
		Outcome:          out.Outcome,
		ProcessingTimeMs: out.ProcessingTimeMs,
		OutputLength:     out.OutputLength,
		ErrorDetail:      out.ErrorDetail,
		EngineMetadata:   maps.Clone(out.EngineMetadata),
		CreatedAt:        now,
	})
	if out.Outcome == models.StatusCompleted {
		s.outputs[out.FileID] = models.ExtractedOutput{
			FileID:         out.FileID,
			ContentPointer: out.ContentPointer,
			ContentLength:  out.OutputLength,
			ProducedAt:     now,
		}
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for _, rec := range s.files {
		if rec.Status != models.StatusFailed || rec.Attempts >= maxAttempts {
			continue
		}
		now := s.tick()
		rec.Status = models.StatusPending
		rec.UpdatedAt = now
		s.appendLog(models.AttemptLogEntry{
			FileID:         rec.ID,
			AttemptNumber:  rec.Attempts,
			Outcome:        models.StatusPending,
			ErrorDetail:    models.StringPtr(SweepDetail),
			EngineMetadata: map[string]string{"action": "sweep"},
			CreatedAt:      now,
		})
		reset++
	}
	return reset, nil
}

// SweepDetail is the error_detail written on sweep audit entries.
const SweepDetail = "reset for retry"

// appendLog assigns a sequence number and appends an entry.
// Caller must hold write lock.
func (s *MemoryStore) appendLog(e models.AttemptLogEntry) {
	e.Seq = int64(len(s.log) + 1)
	s.log = append(s.log, e)
}

func (s *MemoryStore) Statistics(_ context.Context) (models.AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.AggregateStats
	for _, rec := range s.files {
		stats.Total++
		switch rec.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusProcessing:
			stats.Processing++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		}
	}

	var total int64
	stats.MinProcessingMs = math.MaxInt64
	for _, e := range s.log {
		switch e.Outcome {
		case models.StatusCompleted:
			stats.CompletedAttempts++
			total += e.ProcessingTimeMs
			stats.MinProcessingMs = min(stats.MinProcessingMs, e.ProcessingTimeMs)
			stats.MaxProcessingMs = max(stats.MaxProcessingMs, e.ProcessingTimeMs)
		case models.StatusFailed:
			stats.FailedAttempts++
		}
	}
	if stats.CompletedAttempts > 0 {
		stats.MeanProcessingMs = float64(total) / float64(stats.CompletedAttempts)
	} else {
		stats.MinProcessingMs = 0
	}
	return stats, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	s.mu.RLock()
	id, ok := s.byPath[path]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) List(_ context.Context, filter models.FileFilter) ([]models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FileRecord, 0, len(s.files))
	for _, rec := range s.files {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.PathPrefix != "" && !strings.HasPrefix(rec.Path, filter.PathPrefix) {
			continue
		}
		out = append(out, *rec)
	}
	sortByRegistration(out)

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []models.FileRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AttemptLog(_ context.Context, id string) ([]models.AttemptLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.AttemptLogEntry, 0)
	for _, e := range s.log {
		if e.FileID == id {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MemoryStore) Output(_ context.Context, id string) (*models.ExtractedOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, ok := s.outputs[id]
	if !ok {
		return nil, nil
	}
	return &out, nil
}

func (s *MemoryStore) RecentActivity(_ context.Context, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		return []models.Activity{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	activity := make([]models.Activity, 0, limit)
	for i := len(s.log) - 1; i >= 0 && len(activity) < limit; i-- {
		e := s.log[i]
		var path string
		if rec, ok := s.files[e.FileID]; ok {
			path = rec.Path
		}
		activity = append(activity, models.Activity{
			FileID:           e.FileID,
			Path:             path,
			AttemptNumber:    e.AttemptNumber,
			Outcome:          e.Outcome,
			ProcessingTimeMs: e.ProcessingTimeMs,
			ErrorDetail:      e.ErrorDetail,
			At:               e.CreatedAt,
		})
	}
	return activity, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = make(map[string]*models.FileRecord)
	s.byPath = make(map[string]string)
	s.outputs = make(map[string]models.ExtractedOutput)
	s.log = nil
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func sortByRegistration(recs []models.FileRecord) {
	slices.SortFunc(recs, func(a, b models.FileRecord) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
