package checkpoint_test

import (
	"context"
	"testing"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/checkpoint/checkpointtest"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	checkpointtest.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := checkpoint.NewMemoryStore()

	id, _, err := s.Register(ctx, models.FileInput{Path: "/a.png", Name: "a.png"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	rec.Status = models.StatusCompleted

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status, "mutating a returned record must not touch the store")
}

func TestRegisterRejectsEmptyPath(t *testing.T) {
	s := checkpoint.NewMemoryStore()
	_, _, err := s.Register(context.Background(), models.FileInput{})
	assert.Error(t, err)
}

func TestValidateOutcome(t *testing.T) {
	tests := []struct {
		name    string
		out     models.OutcomeInput
		wantErr bool
	}{
		{"completed", models.OutcomeInput{AttemptNumber: 1, Outcome: models.StatusCompleted}, false},
		{"failed", models.OutcomeInput{AttemptNumber: 2, Outcome: models.StatusFailed}, false},
		{"processing is not terminal", models.OutcomeInput{AttemptNumber: 1, Outcome: models.StatusProcessing}, true},
		{"zero attempt", models.OutcomeInput{AttemptNumber: 0, Outcome: models.StatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkpoint.ValidateOutcome(tt.out)
			if tt.wantErr {
				assert.ErrorIs(t, err, checkpoint.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
