package processor

import (
	"context"
	"testing"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/storage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycleFixture(t *testing.T, status string) (*LifecycleManager, *MockIdentityStore, uint) {
	t.Helper()
	store := NewMockIdentityStore()
	person := &models.Person{
		FullName:    "Alice",
		Email:       "alice@x.com",
		ResumeFiles: []models.ResumeFile{{FileName: "a.pdf", Status: status}},
	}
	require.NoError(t, store.CreatePersonWithChildren(context.Background(), person))

	lm, err := NewLifecycleManager(store, nil)
	require.NoError(t, err)
	return lm, store, person.ResumeFiles[0].ID
}

func TestLifecycle_AdvanceFromQueued(t *testing.T) {
	for _, outcome := range []string{constants.StatusSuccess, constants.StatusError} {
		lm, store, resumeID := newLifecycleFixture(t, constants.StatusQueued)

		require.NoError(t, lm.Advance(context.Background(), resumeID, outcome))
		file, err := store.GetResumeFile(context.Background(), resumeID)
		require.NoError(t, err)
		assert.Equal(t, outcome, file.Status)
	}
}

func TestLifecycle_AdvanceRejectsTerminalStates(t *testing.T) {
	// SUCCESS不能未经Requeue直接改写，ERROR同理
	for _, current := range []string{constants.StatusSuccess, constants.StatusError} {
		lm, _, resumeID := newLifecycleFixture(t, current)

		err := lm.Advance(context.Background(), resumeID, constants.StatusSuccess)
		assert.ErrorIs(t, err, ErrConflictingState)
	}
}

func TestLifecycle_AdvanceRejectsQueuedTarget(t *testing.T) {
	lm, _, resumeID := newLifecycleFixture(t, constants.StatusQueued)

	err := lm.Advance(context.Background(), resumeID, constants.StatusQueued)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestLifecycle_AdvanceUnknownIDIsNotFound(t *testing.T) {
	lm, _, _ := newLifecycleFixture(t, constants.StatusQueued)

	err := lm.Advance(context.Background(), 9999, constants.StatusSuccess)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestLifecycle_Requeue(t *testing.T) {
	for _, current := range []string{constants.StatusSuccess, constants.StatusError} {
		lm, store, resumeID := newLifecycleFixture(t, current)

		require.NoError(t, lm.Requeue(context.Background(), resumeID))
		file, err := store.GetResumeFile(context.Background(), resumeID)
		require.NoError(t, err)
		assert.Equal(t, constants.StatusQueued, file.Status)
	}
}

func TestLifecycle_RequeueRejectsQueued(t *testing.T) {
	lm, _, resumeID := newLifecycleFixture(t, constants.StatusQueued)

	err := lm.Requeue(context.Background(), resumeID)
	assert.ErrorIs(t, err, ErrConflictingState)
}

func TestLifecycle_EnsureUpdatable(t *testing.T) {
	lm, _, resumeID := newLifecycleFixture(t, constants.StatusSuccess)
	file, err := lm.EnsureUpdatable(context.Background(), resumeID)
	require.NoError(t, err)
	assert.Equal(t, resumeID, file.ID)

	for _, current := range []string{constants.StatusQueued, constants.StatusError} {
		lm, _, resumeID := newLifecycleFixture(t, current)
		_, err := lm.EnsureUpdatable(context.Background(), resumeID)
		assert.ErrorIs(t, err, ErrConflictingState)
	}
}
