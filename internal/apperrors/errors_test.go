package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCarriesAuditContext(t *testing.T) {
	err := Persistence("decision", "task-1", errors.New("connection refused"))

	assert.Equal(t, KindPersistence, err.Kind)
	assert.Equal(t, "task-1", err.TaskID)
	assert.Equal(t, "decision", err.Component)
	assert.False(t, err.Time.IsZero())
	assert.Contains(t, err.Error(), "task-1")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := MeshConflict("mesh", "task-9", "delegation already active")
	wrapped := fmt.Errorf("failed to offer delegation: %w", base)

	assert.Equal(t, KindMeshConflict, KindOf(wrapped))
	assert.True(t, IsMeshConflict(wrapped))
	assert.False(t, IsValidation(wrapped))

	var target *Error
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "task-9", target.TaskID)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindNotFound))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := ExecutionTimeout("worker", "task-2", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsTimeout(err))
}

func TestErrorWithoutTaskID(t *testing.T) {
	err := VoteClosed("mesh", "vote-1")
	assert.Equal(t, "mesh [vote_closed]: vote vote-1 no longer accepts ballots", err.Error())
}
