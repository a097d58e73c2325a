package casework

import (
	"context"
	"errors"

	"berkut-cases/core/cases"
	"berkut-cases/core/store"
)

// Backend is the transport a session talks to. Implementations return
// store.ErrConflict or cases.ErrConflictVersion on a stale expected version
// and *cases.Error for validation failures. Any other error is treated as a
// transport failure.
type Backend interface {
	GetCase(ctx context.Context, caseID int64) (*store.Case, error)
	ListStages(ctx context.Context, caseID int64) ([]store.CaseStage, error)
	GetStageEntry(ctx context.Context, caseID, stageID int64) (*store.StageEntry, error)
	PutStageEntry(ctx context.Context, caseID, stageID int64, content, changeReason string, expectedVersion int) (*store.StageEntry, error)
	PutCase(ctx context.Context, caseID int64, patch cases.CasePatch, expectedVersion int) (*store.Case, error)
	AddStage(ctx context.Context, caseID int64, in cases.AddStageInput) (*store.CaseStage, *store.StageEntry, error)
	UpdateStage(ctx context.Context, caseID, stageID int64, patch cases.StagePatch, expectedVersion int) (*store.CaseStage, error)
	DeleteStage(ctx context.Context, caseID, stageID int64, expectedVersion int) error
	CompleteStage(ctx context.Context, caseID, stageID int64) (*store.CaseStage, error)
	CloseCase(ctx context.Context, caseID int64) (*store.Case, error)
}

var (
	// ErrConflict reports that the server holds a newer version than the one
	// the local edit was based on.
	ErrConflict = errors.New("casework: version conflict")
	// ErrClosureConflict aborts a close because the closure stage could not be
	// saved without overwriting someone else's change.
	ErrClosureConflict = errors.New("casework: closure stage changed on the server")
	ErrCaseNotOpen     = errors.New("casework: case is not open in this session")
	ErrStageNotFound   = errors.New("casework: stage not found")
)

// IsConflict reports whether err is a version conflict from any layer.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, cases.ErrConflictVersion) || errors.Is(err, store.ErrConflict)
}

// IsTransport reports whether err is neither a conflict nor a validation
// rejection, so local state should be kept for a later retry.
func IsTransport(err error) bool {
	if err == nil || IsConflict(err) {
		return false
	}
	var ce *cases.Error
	return !errors.As(err, &ce)
}

// LocalBackend runs a session directly against the service as one user.
// The CLI uses it when pointed at a database instead of a server.
type LocalBackend struct {
	svc    *cases.Service
	userID int64
}

func NewLocalBackend(svc *cases.Service, userID int64) *LocalBackend {
	return &LocalBackend{svc: svc, userID: userID}
}

func (b *LocalBackend) GetCase(ctx context.Context, caseID int64) (*store.Case, error) {
	return b.svc.GetCase(ctx, b.userID, caseID)
}

func (b *LocalBackend) ListStages(ctx context.Context, caseID int64) ([]store.CaseStage, error) {
	return b.svc.ListStages(ctx, b.userID, caseID)
}

func (b *LocalBackend) GetStageEntry(ctx context.Context, caseID, stageID int64) (*store.StageEntry, error) {
	return b.svc.GetStageContent(ctx, b.userID, caseID, stageID)
}

func (b *LocalBackend) PutStageEntry(ctx context.Context, caseID, stageID int64, content, changeReason string, expectedVersion int) (*store.StageEntry, error) {
	return b.svc.UpdateStageContent(ctx, b.userID, caseID, stageID, content, changeReason, expectedVersion)
}

func (b *LocalBackend) PutCase(ctx context.Context, caseID int64, patch cases.CasePatch, expectedVersion int) (*store.Case, error) {
	return b.svc.UpdateCase(ctx, b.userID, caseID, patch, expectedVersion)
}

func (b *LocalBackend) AddStage(ctx context.Context, caseID int64, in cases.AddStageInput) (*store.CaseStage, *store.StageEntry, error) {
	return b.svc.AddStage(ctx, b.userID, caseID, in)
}

func (b *LocalBackend) UpdateStage(ctx context.Context, caseID, stageID int64, patch cases.StagePatch, expectedVersion int) (*store.CaseStage, error) {
	return b.svc.UpdateStage(ctx, b.userID, caseID, stageID, patch, expectedVersion)
}

func (b *LocalBackend) DeleteStage(ctx context.Context, caseID, stageID int64, expectedVersion int) error {
	return b.svc.DeleteStage(ctx, b.userID, caseID, stageID, expectedVersion)
}

func (b *LocalBackend) CompleteStage(ctx context.Context, caseID, stageID int64) (*store.CaseStage, error) {
	return b.svc.CompleteStage(ctx, b.userID, caseID, stageID)
}

func (b *LocalBackend) CloseCase(ctx context.Context, caseID int64) (*store.Case, error) {
	return b.svc.CloseCase(ctx, b.userID, caseID)
}
