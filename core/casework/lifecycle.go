package casework

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"berkut-cases/core/cases"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
)

// ChangeStatus sets a non-terminal status label. The view shows the new
// value at once; it is reconciled with the server's record on success and
// reverted to it on any failure.
func (s *Session) ChangeStatus(ctx context.Context, caseID int64, status string) (*store.Case, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == store.CaseStatusClosed {
		return nil, cases.ErrCloseUseAction
	}
	if !cases.ValidStatus(status) {
		return nil, cases.ErrStatusInvalid
	}
	view, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	if view.ReadOnly() {
		return nil, cases.ErrClosedReadOnly
	}
	view.setDisplayStatus(status)
	updated, err := s.SaveCaseField(ctx, caseID, cases.CasePatch{Status: &status})
	if err != nil {
		view.resetDisplayStatus()
		if !IsConflict(err) {
			s.emit(Event{Type: EventCaseChanged, CaseID: caseID, Err: err})
		}
		return nil, err
	}
	return updated, nil
}

// CompleteStage saves pending edits, marks the stage done and returns the
// stage that should get focus next, or nil.
func (s *Session) CompleteStage(ctx context.Context, caseID, stageID int64) (*stagecontent.Stage, error) {
	view, st, err := s.stage(caseID, stageID)
	if err != nil {
		return nil, err
	}
	if !st.Editable() {
		return nil, stagecontent.ErrReadOnly
	}
	st.BeginComplete()
	defer st.EndComplete()
	if st.Dirty() {
		if _, err := s.saveStage(ctx, caseID, st, SaveOptions{}); err != nil {
			return nil, err
		}
	}
	rec, err := s.backend.CompleteStage(ctx, caseID, stageID)
	if err != nil {
		return nil, err
	}
	st.SetRecord(*rec)
	s.emit(Event{Type: EventStageCompleted, CaseID: caseID, StageID: stageID, Version: rec.Version})
	next := cases.NextFocus(view.records(), *rec)
	if next == nil {
		return nil, nil
	}
	return view.Stage(next.ID), nil
}

// CloseCase saves a dirty closure stage, then asks the server to close the
// case. The server evaluates the closing gate against stored state. On
// success every stage becomes read-only.
func (s *Session) CloseCase(ctx context.Context, caseID int64) (*store.Case, error) {
	view, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	if view.ReadOnly() {
		return nil, cases.ErrClosedReadOnly
	}
	for _, st := range view.Stages() {
		if !cases.IsClosureStage(st.Record()) || !st.Dirty() {
			continue
		}
		if _, err := s.saveStage(ctx, caseID, st, SaveOptions{ChangeReason: "closing case"}); err != nil {
			if IsConflict(err) {
				return nil, fmt.Errorf("stage %d: %w", st.ID(), ErrClosureConflict)
			}
			return nil, err
		}
	}
	closed, err := s.backend.CloseCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, cases.ErrClosedReadOnly) {
			if fresh, ferr := s.backend.GetCase(ctx, caseID); ferr == nil {
				view.adopt(*fresh)
			}
		}
		return nil, err
	}
	view.adopt(*closed)
	s.emit(Event{Type: EventCaseClosed, CaseID: caseID, Version: closed.Version})
	return closed, nil
}

// CheckClosure runs the closing gate against the local view without talking
// to the server.
func (s *Session) CheckClosure(caseID int64) error {
	view, err := s.Case(caseID)
	if err != nil {
		return err
	}
	stages := view.Stages()
	contents := make([]cases.StageContent, 0, len(stages))
	for _, st := range stages {
		contents = append(contents, cases.StageContent{Stage: st.Record(), Blocks: st.Blocks()})
	}
	_, err = cases.CheckClosure(view.ReadOnly(), contents)
	return err
}

func (s *Session) AddStage(ctx context.Context, caseID int64, in cases.AddStageInput) (*stagecontent.Stage, error) {
	view, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	if view.ReadOnly() {
		return nil, cases.ErrClosedReadOnly
	}
	rec, entry, err := s.backend.AddStage(ctx, caseID, in)
	if err != nil {
		return nil, err
	}
	st := stagecontent.Load(*rec, entry, false)
	view.addStage(st)
	s.emit(Event{Type: EventStageAdded, CaseID: caseID, StageID: rec.ID, Version: st.EntryVersion()})
	return st, nil
}

// UpdateStage renames or moves a stage against the stage record version.
func (s *Session) UpdateStage(ctx context.Context, caseID, stageID int64, patch cases.StagePatch) error {
	view, st, err := s.stage(caseID, stageID)
	if err != nil {
		return err
	}
	rec, err := s.backend.UpdateStage(ctx, caseID, stageID, patch, st.Record().Version)
	if err != nil {
		if IsConflict(err) {
			return fmt.Errorf("stage %d: %w", stageID, ErrConflict)
		}
		return err
	}
	st.SetRecord(*rec)
	view.sortStages()
	s.emit(Event{Type: EventCaseChanged, CaseID: caseID, StageID: stageID, Version: rec.Version})
	return nil
}

func (s *Session) DeleteStage(ctx context.Context, caseID, stageID int64) error {
	view, st, err := s.stage(caseID, stageID)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteStage(ctx, caseID, stageID, st.Record().Version); err != nil {
		if IsConflict(err) {
			return fmt.Errorf("stage %d: %w", stageID, ErrConflict)
		}
		return err
	}
	view.removeStage(stageID)
	s.emit(Event{Type: EventCaseChanged, CaseID: caseID, StageID: stageID})
	return nil
}
