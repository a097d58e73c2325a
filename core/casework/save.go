package casework

import (
	"context"
	"fmt"

	"berkut-cases/core/cases"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
)

type SaveOptions struct {
	// Silent saves come from autosave: they skip a stage whose previous
	// save is still running and never interrupt the user.
	Silent       bool
	ChangeReason string
}

type SaveResult struct {
	StageID int64
	Saved   bool
	Skipped bool
	Version int
}

// SaveReport collects the outcome of saving several stages. One stage
// failing does not stop the others.
type SaveReport struct {
	Results []SaveResult
	Errors  map[int64]error
}

func (r SaveReport) AllSaved() bool {
	return len(r.Errors) == 0
}

func (r SaveReport) Failed(stageID int64) error {
	return r.Errors[stageID]
}

func (r SaveReport) Conflicts() []int64 {
	var ids []int64
	for _, res := range r.Results {
		if err := r.Errors[res.StageID]; err != nil && IsConflict(err) {
			ids = append(ids, res.StageID)
		}
	}
	return ids
}

// SaveStageContent writes the stage's current document with the version it
// was based on. A clean or read-only stage is a no-op. On conflict local
// edits are left untouched and ErrConflict is returned; on transport failure
// the stage stays dirty.
func (s *Session) SaveStageContent(ctx context.Context, caseID, stageID int64, opts SaveOptions) (SaveResult, error) {
	_, st, err := s.stage(caseID, stageID)
	if err != nil {
		return SaveResult{StageID: stageID}, err
	}
	return s.saveStage(ctx, caseID, st, opts)
}

// SaveDirtyStages saves every dirty stage of an open case independently.
func (s *Session) SaveDirtyStages(ctx context.Context, caseID int64, opts SaveOptions) (SaveReport, error) {
	report := SaveReport{Errors: map[int64]error{}}
	view, err := s.Case(caseID)
	if err != nil {
		return report, err
	}
	for _, st := range view.DirtyStages() {
		res, err := s.saveStage(ctx, caseID, st, opts)
		report.Results = append(report.Results, res)
		if err != nil {
			report.Errors[st.ID()] = err
		}
	}
	return report, nil
}

func (s *Session) saveStage(ctx context.Context, caseID int64, st *stagecontent.Stage, opts SaveOptions) (SaveResult, error) {
	res := SaveResult{StageID: st.ID(), Version: st.EntryVersion()}
	if !st.Dirty() || !st.Editable() {
		res.Skipped = true
		return res, nil
	}
	if opts.Silent {
		if !st.TryLockSave() {
			s.logger.Debugf("casework: stage %d save already in flight, skipping", st.ID())
			res.Skipped = true
			return res, nil
		}
	} else {
		st.LockSave()
	}
	defer st.UnlockSave()

	// the save we waited on may have covered these edits
	if !st.Dirty() || !st.Editable() {
		res.Skipped = true
		res.Version = st.EntryVersion()
		return res, nil
	}
	serialized, version := st.Snapshot()
	entry, err := s.backend.PutStageEntry(ctx, caseID, st.ID(), serialized, opts.ChangeReason, version)
	if err != nil {
		if IsConflict(err) {
			s.logger.Printf("casework: stage %d changed on the server since v%d", st.ID(), version)
			s.emit(Event{Type: EventStageConflict, CaseID: caseID, StageID: st.ID(), Version: version, Err: err})
			return res, fmt.Errorf("stage %d: %w", st.ID(), ErrConflict)
		}
		if IsTransport(err) {
			s.logger.Errorf("casework: save stage %d: %v", st.ID(), err)
		}
		return res, err
	}
	st.MarkSaved(serialized, entry.Version)
	res.Saved = true
	res.Version = entry.Version
	s.emit(Event{Type: EventStageSaved, CaseID: caseID, StageID: st.ID(), Version: entry.Version})
	return res, nil
}

// ReloadStage discards local edits and loads the server's current document.
func (s *Session) ReloadStage(ctx context.Context, caseID, stageID int64) error {
	_, st, err := s.stage(caseID, stageID)
	if err != nil {
		return err
	}
	entry, err := s.backend.GetStageEntry(ctx, caseID, stageID)
	if err != nil {
		return err
	}
	st.Reload(entry)
	s.emit(Event{Type: EventStageReloaded, CaseID: caseID, StageID: stageID, Version: st.EntryVersion()})
	return nil
}

// RebaseStage keeps local edits but bases them on the server's current
// version, so the next save replaces what the other writer stored. Only an
// explicit user decision should lead here.
func (s *Session) RebaseStage(ctx context.Context, caseID, stageID int64) error {
	_, st, err := s.stage(caseID, stageID)
	if err != nil {
		return err
	}
	entry, err := s.backend.GetStageEntry(ctx, caseID, stageID)
	if err != nil {
		return err
	}
	st.Rebase(entry)
	return nil
}

// SaveCaseField writes case fields against the locally known case version.
// On conflict the server's record is adopted and ErrConflict returned; the
// change is not retried.
func (s *Session) SaveCaseField(ctx context.Context, caseID int64, patch cases.CasePatch) (*store.Case, error) {
	view, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	rec := view.Record()
	if rec.ReadOnly() {
		return nil, cases.ErrClosedReadOnly
	}
	updated, err := s.backend.PutCase(ctx, caseID, patch, rec.Version)
	if err != nil {
		if IsConflict(err) {
			ev := Event{Type: EventCaseChanged, CaseID: caseID, Err: ErrConflict}
			if fresh, ferr := s.backend.GetCase(ctx, caseID); ferr == nil {
				view.adopt(*fresh)
				ev.Version = fresh.Version
			} else {
				s.logger.Errorf("casework: refetch case %d after conflict: %v", caseID, ferr)
			}
			s.emit(ev)
			return nil, fmt.Errorf("case %d: %w", caseID, ErrConflict)
		}
		return nil, err
	}
	view.adopt(*updated)
	s.emit(Event{Type: EventCaseChanged, CaseID: caseID, Version: updated.Version})
	return updated, nil
}
