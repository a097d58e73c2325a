package casework

import (
	"context"
	"errors"
	"testing"

	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
)

func recordDecision(t *testing.T, st *stagecontent.Stage, decision, outcome string) {
	t.Helper()
	b := blockOf(t, st, blocks.TypeDecisions)
	if err := st.UpdateItem(b.ID, 0, blocks.DecisionItem{Decision: decision, Outcome: outcome}); err != nil {
		t.Fatalf("record decision: %v", err)
	}
}

func TestCompleteStageReturnsNextFocus(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	resp := f.addStage(t, "Response", blocks.StageResponse)
	closure := f.addStage(t, "Closure", blocks.StageClosure)
	ctx := context.Background()
	s := f.open(t, 1)

	editNote(t, s, f.caseID, inv, "root cause: reused password")
	next, err := s.CompleteStage(ctx, f.caseID, inv)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if next == nil || next.ID() != resp {
		t.Fatalf("expected focus on response stage")
	}
	st := stageOf(t, s, f.caseID, inv)
	if st.Editable() || st.Dirty() || st.EntryVersion() != 2 {
		t.Fatalf("completed stage should be saved and read-only")
	}
	if err := st.SetNoteText(blockOf(t, st, blocks.TypeNote).ID, "late"); !errors.Is(err, stagecontent.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := s.CompleteStage(ctx, f.caseID, inv); !errors.Is(err, stagecontent.ErrReadOnly) {
		t.Fatalf("completing twice: %v", err)
	}

	next, err = s.CompleteStage(ctx, f.caseID, resp)
	if err != nil || next == nil || next.ID() != closure {
		t.Fatalf("expected focus on closure stage, got %v %v", next, err)
	}
}

func TestCompleteStageAbortsOnConflict(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)
	editNote(t, b, f.caseID, inv, "B")
	if _, err := b.SaveStageContent(ctx, f.caseID, inv, SaveOptions{}); err != nil {
		t.Fatalf("save B: %v", err)
	}
	editNote(t, a, f.caseID, inv, "A")
	if _, err := a.CompleteStage(ctx, f.caseID, inv); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stage, _ := f.svc.GetStage(ctx, 1, f.caseID, inv)
	if stage.Done() {
		t.Fatalf("stage must not be completed after a failed save")
	}
}

// editingBackend runs an edit between the implicit save and the completion
// call, as a user typing during a slow request would.
type editingBackend struct {
	*LocalBackend
	edit    func() error
	editErr error
}

func (b *editingBackend) CompleteStage(ctx context.Context, caseID, stageID int64) (*store.CaseStage, error) {
	if b.edit != nil {
		b.editErr = b.edit()
	}
	return b.LocalBackend.CompleteStage(ctx, caseID, stageID)
}

func TestCompleteStageRejectsEditsInFlight(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	eb := &editingBackend{LocalBackend: NewLocalBackend(f.svc, 1)}
	s := f.openWith(t, eb)
	st := stageOf(t, s, f.caseID, inv)
	editNote(t, s, f.caseID, inv, "saved before completion")
	eb.edit = func() error {
		return st.SetNoteText(blockOf(t, st, blocks.TypeNote).ID, "typed during completion")
	}

	if _, err := s.CompleteStage(ctx, f.caseID, inv); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !errors.Is(eb.editErr, stagecontent.ErrReadOnly) {
		t.Fatalf("edit during completion should be rejected, got %v", eb.editErr)
	}
	if st.Dirty() {
		t.Fatalf("a completed stage must not hold unsaved edits")
	}
	entry, err := f.svc.GetStageContent(ctx, 1, f.caseID, inv)
	if err != nil || entry.Content != st.Serialized() {
		t.Fatalf("server copy should match the completed stage: %v", err)
	}
}

func TestCloseCaseGate(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	s := f.open(t, 1)

	if _, err := s.CloseCase(ctx, f.caseID); !errors.Is(err, cases.ErrClosureStageMissing) {
		t.Fatalf("expected closureStageMissing, got %v", err)
	}
	closure, err := s.AddStage(ctx, f.caseID, cases.AddStageInput{Title: "Closure", StageType: "closure"})
	if err != nil {
		t.Fatalf("add closure: %v", err)
	}
	if err := s.CheckClosure(f.caseID); !errors.Is(err, cases.ErrNoDecisions) {
		t.Fatalf("local gate: %v", err)
	}
	if _, err := s.CloseCase(ctx, f.caseID); !errors.Is(err, cases.ErrNoDecisions) {
		t.Fatalf("expected noDecisions, got %v", err)
	}
	recordDecision(t, closure, "Reset all finance passwords", "Approved")
	if _, err := s.CloseCase(ctx, f.caseID); !errors.Is(err, cases.ErrClosureStageNotDone) {
		t.Fatalf("expected closureStageNotDone, got %v", err)
	}
	if closure.Dirty() {
		t.Fatalf("closing should have saved the closure stage first")
	}
	if next, err := s.CompleteStage(ctx, f.caseID, closure.ID()); err != nil || next != nil {
		t.Fatalf("complete closure: %v %v", next, err)
	}
	if err := s.CheckClosure(f.caseID); err != nil {
		t.Fatalf("local gate should pass: %v", err)
	}

	var closedEvents int
	s.Subscribe(func(ev Event) {
		if ev.Type == EventCaseClosed {
			closedEvents++
		}
	})
	closed, err := s.CloseCase(ctx, f.caseID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.ReadOnly() || closed.Meta.ClosureOutcome != "approved" || closedEvents != 1 {
		t.Fatalf("unexpected closed case %+v", closed)
	}
	view, _ := s.Case(f.caseID)
	if !view.ReadOnly() || view.DisplayStatus() != "closed" {
		t.Fatalf("view not refreshed")
	}
	for _, st := range view.Stages() {
		if st.Editable() {
			t.Fatalf("stage %d still editable after close", st.ID())
		}
	}
	if _, err := s.CloseCase(ctx, f.caseID); !errors.Is(err, cases.ErrClosedReadOnly) {
		t.Fatalf("expected closedReadOnly, got %v", err)
	}
	if _, err := s.ChangeStatus(ctx, f.caseID, "open"); !errors.Is(err, cases.ErrClosedReadOnly) {
		t.Fatalf("closed case status change: %v", err)
	}
}

func TestCloseCaseAbortsOnClosureConflict(t *testing.T) {
	f := setupFixture(t)
	closureID := f.addStage(t, "Closure", blocks.StageClosure)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)
	recordDecision(t, stageOf(t, b, f.caseID, closureID), "Monitor for a week", "monitor")
	if _, err := b.SaveStageContent(ctx, f.caseID, closureID, SaveOptions{}); err != nil {
		t.Fatalf("save B: %v", err)
	}
	recordDecision(t, stageOf(t, a, f.caseID, closureID), "Close now", "approved")
	_, err := a.CloseCase(ctx, f.caseID)
	if !errors.Is(err, ErrClosureConflict) {
		t.Fatalf("expected closure conflict, got %v", err)
	}
	c, _ := f.svc.GetCase(ctx, 1, f.caseID)
	if c.ReadOnly() {
		t.Fatalf("case must stay open")
	}
}

func TestChangeStatus(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)

	if _, err := a.ChangeStatus(ctx, f.caseID, "closed"); !errors.Is(err, cases.ErrCloseUseAction) {
		t.Fatalf("closed label must go through CloseCase: %v", err)
	}
	if _, err := a.ChangeStatus(ctx, f.caseID, "sleeping"); !errors.Is(err, cases.ErrStatusInvalid) {
		t.Fatalf("unknown status: %v", err)
	}
	updated, err := a.ChangeStatus(ctx, f.caseID, "in_progress")
	if err != nil || updated.Status != "in_progress" {
		t.Fatalf("change status: %+v %v", updated, err)
	}
	view, _ := a.Case(f.caseID)
	if view.DisplayStatus() != "in_progress" || view.Record().Version != 2 {
		t.Fatalf("display not reconciled")
	}

	var changed int
	b.Subscribe(func(ev Event) {
		if ev.Type == EventCaseChanged {
			changed++
		}
	})
	if _, err := b.ChangeStatus(ctx, f.caseID, "contained"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale session should conflict, got %v", err)
	}
	if changed != 1 {
		t.Fatalf("a conflict should notify views once, got %d", changed)
	}
	bview, _ := b.Case(f.caseID)
	if bview.DisplayStatus() != "in_progress" || bview.Record().Version != 2 {
		t.Fatalf("conflict should adopt the server record, got %s", bview.DisplayStatus())
	}

	fb := &failingBackend{LocalBackend: NewLocalBackend(f.svc, 1), err: errors.New("timeout")}
	c := f.openWith(t, fb)
	var seen []string
	cview, _ := c.Case(f.caseID)
	c.Subscribe(func(ev Event) { seen = append(seen, cview.DisplayStatus()) })
	if _, err := c.ChangeStatus(ctx, f.caseID, "waiting"); err == nil {
		t.Fatalf("expected transport error")
	}
	if cview.DisplayStatus() != "in_progress" {
		t.Fatalf("display should revert, got %s", cview.DisplayStatus())
	}
	if len(seen) == 0 || seen[len(seen)-1] != "in_progress" {
		t.Fatalf("views should be told about the revert: %v", seen)
	}
}

func TestOverviewStageIsReadOnly(t *testing.T) {
	f := setupFixture(t)
	s := f.open(t, 1)
	view, _ := s.Case(f.caseID)
	overview := view.Stages()[0]
	if overview.Editable() {
		t.Fatalf("overview stage must not be block editable")
	}
	if _, err := overview.AddBlock(blocks.TypeNote, 0); !errors.Is(err, stagecontent.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := s.CompleteStage(context.Background(), f.caseID, overview.ID()); !errors.Is(err, stagecontent.ErrReadOnly) {
		t.Fatalf("overview completion: %v", err)
	}
}

func TestStageRenameAndDelete(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	s := f.open(t, 1)
	title := "Deep dive"
	if err := s.UpdateStage(ctx, f.caseID, inv, cases.StagePatch{Title: &title}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if rec := stageOf(t, s, f.caseID, inv).Record(); rec.Title != title || rec.Version != 2 {
		t.Fatalf("rename not applied: %+v", rec)
	}
	if err := s.DeleteStage(ctx, f.caseID, inv); err != nil {
		t.Fatalf("delete: %v", err)
	}
	view, _ := s.Case(f.caseID)
	if view.Stage(inv) != nil || len(view.Stages()) != 1 {
		t.Fatalf("stage still in view")
	}
}
