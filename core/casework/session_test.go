package casework

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"berkut-cases/config"
	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/rbac"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

type fixture struct {
	svc    *cases.Service
	caseID int64
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "casework.db"),
		Cases:    config.CasesConfig{RegNoFormat: "CASE-{year}-{seq:05}", MaxContentBytes: 64 * 1024, TimelineLimit: 50},
	}
	logger := utils.NewLoggerWithWriter(nil, "error")
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cs := store.NewCasesStore(db)
	authz, err := rbac.NewCaseEnforcer(cs, nil)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	svc := cases.NewService(cfg, cs, authz, logger)
	assignee := int64(2)
	c, err := svc.CreateCase(context.Background(), 1, cases.CreateCaseInput{Title: "Phishing wave", Severity: "high", AssigneeUserID: &assignee})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return &fixture{svc: svc, caseID: c.ID}
}

func (f *fixture) addStage(t *testing.T, title string, stageType blocks.StageType) int64 {
	t.Helper()
	st, _, err := f.svc.AddStage(context.Background(), 1, f.caseID, cases.AddStageInput{Title: title, StageType: string(stageType)})
	if err != nil {
		t.Fatalf("add stage %s: %v", title, err)
	}
	return st.ID
}

func (f *fixture) open(t *testing.T, userID int64) *Session {
	t.Helper()
	return f.openWith(t, NewLocalBackend(f.svc, userID))
}

func (f *fixture) openWith(t *testing.T, backend Backend) *Session {
	t.Helper()
	s := NewSession(backend, nil)
	if _, err := s.Open(context.Background(), f.caseID); err != nil {
		t.Fatalf("open case: %v", err)
	}
	return s
}

func blockOf(t *testing.T, st *stagecontent.Stage, typ blocks.Type) blocks.Block {
	t.Helper()
	for _, b := range st.Blocks() {
		if b.Type == typ {
			return b
		}
	}
	t.Fatalf("stage %d has no %s block", st.ID(), typ)
	return blocks.Block{}
}

func editNote(t *testing.T, s *Session, caseID, stageID int64, text string) {
	t.Helper()
	view, _ := s.Case(caseID)
	st := view.Stage(stageID)
	if err := st.SetNoteText(blockOf(t, st, blocks.TypeNote).ID, text); err != nil {
		t.Fatalf("edit note: %v", err)
	}
}

func stageOf(t *testing.T, s *Session, caseID, stageID int64) *stagecontent.Stage {
	t.Helper()
	view, err := s.Case(caseID)
	if err != nil {
		t.Fatalf("case: %v", err)
	}
	st := view.Stage(stageID)
	if st == nil {
		t.Fatalf("stage %d not loaded", stageID)
	}
	return st
}

func TestOpenLoadsStagesInOrder(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	resp := f.addStage(t, "Response", blocks.StageResponse)
	var events []Event
	s := NewSession(NewLocalBackend(f.svc, 1), nil)
	s.Subscribe(func(ev Event) { events = append(events, ev) })
	view, err := s.Open(context.Background(), f.caseID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stages := view.Stages()
	if len(stages) != 3 || !stages[0].Record().IsDefault || stages[1].ID() != inv || stages[2].ID() != resp {
		t.Fatalf("unexpected stage order")
	}
	for _, st := range stages {
		if st.Dirty() {
			t.Fatalf("stage %d dirty after open", st.ID())
		}
	}
	if again, _ := s.Open(context.Background(), f.caseID); again != view {
		t.Fatalf("reopening should return the same view")
	}
	if len(events) != 1 || events[0].Type != EventCaseOpened {
		t.Fatalf("expected one open event, got %+v", events)
	}
	if !s.Close(f.caseID) || s.Close(f.caseID) {
		t.Fatalf("close should report whether the case was open")
	}
	if _, err := s.Case(f.caseID); !errors.Is(err, ErrCaseNotOpen) {
		t.Fatalf("expected ErrCaseNotOpen, got %v", err)
	}
}

func TestSaveIsNoopWhenClean(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	s := f.open(t, 1)
	res, err := s.SaveStageContent(context.Background(), f.caseID, inv, SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved || !res.Skipped || res.Version != 1 {
		t.Fatalf("clean save should be skipped: %+v", res)
	}
	entry, _ := f.svc.GetStageContent(context.Background(), 1, f.caseID, inv)
	if entry.Version != 1 {
		t.Fatalf("server version moved to %d", entry.Version)
	}
}

func TestVersionsIncreaseByOnePerSave(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	s := f.open(t, 1)
	for i, text := range []string{"one", "two", "three"} {
		editNote(t, s, f.caseID, inv, text)
		res, err := s.SaveStageContent(context.Background(), f.caseID, inv, SaveOptions{ChangeReason: "note"})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if !res.Saved || res.Version != i+2 {
			t.Fatalf("save %d: %+v", i, res)
		}
	}
	st := stageOf(t, s, f.caseID, inv)
	if st.Dirty() || st.EntryVersion() != 4 {
		t.Fatalf("expected clean stage at v4, got dirty=%v v%d", st.Dirty(), st.EntryVersion())
	}
}

func TestConcurrentSessionsConflict(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)

	editNote(t, a, f.caseID, inv, "from A")
	if _, err := a.SaveStageContent(ctx, f.caseID, inv, SaveOptions{}); err != nil {
		t.Fatalf("save A: %v", err)
	}
	var conflicts int
	b.Subscribe(func(ev Event) {
		if ev.Type == EventStageConflict {
			conflicts++
		}
	})
	editNote(t, b, f.caseID, inv, "from B")
	_, err := b.SaveStageContent(ctx, f.caseID, inv, SaveOptions{})
	if !errors.Is(err, ErrConflict) || !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflicts != 1 {
		t.Fatalf("expected a conflict event")
	}
	st := stageOf(t, b, f.caseID, inv)
	if !st.Dirty() || st.EntryVersion() != 1 || blockOf(t, st, blocks.TypeNote).Text != "from B" {
		t.Fatalf("conflict must leave local state untouched")
	}
	entry, _ := f.svc.GetStageContent(ctx, 1, f.caseID, inv)
	if entry.Version != 2 || blocks.ParseContent(entry.Content).Blocks[0].Text != "from A" {
		t.Fatalf("server content overwritten")
	}

	if err := b.ReloadStage(ctx, f.caseID, inv); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if st.Dirty() || st.EntryVersion() != 2 || blockOf(t, st, blocks.TypeNote).Text != "from A" {
		t.Fatalf("reload should adopt the server document")
	}
}

func TestRebaseThenSaveOverwritesByChoice(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)
	editNote(t, a, f.caseID, inv, "from A")
	if _, err := a.SaveStageContent(ctx, f.caseID, inv, SaveOptions{}); err != nil {
		t.Fatalf("save A: %v", err)
	}
	editNote(t, b, f.caseID, inv, "from B")
	if _, err := b.SaveStageContent(ctx, f.caseID, inv, SaveOptions{}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := b.RebaseStage(ctx, f.caseID, inv); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	res, err := b.SaveStageContent(ctx, f.caseID, inv, SaveOptions{ChangeReason: "kept my notes"})
	if err != nil || res.Version != 3 {
		t.Fatalf("save after rebase: %+v %v", res, err)
	}
}

func TestSaveDirtyStagesReportsPerStage(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	resp := f.addStage(t, "Response", blocks.StageResponse)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)
	editNote(t, b, f.caseID, resp, "other writer")
	if _, err := b.SaveStageContent(ctx, f.caseID, resp, SaveOptions{}); err != nil {
		t.Fatalf("save B: %v", err)
	}
	editNote(t, a, f.caseID, inv, "inv notes")
	editNote(t, a, f.caseID, resp, "resp notes")
	report, err := a.SaveDirtyStages(ctx, f.caseID, SaveOptions{})
	if err != nil {
		t.Fatalf("save dirty: %v", err)
	}
	if report.AllSaved() || report.Failed(inv) != nil || !IsConflict(report.Failed(resp)) {
		t.Fatalf("unexpected report %+v", report)
	}
	if ids := report.Conflicts(); len(ids) != 1 || ids[0] != resp {
		t.Fatalf("conflicts %v", ids)
	}
	if stageOf(t, a, f.caseID, inv).Dirty() || !stageOf(t, a, f.caseID, resp).Dirty() {
		t.Fatalf("only the conflicted stage should stay dirty")
	}
}

// gatedBackend holds PutStageEntry until released so tests can edit while a
// save is in flight.
type gatedBackend struct {
	*LocalBackend
	started chan struct{}
	release chan struct{}
}

func (g *gatedBackend) PutStageEntry(ctx context.Context, caseID, stageID int64, content, reason string, expected int) (*store.StageEntry, error) {
	g.started <- struct{}{}
	<-g.release
	return g.LocalBackend.PutStageEntry(ctx, caseID, stageID, content, reason, expected)
}

func TestEditsDuringSaveStayDirty(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	ctx := context.Background()
	gb := &gatedBackend{LocalBackend: NewLocalBackend(f.svc, 1), started: make(chan struct{}), release: make(chan struct{})}
	s := f.openWith(t, gb)
	editNote(t, s, f.caseID, inv, "first")

	var wg sync.WaitGroup
	var first SaveResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = s.SaveStageContent(ctx, f.caseID, inv, SaveOptions{})
	}()
	<-gb.started
	editNote(t, s, f.caseID, inv, "second")
	silent, err := s.SaveStageContent(ctx, f.caseID, inv, SaveOptions{Silent: true})
	if err != nil || !silent.Skipped {
		t.Fatalf("silent save during flight should skip: %+v %v", silent, err)
	}
	close(gb.release)
	wg.Wait()
	if firstErr != nil || first.Version != 2 {
		t.Fatalf("first save: %+v %v", first, firstErr)
	}
	st := stageOf(t, s, f.caseID, inv)
	if !st.Dirty() || st.EntryVersion() != 2 {
		t.Fatalf("edit made in flight must stay dirty on top of v2")
	}
	gb.started = make(chan struct{}, 1)
	res, err := s.SaveStageContent(ctx, f.caseID, inv, SaveOptions{})
	if err != nil || res.Version != 3 || st.Dirty() {
		t.Fatalf("second save: %+v %v", res, err)
	}
}

type failingBackend struct {
	*LocalBackend
	err error
}

func (b *failingBackend) PutStageEntry(context.Context, int64, int64, string, string, int) (*store.StageEntry, error) {
	return nil, b.err
}

func (b *failingBackend) PutCase(context.Context, int64, cases.CasePatch, int) (*store.Case, error) {
	return nil, b.err
}

func TestTransportFailureKeepsDirtyState(t *testing.T) {
	f := setupFixture(t)
	inv := f.addStage(t, "Investigation", blocks.StageInvestigation)
	fb := &failingBackend{LocalBackend: NewLocalBackend(f.svc, 1), err: errors.New("connection reset")}
	s := f.openWith(t, fb)
	editNote(t, s, f.caseID, inv, "offline notes")
	_, err := s.SaveStageContent(context.Background(), f.caseID, inv, SaveOptions{})
	if err == nil || !IsTransport(err) || IsConflict(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	st := stageOf(t, s, f.caseID, inv)
	if !st.Dirty() || st.EntryVersion() != 1 {
		t.Fatalf("transport failure must keep the stage dirty")
	}
	if IsTransport(cases.ErrTitleRequired) {
		t.Fatalf("validation errors are not transport failures")
	}
}

func TestSaveCaseFieldConflictAdoptsServer(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	a := f.open(t, 1)
	b := f.open(t, 2)
	title := "Phishing wave, finance"
	if _, err := b.SaveCaseField(ctx, f.caseID, cases.CasePatch{Title: &title}); err != nil {
		t.Fatalf("save B: %v", err)
	}
	mine := "Phishing wave (mine)"
	_, err := a.SaveCaseField(ctx, f.caseID, cases.CasePatch{Title: &mine})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	view, _ := a.Case(f.caseID)
	if rec := view.Record(); rec.Title != title || rec.Version != 2 {
		t.Fatalf("server record not adopted: %+v", rec)
	}
}
