package caseclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"berkut-cases/api"
	"berkut-cases/config"
	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/casework"
	"berkut-cases/core/rbac"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "client.db"),
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
	srv := api.NewServer(cfg, api.ServerDeps{CasesSvc: cases.NewService(cfg, cs, authz, logger)}, nil, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func clientFor(ts *httptest.Server, userID int64) *Client {
	return New(config.ClientConfig{BaseURL: ts.URL + "/", UserID: userID, TimeoutSec: 5}, nil).WithHTTPClient(ts.Client())
}

func TestClientRoundTrip(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	owner := clientFor(ts, 1)
	assignee := int64(2)
	c, err := owner.CreateCase(ctx, cases.CreateCaseInput{Title: "Credential stuffing", Severity: "high", AssigneeUserID: &assignee})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.RegNo == "" || c.Version != 1 {
		t.Fatalf("unexpected case %+v", c)
	}
	stage, entry, err := owner.AddStage(ctx, c.ID, cases.AddStageInput{Title: "Investigation", StageType: "investigation"})
	if err != nil || stage.ID == 0 || entry.Version != 1 {
		t.Fatalf("add stage: %+v %+v %v", stage, entry, err)
	}
	stages, err := owner.ListStages(ctx, c.ID)
	if err != nil || len(stages) != 2 {
		t.Fatalf("list stages: %v %v", stages, err)
	}
	saved, err := owner.PutStageEntry(ctx, c.ID, stage.ID, entry.Content, "first pass", 1)
	if err != nil || saved.Version != 2 {
		t.Fatalf("put entry: %+v %v", saved, err)
	}
	items, err := owner.ListCases(ctx, store.CaseFilter{})
	if err != nil || len(items) != 1 {
		t.Fatalf("list cases: %v %v", items, err)
	}
	events, err := owner.Timeline(ctx, c.ID, "stage.add")
	if err != nil || len(events) != 1 {
		t.Fatalf("timeline: %v %v", events, err)
	}
	title := "Renamed"
	if _, err := owner.UpdateStage(ctx, c.ID, stage.ID, cases.StagePatch{Title: &title}, stage.Version); err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if err := owner.DeleteStage(ctx, c.ID, stage.ID, stage.Version); !errors.Is(err, cases.ErrConflictVersion) {
		t.Fatalf("stale delete should conflict, got %v", err)
	}
	if err := owner.DeleteStage(ctx, c.ID, stage.ID, stage.Version+1); err != nil {
		t.Fatalf("delete stage: %v", err)
	}
}

func TestClientMapsErrors(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	owner := clientFor(ts, 1)
	c, err := owner.CreateCase(ctx, cases.CreateCaseInput{Title: "Rogue device"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := owner.CloseCase(ctx, c.ID); !errors.Is(err, cases.ErrClosureStageMissing) {
		t.Fatalf("expected closureStageMissing, got %v", err)
	}
	if _, err := clientFor(ts, 9).GetCase(ctx, c.ID); !errors.Is(err, cases.ErrNotFound) {
		t.Fatalf("stranger should get notFound, got %v", err)
	}
	var ce *cases.Error
	if _, err := clientFor(ts, 0).GetCase(ctx, c.ID); !errors.As(err, &ce) || ce.Status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := owner.PutCase(ctx, c.ID, cases.CasePatch{}, 7); !casework.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server error", http.StatusInternalServerError)
	}))
	defer broken.Close()
	_, err = clientFor(broken, 1).GetCase(ctx, c.ID)
	if err == nil || !casework.IsTransport(err) {
		t.Fatalf("5xx should be a transport error, got %v", err)
	}
}

func TestSessionsOverHTTP(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	owner := clientFor(ts, 1)
	assignee := int64(2)
	c, err := owner.CreateCase(ctx, cases.CreateCaseInput{Title: "Data exfiltration", AssigneeUserID: &assignee})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stage, _, err := owner.AddStage(ctx, c.ID, cases.AddStageInput{Title: "Closure", StageType: "closure"})
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}

	a := casework.NewSession(owner, nil)
	b := casework.NewSession(clientFor(ts, 2), nil)
	if _, err := a.Open(ctx, c.ID); err != nil {
		t.Fatalf("open a: %v", err)
	}
	bview, err := b.Open(ctx, c.ID)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	setDecision := func(s *casework.Session, text string) {
		view, _ := s.Case(c.ID)
		st := view.Stage(stage.ID)
		for _, blk := range st.Blocks() {
			if blk.Type == blocks.TypeDecisions {
				if err := st.UpdateItem(blk.ID, 0, blocks.DecisionItem{Decision: text, Outcome: "approved"}); err != nil {
					t.Fatalf("update decision: %v", err)
				}
				return
			}
		}
		t.Fatalf("no decisions block")
	}
	setDecision(b, "Revoke tokens")
	if _, err := b.SaveStageContent(ctx, c.ID, stage.ID, casework.SaveOptions{}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	setDecision(a, "Rotate keys")
	if _, err := a.SaveStageContent(ctx, c.ID, stage.ID, casework.SaveOptions{}); !errors.Is(err, casework.ErrConflict) {
		t.Fatalf("expected conflict over HTTP, got %v", err)
	}
	if _, err := b.CompleteStage(ctx, c.ID, stage.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	closed, err := b.CloseCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Meta.ClosureOutcome != "approved" || !bview.ReadOnly() {
		t.Fatalf("unexpected close result %+v", closed)
	}
}
