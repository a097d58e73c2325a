package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/casework"
)

type harness struct {
	db   string
	user string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("BERKUT_AUTOSAVE_INTERVAL_MS", "60000")
	return &harness{db: filepath.Join(t.TempDir(), "cases.db"), user: "1"}
}

// run executes one casectl invocation against the harness database.
func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	formatFlag = "text"
	serverURL = ""
	userID = 0
	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	RootCmd.SetIn(strings.NewReader(stdin))
	RootCmd.SetArgs(append(args, "--db", h.db, "--user", h.user))
	err := RootCmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.run(t, "", args...)
	if err != nil {
		t.Fatalf("casectl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCaseLifecycleFromCommandLine(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun(t, "create", "--title", "Phishing wave", "--severity", "high")
	if !strings.Contains(out, "Phishing wave") || !strings.Contains(out, "CASE-") {
		t.Fatalf("unexpected create output: %q", out)
	}
	out = h.mustRun(t, "add-stage", "1", "--title", "Closure", "--type", "closure")
	if !strings.Contains(out, "[2] Closure") {
		t.Fatalf("unexpected add-stage output: %q", out)
	}

	if _, err := h.run(t, "", "close", "1"); !errors.Is(err, cases.ErrNoDecisions) {
		t.Fatalf("expected noDecisions, got %v", err)
	}

	out = h.mustRun(t, "decide", "1", "2", "Block", "the", "sender", "--outcome", "approve", "--rationale", "confirmed")
	if !strings.Contains(out, "saved stage 2") {
		t.Fatalf("unexpected decide output: %q", out)
	}
	if _, err := h.run(t, "", "close", "1"); !errors.Is(err, cases.ErrClosureStageNotDone) {
		t.Fatalf("expected closureStageNotDone, got %v", err)
	}

	out = h.mustRun(t, "complete", "1", "2")
	if !strings.Contains(out, "stage 2 completed") {
		t.Fatalf("unexpected complete output: %q", out)
	}
	out = h.mustRun(t, "close", "1")
	if !strings.Contains(out, "outcome: approved") {
		t.Fatalf("expected closure outcome in %q", out)
	}

	if _, err := h.run(t, "", "status", "1", "in_progress"); !errors.Is(err, cases.ErrClosedReadOnly) {
		t.Fatalf("expected closedReadOnly after close, got %v", err)
	}

	out = h.mustRun(t, "timeline", "1")
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected timeline events")
	}
}

func TestNoteReadsStdin(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "create", "--title", "Stdin")
	h.mustRun(t, "add-stage", "1", "--title", "Triage", "--type", "investigation")

	if _, err := h.run(t, "Suspicious login from a new ASN\n", "note", "1", "2"); err != nil {
		t.Fatalf("note from stdin: %v", err)
	}
	out := h.mustRun(t, "show", "1")
	if !strings.Contains(out, "Suspicious login from a new ASN") {
		t.Fatalf("note text missing from %q", out)
	}
	if strings.Contains(out, "unsaved") {
		t.Fatalf("a fresh view should have nothing unsaved: %q", out)
	}

	if _, err := h.run(t, "  \n", "note", "1", "2"); err == nil {
		t.Fatalf("expected an error for empty stdin")
	}
}

func TestShowJSON(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "create", "--title", "Json view")
	h.mustRun(t, "add-stage", "1", "--title", "Respond", "--type", "response")

	out := h.mustRun(t, "show", "1", "--format", "json")
	var view struct {
		Case struct {
			Title string `json:"title"`
		} `json:"case"`
		Stages []struct {
			Editable bool            `json:"editable"`
			Content  json.RawMessage `json:"content"`
		} `json:"stages"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.Case.Title != "Json view" || len(view.Stages) != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Stages[0].Editable || !view.Stages[1].Editable {
		t.Fatalf("overview must be read-only and the response stage editable: %+v", view.Stages)
	}
	c := blocks.ParseContent(string(view.Stages[1].Content))
	if c.StageType != blocks.StageResponse || len(c.Blocks) != 3 {
		t.Fatalf("response preset not seeded: %+v", c)
	}
}

func TestShellSavesOnQuit(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "create", "--title", "Shell")
	h.mustRun(t, "add-stage", "1", "--title", "Triage", "--type", "investigation")

	script := strings.Join([]string{
		"note 2 Captured headers",
		"check 2 0",
		"bogus",
		"quit",
	}, "\n")
	out, err := h.run(t, script, "shell", "1")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(out, `unknown command "bogus"`) {
		t.Fatalf("expected unknown command error in %q", out)
	}
	if !strings.Contains(out, "saved stage 2") {
		t.Fatalf("expected save on quit in %q", out)
	}

	out = h.mustRun(t, "show", "1")
	if !strings.Contains(out, "Captured headers") || !strings.Contains(out, "[x]") {
		t.Fatalf("shell edits were not persisted: %q", out)
	}
}

func TestExplainAddsHints(t *testing.T) {
	err := explain(cases.ErrClosureStageMissing)
	if !errors.Is(err, cases.ErrClosureStageMissing) || !strings.Contains(err.Error(), "add a closure stage") {
		t.Fatalf("unexpected: %v", err)
	}
	err = explain(casework.ErrConflict)
	if !errors.Is(err, casework.ErrConflict) || !strings.Contains(err.Error(), "someone else saved first") {
		t.Fatalf("unexpected: %v", err)
	}
	if explain(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestItemLine(t *testing.T) {
	line := itemLine(blocks.ChecklistItem{Text: "Reset password", Status: blocks.ChecklistDone})
	if line != "[x] Reset password" {
		t.Fatalf("unexpected checklist line %q", line)
	}
	if got := itemLine(blocks.DecisionItem{Decision: "Isolate", Outcome: "approved"}); !strings.Contains(got, "Isolate") || !strings.Contains(got, "approved") {
		t.Fatalf("unexpected decision line %q", got)
	}
}
