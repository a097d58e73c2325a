package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"berkut-cases/core/cases"
)

func TestPathParamsFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/cases/12/stages/34/content", nil)
	if got := pathID(req, "id"); got != 12 {
		t.Fatalf("case id: %d", got)
	}
	if got := pathID(req, "stage_id"); got != 34 {
		t.Fatalf("stage id: %d", got)
	}
	bad := httptest.NewRequest(http.MethodGet, "/api/cases/abc", nil)
	if got := pathID(bad, "id"); got != 0 {
		t.Fatalf("expected 0 for non-numeric id, got %d", got)
	}
}

func TestWriteErrorUsesServiceCode(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, cases.ErrStageCompletedReadOnly)
	if rr.Code != http.StatusConflict || rr.Body.String() != "cases.stageCompletedReadOnly\n" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	writeError(rr, http.ErrHandlerTimeout)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestActorRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if Actor(req) != 0 {
		t.Fatalf("no actor expected")
	}
	req = req.WithContext(WithActor(req.Context(), 42))
	if Actor(req) != 42 {
		t.Fatalf("actor not stored")
	}
}
