package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"berkut-cases/config"
	"berkut-cases/core/cases"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

type CasesHandler struct {
	cfg    *config.AppConfig
	svc    *cases.Service
	logger *utils.Logger
}

func NewCasesHandler(cfg *config.AppConfig, svc *cases.Service, logger *utils.Logger) *CasesHandler {
	return &CasesHandler{cfg: cfg, svc: svc, logger: logger}
}

func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CaseFilter{
		Search: strings.TrimSpace(q.Get("q")),
		Status: strings.TrimSpace(q.Get("status")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if q.Get("mine") == "1" {
		filter.MineUserID = Actor(r)
	}
	items, err := h.svc.ListCases(r.Context(), Actor(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CasesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload cases.CreateCaseInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	c, err := h.svc.CreateCase(r.Context(), Actor(r), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"case": c})
}

func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCase(r.Context(), Actor(r), pathID(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c})
}

func (h *CasesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		cases.CasePatch
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	c, err := h.svc.UpdateCase(r.Context(), Actor(r), pathID(r, "id"), payload.CasePatch, payload.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c})
}

func (h *CasesHandler) Close(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CloseCase(r.Context(), Actor(r), pathID(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case": c})
}

func (h *CasesHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.svc.ListStages(r.Context(), Actor(r), pathID(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": stages})
}

func (h *CasesHandler) GetStage(w http.ResponseWriter, r *http.Request) {
	stage, err := h.svc.GetStage(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage})
}

func (h *CasesHandler) AddStage(w http.ResponseWriter, r *http.Request) {
	var payload cases.AddStageInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	stage, entry, err := h.svc.AddStage(r.Context(), Actor(r), pathID(r, "id"), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"stage": stage,
		"entry": entry,
	})
}

func (h *CasesHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		cases.StagePatch
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	stage, err := h.svc.UpdateStage(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"), payload.StagePatch, payload.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage})
}

// DeleteStage takes the expected stage version from the query string since
// DELETE requests carry no body.
func (h *CasesHandler) DeleteStage(w http.ResponseWriter, r *http.Request) {
	version, _ := strconv.Atoi(r.URL.Query().Get("version"))
	if err := h.svc.DeleteStage(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"), version); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CasesHandler) CompleteStage(w http.ResponseWriter, r *http.Request) {
	stage, err := h.svc.CompleteStage(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage})
}

func (h *CasesHandler) GetStageContent(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.GetStageContent(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (h *CasesHandler) UpdateStageContent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content      string `json:"content"`
		ChangeReason string `json:"change_reason"`
		Version      int    `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	entry, err := h.svc.UpdateStageContent(r.Context(), Actor(r), pathID(r, "id"), pathID(r, "stage_id"), payload.Content, payload.ChangeReason, payload.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (h *CasesHandler) ListTimeline(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Timeline(r.Context(), Actor(r), pathID(r, "id"), strings.TrimSpace(r.URL.Query().Get("type")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CasesHandler) GetACL(w http.ResponseWriter, r *http.Request) {
	acl, err := h.svc.GetACL(r.Context(), Actor(r), pathID(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acl": acl})
}

func (h *CasesHandler) UpdateACL(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ACL []store.ACLRule `json:"acl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	acl, err := h.svc.SetACL(r.Context(), Actor(r), pathID(r, "id"), payload.ACL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acl": acl})
}

func (h *CasesHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if cases.Code(err) == "" {
		h.logger.Errorf("cases: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, err)
}
