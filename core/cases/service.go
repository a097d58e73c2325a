package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"berkut-cases/config"
	"berkut-cases/core/blocks"
	"berkut-cases/core/rbac"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

var validCaseSeverity = map[string]struct{}{
	"low":      {},
	"medium":   {},
	"high":     {},
	"critical": {},
}

var validCaseStatus = map[string]struct{}{
	"draft":        {},
	"open":         {},
	"in_progress":  {},
	"contained":    {},
	"resolved":     {},
	"waiting":      {},
	"waiting_info": {},
	"approval":     {},
	"closed":       {},
}

// ValidStatus reports whether status is a known case status label.
func ValidStatus(status string) bool {
	_, ok := validCaseStatus[status]
	return ok
}

// Authorizer decides per-case access; *rbac.CaseEnforcer implements it.
type Authorizer interface {
	Allowed(ctx context.Context, userID, caseID int64, action string) (bool, error)
	Reset(caseID int64, acl []store.ACLRule) error
}

// Service owns the authoritative case rules. Every mutation runs its checks
// against stored state, appends a timeline event and logs.
type Service struct {
	cfg    *config.AppConfig
	store  store.CasesStore
	authz  Authorizer
	logger *utils.Logger
}

func NewService(cfg *config.AppConfig, st store.CasesStore, authz Authorizer, logger *utils.Logger) *Service {
	return &Service{cfg: cfg, store: st, authz: authz, logger: logger}
}

type CreateCaseInput struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Severity       string         `json:"severity"`
	Status         string         `json:"status"`
	AssigneeUserID *int64         `json:"assignee_user_id,omitempty"`
	Participants   []int64        `json:"participants,omitempty"`
	Meta           store.CaseMeta `json:"meta"`
}

// CasePatch carries the case fields a client may change. Nil means unchanged.
type CasePatch struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Severity       *string         `json:"severity,omitempty"`
	Status         *string         `json:"status,omitempty"`
	AssigneeUserID *int64          `json:"assignee_user_id,omitempty"`
	Meta           *store.CaseMeta `json:"meta,omitempty"`
}

type AddStageInput struct {
	Title     string `json:"title"`
	StageType string `json:"stage_type"`
	Position  int    `json:"position"`
}

type StagePatch struct {
	Title    *string `json:"title,omitempty"`
	Position *int    `json:"position,omitempty"`
}

func (s *Service) CreateCase(ctx context.Context, userID int64, in CreateCaseInput) (*store.Case, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	severity := strings.ToLower(strings.TrimSpace(in.Severity))
	if severity == "" {
		severity = "medium"
	}
	if _, ok := validCaseSeverity[severity]; !ok {
		return nil, ErrSeverityInvalid
	}
	status := strings.ToLower(strings.TrimSpace(in.Status))
	if status == "" {
		status = "draft"
	}
	if status == store.CaseStatusClosed {
		return nil, ErrCloseUseAction
	}
	if !ValidStatus(status) {
		return nil, ErrStatusInvalid
	}
	c := &store.Case{
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Severity:       severity,
		Status:         status,
		OwnerUserID:    userID,
		AssigneeUserID: in.AssigneeUserID,
		Meta:           in.Meta,
		CreatedBy:      userID,
		UpdatedBy:      userID,
	}
	var participants []store.CaseParticipant
	for _, id := range in.Participants {
		if id > 0 && id != userID {
			participants = append(participants, store.CaseParticipant{UserID: id, Role: "participant"})
		}
	}
	if _, err := s.store.CreateCase(ctx, c, participants, nil, s.cfg.Cases.RegNoFormat); err != nil {
		return nil, err
	}
	s.audit(userID, "cases.create", c.RegNo)
	s.addTimeline(ctx, c.ID, "case.created", fmt.Sprintf("case created: %s", c.Title), userID)
	return c, nil
}

func (s *Service) ListCases(ctx context.Context, userID int64, filter store.CaseFilter) ([]store.Case, error) {
	items, err := s.store.ListCases(ctx, filter)
	if err != nil {
		return nil, err
	}
	res := make([]store.Case, 0, len(items))
	for _, c := range items {
		ok, err := s.authz.Allowed(ctx, userID, c.ID, rbac.ActionView)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, c)
		}
	}
	return res, nil
}

func (s *Service) GetCase(ctx context.Context, userID, caseID int64) (*store.Case, error) {
	return s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
}

// UpdateCase applies patch at expectedVersion. Closing goes through CloseCase.
func (s *Service) UpdateCase(ctx context.Context, userID, caseID int64, patch CasePatch, expectedVersion int) (*store.Case, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly() {
		return nil, ErrClosedReadOnly
	}
	if expectedVersion <= 0 {
		return nil, ErrVersionRequired
	}
	updated := *c
	if patch.Title != nil {
		updated.Title = strings.TrimSpace(*patch.Title)
		if updated.Title == "" {
			return nil, ErrTitleRequired
		}
	}
	if patch.Description != nil {
		updated.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Severity != nil {
		sev := strings.ToLower(strings.TrimSpace(*patch.Severity))
		if _, ok := validCaseSeverity[sev]; !ok {
			return nil, ErrSeverityInvalid
		}
		updated.Severity = sev
	}
	if patch.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*patch.Status))
		if status == store.CaseStatusClosed {
			return nil, ErrCloseUseAction
		}
		if !ValidStatus(status) {
			return nil, ErrStatusInvalid
		}
		updated.Status = status
	}
	if patch.AssigneeUserID != nil {
		if *patch.AssigneeUserID > 0 {
			updated.AssigneeUserID = patch.AssigneeUserID
		} else {
			updated.AssigneeUserID = nil
		}
	}
	if patch.Meta != nil {
		meta := *patch.Meta
		meta.ClosureOutcome = c.Meta.ClosureOutcome
		updated.Meta = meta
	}
	updated.UpdatedBy = userID
	if err := s.store.UpdateCase(ctx, &updated, expectedVersion); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflictVersion
		}
		return nil, err
	}
	if patch.AssigneeUserID != nil && updated.AssigneeUserID != nil {
		s.ensureAssigneeACL(ctx, c.ID, *updated.AssigneeUserID)
	}
	if updated.Status != c.Status {
		s.audit(userID, "cases.status", fmt.Sprintf("%s|%s", c.RegNo, updated.Status))
		s.addTimeline(ctx, c.ID, "case.status", fmt.Sprintf("status changed: %s -> %s", c.Status, updated.Status), userID)
	} else {
		s.audit(userID, "cases.update", c.RegNo)
		s.addTimeline(ctx, c.ID, "case.updated", "case updated", userID)
	}
	return &updated, nil
}

// CloseCase re-evaluates the closing gate against stored state, records the
// decision outcome and closes the case.
func (s *Service) CloseCase(ctx context.Context, userID, caseID int64) (*store.Case, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly() {
		return nil, ErrClosedReadOnly
	}
	stages, err := s.store.ListStages(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	contents := make([]StageContent, 0, len(stages))
	for _, st := range stages {
		sc := StageContent{Stage: st}
		if IsClosureStage(st) {
			entry, err := s.store.GetStageEntry(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				sc.Blocks = blocks.ParseContent(entry.Content).Blocks
			}
		}
		contents = append(contents, sc)
	}
	closure, err := CheckClosure(false, contents)
	if err != nil {
		return nil, err
	}
	meta := c.Meta
	if outcome := blocks.DecisionOutcome(closure.Blocks); outcome != "" {
		meta.ClosureOutcome = outcome
	}
	closed, err := s.store.CloseCase(ctx, c.ID, userID, meta)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrClosedReadOnly
		}
		return nil, err
	}
	s.audit(userID, "cases.closed", closed.RegNo)
	s.addTimeline(ctx, c.ID, "case.closed", "case closed", userID)
	return closed, nil
}

func (s *Service) ListStages(ctx context.Context, userID, caseID int64) ([]store.CaseStage, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	return s.store.ListStages(ctx, c.ID)
}

func (s *Service) GetStage(ctx context.Context, userID, caseID, stageID int64) (*store.CaseStage, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	return s.stageOf(ctx, c, stageID)
}

// AddStage creates a stage seeded with its type's preset blocks. A case holds
// at most one closure stage.
func (s *Service) AddStage(ctx context.Context, userID, caseID int64, in AddStageInput) (*store.CaseStage, *store.StageEntry, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionEdit)
	if err != nil {
		return nil, nil, err
	}
	if c.ReadOnly() {
		return nil, nil, ErrClosedReadOnly
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, nil, ErrStageTitleRequired
	}
	stageType := blocks.NormalizeStageType(in.StageType)
	existing, err := s.store.ListStages(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	if stageType == blocks.StageClosure {
		for _, st := range existing {
			if IsClosureStage(st) {
				return nil, nil, ErrClosureStageExists
			}
		}
	}
	position := in.Position
	if position <= 0 {
		position, err = s.store.NextStagePosition(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
	}
	stage := &store.CaseStage{
		CaseID:    c.ID,
		Title:     title,
		StageType: string(stageType),
		Position:  position,
		CreatedBy: userID,
		UpdatedBy: userID,
	}
	entry := &store.StageEntry{
		Content:   blocks.Serialize(stageType, blocks.PresetBlocks(stageType)),
		CreatedBy: userID,
		UpdatedBy: userID,
	}
	if _, err := s.store.CreateStage(ctx, stage, entry); err != nil {
		return nil, nil, err
	}
	s.audit(userID, "cases.stage.add", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
	s.addTimeline(ctx, c.ID, "stage.add", fmt.Sprintf("stage added: %s", stage.Title), userID)
	return stage, entry, nil
}

func (s *Service) UpdateStage(ctx context.Context, userID, caseID, stageID int64, patch StagePatch, expectedVersion int) (*store.CaseStage, error) {
	c, stage, err := s.editableStage(ctx, userID, caseID, stageID)
	if err != nil {
		return nil, err
	}
	if expectedVersion <= 0 {
		return nil, ErrVersionRequired
	}
	updated := *stage
	if patch.Title != nil {
		updated.Title = strings.TrimSpace(*patch.Title)
		if updated.Title == "" {
			return nil, ErrStageTitleRequired
		}
	}
	if patch.Position != nil && *patch.Position > 0 {
		updated.Position = *patch.Position
	}
	updated.UpdatedBy = userID
	if err := s.store.UpdateStage(ctx, &updated, expectedVersion); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflictVersion
		}
		return nil, err
	}
	if updated.Title != stage.Title {
		s.audit(userID, "cases.stage.rename", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
		s.addTimeline(ctx, c.ID, "stage.rename", fmt.Sprintf("stage renamed: %s", updated.Title), userID)
	}
	if updated.Position != stage.Position {
		s.audit(userID, "cases.stage.reorder", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
		s.addTimeline(ctx, c.ID, "stage.reorder", fmt.Sprintf("stage reordered: %s", updated.Title), userID)
	}
	return &updated, nil
}

func (s *Service) DeleteStage(ctx context.Context, userID, caseID, stageID int64, expectedVersion int) error {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionEdit)
	if err != nil {
		return err
	}
	if c.ReadOnly() {
		return ErrClosedReadOnly
	}
	stage, err := s.stageOf(ctx, c, stageID)
	if err != nil {
		return err
	}
	if stage.IsDefault {
		return ErrCannotDeleteOverview
	}
	if stage.Done() {
		return ErrStageCompletedReadOnly
	}
	if expectedVersion <= 0 {
		return ErrVersionRequired
	}
	if err := s.store.DeleteStage(ctx, stage.ID, expectedVersion); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrConflictVersion
		}
		return err
	}
	s.audit(userID, "cases.stage.delete", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
	s.addTimeline(ctx, c.ID, "stage.delete", fmt.Sprintf("stage deleted: %s", stage.Title), userID)
	return nil
}

func (s *Service) CompleteStage(ctx context.Context, userID, caseID, stageID int64) (*store.CaseStage, error) {
	c, stage, err := s.editableStage(ctx, userID, caseID, stageID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.CompleteStage(ctx, stage.ID, userID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrStageCompletedReadOnly
		}
		return nil, err
	}
	s.audit(userID, "cases.stage.completed", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
	s.addTimeline(ctx, c.ID, "stage.completed", fmt.Sprintf("stage completed: %s", stage.Title), userID)
	return updated, nil
}

func (s *Service) GetStageContent(ctx context.Context, userID, caseID, stageID int64) (*store.StageEntry, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	stage, err := s.stageOf(ctx, c, stageID)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.GetStageEntry(ctx, stage.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &store.StageEntry{StageID: stage.ID, Content: "", Version: 0}
	}
	return entry, nil
}

// UpdateStageContent stores a new stage document at expectedVersion+1. The
// content is canonicalized under the stage's recorded type. A retry of a save
// that already landed (same author, same content, version one ahead) is
// acknowledged with the stored entry instead of a conflict.
func (s *Service) UpdateStageContent(ctx context.Context, userID, caseID, stageID int64, content, changeReason string, expectedVersion int) (*store.StageEntry, error) {
	c, stage, err := s.editableStage(ctx, userID, caseID, stageID)
	if err != nil {
		return nil, err
	}
	if expectedVersion <= 0 {
		return nil, ErrVersionRequired
	}
	if limit := s.cfg.Cases.MaxContentBytes; limit > 0 && len(content) > limit {
		return nil, ErrContentTooLarge
	}
	stageType := blocks.NormalizeStageType(stage.StageType)
	canonical := blocks.Serialize(stageType, blocks.ParseContent(content).Blocks)
	entry := &store.StageEntry{
		StageID:      stage.ID,
		Content:      canonical,
		ChangeReason: strings.TrimSpace(changeReason),
		UpdatedBy:    userID,
	}
	if err := s.store.UpdateStageEntry(ctx, entry, expectedVersion); err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrReadOnly) {
			return nil, err
		}
		current, gerr := s.store.GetStageEntry(ctx, stage.ID)
		if gerr == nil && current != nil && current.Version == expectedVersion+1 &&
			current.UpdatedBy == userID && current.ContentHash == store.ContentDigest(canonical) {
			s.logger.Debugf("cases: acknowledged replayed save of stage %d v%d", stage.ID, current.Version)
			return current, nil
		}
		if errors.Is(err, store.ErrReadOnly) {
			return nil, s.readOnlyReason(ctx, userID, caseID, stageID)
		}
		return nil, ErrConflictVersion
	}
	s.audit(userID, "cases.stage.content.update", fmt.Sprintf("%s|%d", c.RegNo, stage.ID))
	s.addTimeline(ctx, c.ID, "stage.content.update", fmt.Sprintf("stage content updated: %s", stage.Title), userID)
	return entry, nil
}

func (s *Service) Timeline(ctx context.Context, userID, caseID int64, eventType string) ([]store.TimelineEvent, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	return s.store.ListTimeline(ctx, c.ID, s.cfg.Cases.TimelineLimit, eventType)
}

func (s *Service) GetACL(ctx context.Context, userID, caseID int64) ([]store.ACLRule, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	return s.store.GetCaseACL(ctx, c.ID)
}

func (s *Service) SetACL(ctx context.Context, userID, caseID int64, acl []store.ACLRule) ([]store.ACLRule, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly() {
		return nil, ErrClosedReadOnly
	}
	for _, rule := range acl {
		if !strings.EqualFold(rule.SubjectType, "user") || strings.TrimSpace(rule.SubjectID) == "" ||
			!rbac.ValidAction(strings.ToLower(strings.TrimSpace(rule.Permission))) {
			return nil, ErrACLInvalid
		}
	}
	participants, err := s.store.ListCaseParticipants(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	acl = store.EnsureACLDefaults(c, participants, acl)
	if err := s.store.SetCaseACL(ctx, c.ID, acl); err != nil {
		return nil, err
	}
	stored, err := s.store.GetCaseACL(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Reset(c.ID, stored); err != nil {
		return nil, err
	}
	s.audit(userID, "cases.acl.update", c.RegNo)
	s.addTimeline(ctx, c.ID, "case.acl", "access list updated", userID)
	return stored, nil
}

func (s *Service) caseWithACL(ctx context.Context, userID, caseID int64, action string) (*store.Case, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	ok, err := s.authz.Allowed(ctx, userID, c.ID, action)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) stageOf(ctx context.Context, c *store.Case, stageID int64) (*store.CaseStage, error) {
	stage, err := s.store.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if stage == nil || stage.CaseID != c.ID {
		return nil, ErrNotFound
	}
	return stage, nil
}

// editableStage loads a stage for a content or record mutation and applies
// the shared editability rule.
func (s *Service) editableStage(ctx context.Context, userID, caseID, stageID int64) (*store.Case, *store.CaseStage, error) {
	c, err := s.caseWithACL(ctx, userID, caseID, rbac.ActionEdit)
	if err != nil {
		return nil, nil, err
	}
	stage, err := s.stageOf(ctx, c, stageID)
	if err != nil {
		return nil, nil, err
	}
	if !stagecontent.IsEditable(*stage, c.ReadOnly()) {
		switch {
		case c.ReadOnly():
			return nil, nil, ErrClosedReadOnly
		case stage.Done():
			return nil, nil, ErrStageCompletedReadOnly
		default:
			return nil, nil, ErrOverviewNoBlocks
		}
	}
	return c, stage, nil
}

// readOnlyReason re-reads a stage that turned read-only during a write and
// reports why.
func (s *Service) readOnlyReason(ctx context.Context, userID, caseID, stageID int64) error {
	if _, _, err := s.editableStage(ctx, userID, caseID, stageID); err != nil {
		return err
	}
	return ErrStageCompletedReadOnly
}

func (s *Service) ensureAssigneeACL(ctx context.Context, caseID, assigneeID int64) {
	acl, err := s.store.GetCaseACL(ctx, caseID)
	if err != nil {
		s.logger.Errorf("cases: load acl of case %d: %v", caseID, err)
		return
	}
	c := &store.Case{AssigneeUserID: &assigneeID}
	next := store.EnsureACLDefaults(c, nil, acl)
	if len(next) == len(acl) {
		return
	}
	if err := s.store.SetCaseACL(ctx, caseID, next); err != nil {
		s.logger.Errorf("cases: grant assignee on case %d: %v", caseID, err)
		return
	}
	if err := s.authz.Reset(caseID, next); err != nil {
		s.logger.Errorf("cases: reset policy of case %d: %v", caseID, err)
	}
}

func (s *Service) audit(userID int64, action, details string) {
	s.logger.Printf("audit user=%d action=%s details=%s", userID, action, details)
}

func (s *Service) addTimeline(ctx context.Context, caseID int64, eventType, message string, userID int64) {
	if strings.TrimSpace(eventType) == "" || caseID == 0 {
		return
	}
	ev := &store.TimelineEvent{CaseID: caseID, EventType: eventType, Message: message, CreatedBy: userID}
	if _, err := s.store.AddTimeline(ctx, ev); err != nil {
		s.logger.Errorf("cases: timeline %s for case %d: %v", eventType, caseID, err)
	}
}
