package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrConflict = errors.New("conflict")
	// ErrReadOnly is returned when a stage entry write finds its stage done
	// or its case closed.
	ErrReadOnly = errors.New("read-only")
)

const (
	CaseStatusClosed = "closed"
	StageStatusOpen  = "open"
	StageStatusDone  = "done"
)

type Case struct {
	ID             int64      `json:"id"`
	RegNo          string     `json:"reg_no"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	OwnerUserID    int64      `json:"owner_user_id"`
	AssigneeUserID *int64     `json:"assignee_user_id,omitempty"`
	Meta           CaseMeta   `json:"meta"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosedBy       *int64     `json:"closed_by,omitempty"`
	CreatedBy      int64      `json:"created_by"`
	UpdatedBy      int64      `json:"updated_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`
}

// ReadOnly reports whether the case is closed. Closed cases accept no writes.
func (c *Case) ReadOnly() bool {
	return c != nil && strings.EqualFold(strings.TrimSpace(c.Status), CaseStatusClosed)
}

type CaseMeta struct {
	CaseType        string   `json:"case_type,omitempty"`
	DetectionSource string   `json:"detection_source,omitempty"`
	DetectedAt      string   `json:"detected_at,omitempty"`
	WhatHappened    string   `json:"what_happened,omitempty"`
	AffectedSystems string   `json:"affected_systems,omitempty"`
	Risk            string   `json:"risk,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ClosureOutcome  string   `json:"closure_outcome,omitempty"`
}

type CaseParticipant struct {
	CaseID int64  `json:"case_id"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

type ACLRule struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Permission  string `json:"permission"`
}

type CaseStage struct {
	ID        int64      `json:"id"`
	CaseID    int64      `json:"case_id"`
	Title     string     `json:"title"`
	StageType string     `json:"stage_type"`
	Position  int        `json:"position"`
	Status    string     `json:"status"`
	IsDefault bool       `json:"is_default"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ClosedBy  *int64     `json:"closed_by,omitempty"`
	CreatedBy int64      `json:"created_by"`
	UpdatedBy int64      `json:"updated_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int        `json:"version"`
}

func (s *CaseStage) Done() bool {
	return s != nil && strings.EqualFold(strings.TrimSpace(s.Status), StageStatusDone)
}

type StageEntry struct {
	ID           int64     `json:"id"`
	StageID      int64     `json:"stage_id"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	ChangeReason string    `json:"change_reason"`
	CreatedBy    int64     `json:"created_by"`
	UpdatedBy    int64     `json:"updated_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

type TimelineEvent struct {
	ID        int64     `json:"id"`
	CaseID    int64     `json:"case_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	MetaJSON  string    `json:"meta_json"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseFilter struct {
	Search     string
	Status     string
	MineUserID int64
	Limit      int
	Offset     int
}

type CasesStore interface {
	CreateCase(ctx context.Context, c *Case, participants []CaseParticipant, acl []ACLRule, regFormat string) (int64, error)
	UpdateCase(ctx context.Context, c *Case, expectedVersion int) error
	CloseCase(ctx context.Context, caseID int64, userID int64, meta CaseMeta) (*Case, error)
	GetCase(ctx context.Context, id int64) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]Case, error)

	SetCaseACL(ctx context.Context, caseID int64, acl []ACLRule) error
	GetCaseACL(ctx context.Context, caseID int64) ([]ACLRule, error)
	ListCaseParticipants(ctx context.Context, caseID int64) ([]CaseParticipant, error)

	CreateStage(ctx context.Context, stage *CaseStage, entry *StageEntry) (int64, error)
	UpdateStage(ctx context.Context, stage *CaseStage, expectedVersion int) error
	CompleteStage(ctx context.Context, stageID int64, userID int64) (*CaseStage, error)
	DeleteStage(ctx context.Context, stageID int64, expectedVersion int) error
	GetStage(ctx context.Context, stageID int64) (*CaseStage, error)
	ListStages(ctx context.Context, caseID int64) ([]CaseStage, error)
	NextStagePosition(ctx context.Context, caseID int64) (int, error)

	UpdateStageEntry(ctx context.Context, entry *StageEntry, expectedVersion int) error
	GetStageEntry(ctx context.Context, stageID int64) (*StageEntry, error)

	ListTimeline(ctx context.Context, caseID int64, limit int, eventType string) ([]TimelineEvent, error)
	AddTimeline(ctx context.Context, ev *TimelineEvent) (int64, error)
}

type casesStore struct {
	db *sql.DB
	d  dialect
}

func NewCasesStore(db *sql.DB) CasesStore {
	return &casesStore{db: db, d: dialect{postgres: isPostgresDB(db)}}
}

// ContentDigest is the blake2b-256 digest stored next to every stage entry.
func ContentDigest(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

const caseColumns = `id, reg_no, title, description, severity, status, owner_user_id, assignee_user_id, meta_json, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version`

const stageColumns = `id, case_id, title, stage_type, position, status, is_default, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version`

func (s *casesStore) CreateCase(ctx context.Context, c *Case, participants []CaseParticipant, acl []ACLRule, regFormat string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(c.RegNo) == "" {
		seq, err := s.nextCaseSeqTx(ctx, tx, now.Year())
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		c.RegNo = BuildRegNo(regFormat, now.Year(), seq)
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	if strings.TrimSpace(c.Status) == "" {
		c.Status = "draft"
	}
	c.Meta = NormalizeCaseMeta(c.Meta)
	var caseID int64
	if err := s.d.queryRow(ctx, tx, `
		INSERT INTO cases(reg_no, title, description, severity, status, owner_user_id, assignee_user_id, meta_json, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		c.RegNo, c.Title, c.Description, c.Severity, c.Status, c.OwnerUserID, nullableID(c.AssigneeUserID), metaToJSON(c.Meta), nil, nil, c.CreatedBy, c.UpdatedBy, now, now, c.Version).Scan(&caseID); err != nil {
		tx.Rollback()
		return 0, err
	}
	c.ID = caseID
	c.CreatedAt = now
	c.UpdatedAt = now
	for _, a := range EnsureACLDefaults(c, participants, acl) {
		if _, err := s.d.exec(ctx, tx, `INSERT INTO case_acl(case_id, subject_type, subject_id, permission) VALUES(?,?,?,?)`,
			caseID, strings.ToLower(a.SubjectType), a.SubjectID, strings.ToLower(a.Permission)); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	for _, p := range participants {
		if _, err := s.d.exec(ctx, tx, `INSERT INTO case_participants(case_id, user_id, role) VALUES(?,?,?)`,
			caseID, p.UserID, strings.ToLower(strings.TrimSpace(p.Role))); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	overview := &CaseStage{
		CaseID:    caseID,
		Title:     "Overview",
		StageType: "custom",
		Position:  1,
		IsDefault: true,
		CreatedBy: c.CreatedBy,
		UpdatedBy: c.UpdatedBy,
	}
	if _, err := s.createStageTx(ctx, tx, overview, &StageEntry{CreatedBy: c.CreatedBy, UpdatedBy: c.UpdatedBy}); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return caseID, nil
}

func (s *casesStore) UpdateCase(ctx context.Context, c *Case, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.d.exec(ctx, s.db, `
		UPDATE cases SET title=?, description=?, severity=?, status=?, owner_user_id=?, assignee_user_id=?, meta_json=?, updated_by=?, updated_at=?, version=version+1
		WHERE id=? AND version=? AND status!='closed'`,
		c.Title, c.Description, c.Severity, c.Status, c.OwnerUserID, nullableID(c.AssigneeUserID), metaToJSON(c.Meta), c.UpdatedBy, now, c.ID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

func (s *casesStore) CloseCase(ctx context.Context, caseID int64, userID int64, meta CaseMeta) (*Case, error) {
	now := time.Now().UTC()
	res, err := s.d.exec(ctx, s.db, `
		UPDATE cases SET status='closed', meta_json=?, closed_at=?, closed_by=?, updated_at=?, updated_by=?, version=version+1
		WHERE id=? AND status!='closed'`,
		metaToJSON(meta), now, userID, now, userID, caseID)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetCase(ctx, caseID)
}

func (s *casesStore) GetCase(ctx context.Context, id int64) (*Case, error) {
	row := s.d.queryRow(ctx, s.db, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *casesStore) ListCases(ctx context.Context, filter CaseFilter) ([]Case, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ? OR reg_no LIKE ?)")
		q := "%" + filter.Search + "%"
		args = append(args, q, q, q)
	}
	if filter.MineUserID > 0 {
		clauses = append(clauses, "(owner_user_id=? OR assignee_user_id=?)")
		args = append(args, filter.MineUserID, filter.MineUserID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.d.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *casesStore) SetCaseACL(ctx context.Context, caseID int64, acl []ACLRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := s.d.exec(ctx, tx, `DELETE FROM case_acl WHERE case_id=?`, caseID); err != nil {
		tx.Rollback()
		return err
	}
	for _, a := range acl {
		if _, err := s.d.exec(ctx, tx, `INSERT INTO case_acl(case_id, subject_type, subject_id, permission) VALUES(?,?,?,?)`,
			caseID, strings.ToLower(a.SubjectType), a.SubjectID, strings.ToLower(a.Permission)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *casesStore) GetCaseACL(ctx context.Context, caseID int64) ([]ACLRule, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT subject_type, subject_id, permission FROM case_acl WHERE case_id=? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ACLRule
	for rows.Next() {
		var a ACLRule
		if err := rows.Scan(&a.SubjectType, &a.SubjectID, &a.Permission); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *casesStore) ListCaseParticipants(ctx context.Context, caseID int64) ([]CaseParticipant, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT case_id, user_id, role FROM case_participants WHERE case_id=? ORDER BY user_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CaseParticipant
	for rows.Next() {
		var p CaseParticipant
		if err := rows.Scan(&p.CaseID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CreateStage inserts a stage together with its content entry.
func (s *casesStore) CreateStage(ctx context.Context, stage *CaseStage, entry *StageEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	id, err := s.createStageTx(ctx, tx, stage, entry)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *casesStore) createStageTx(ctx context.Context, tx *sql.Tx, stage *CaseStage, entry *StageEntry) (int64, error) {
	if stage.Version <= 0 {
		stage.Version = 1
	}
	if strings.TrimSpace(stage.Status) == "" {
		stage.Status = StageStatusOpen
	}
	now := time.Now().UTC()
	var id int64
	if err := s.d.queryRow(ctx, tx, `
		INSERT INTO case_stages(case_id, title, stage_type, position, status, is_default, closed_at, closed_by, created_by, updated_by, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		stage.CaseID, stage.Title, stage.StageType, stage.Position, stage.Status, boolToInt(stage.IsDefault), nil, nil, stage.CreatedBy, stage.UpdatedBy, now, now, stage.Version).Scan(&id); err != nil {
		return 0, err
	}
	stage.ID = id
	stage.CreatedAt = now
	stage.UpdatedAt = now
	if entry == nil {
		return id, nil
	}
	entry.StageID = id
	if entry.Version <= 0 {
		entry.Version = 1
	}
	entry.ContentHash = ContentDigest(entry.Content)
	if err := s.d.queryRow(ctx, tx, `
		INSERT INTO case_stage_entries(stage_id, content, content_hash, change_reason, created_by, updated_by, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?) RETURNING id`,
		entry.StageID, entry.Content, entry.ContentHash, entry.ChangeReason, entry.CreatedBy, entry.UpdatedBy, now, now, entry.Version).Scan(&entry.ID); err != nil {
		return 0, err
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return id, nil
}

func (s *casesStore) UpdateStage(ctx context.Context, stage *CaseStage, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.d.exec(ctx, s.db, `
		UPDATE case_stages SET title=?, position=?, updated_by=?, updated_at=?, version=version+1
		WHERE id=? AND version=? AND status!='done'`,
		stage.Title, stage.Position, stage.UpdatedBy, now, stage.ID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	stage.Version = expectedVersion + 1
	stage.UpdatedAt = now
	return nil
}

func (s *casesStore) CompleteStage(ctx context.Context, stageID int64, userID int64) (*CaseStage, error) {
	now := time.Now().UTC()
	res, err := s.d.exec(ctx, s.db, `
		UPDATE case_stages SET status='done', closed_at=?, closed_by=?, updated_at=?, updated_by=?, version=version+1
		WHERE id=? AND status!='done' AND is_default=0`,
		now, userID, now, userID, stageID)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetStage(ctx, stageID)
}

func (s *casesStore) DeleteStage(ctx context.Context, stageID int64, expectedVersion int) error {
	res, err := s.d.exec(ctx, s.db, `DELETE FROM case_stages WHERE id=? AND version=? AND is_default=0 AND status!='done'`, stageID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *casesStore) GetStage(ctx context.Context, stageID int64) (*CaseStage, error) {
	row := s.d.queryRow(ctx, s.db, `SELECT `+stageColumns+` FROM case_stages WHERE id=?`, stageID)
	st, err := scanStage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *casesStore) ListStages(ctx context.Context, caseID int64) ([]CaseStage, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT `+stageColumns+` FROM case_stages WHERE case_id=? ORDER BY position ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CaseStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (s *casesStore) NextStagePosition(ctx context.Context, caseID int64) (int, error) {
	row := s.d.queryRow(ctx, s.db, `SELECT COALESCE(MAX(position), 0) FROM case_stages WHERE case_id=?`, caseID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (s *casesStore) UpdateStageEntry(ctx context.Context, entry *StageEntry, expectedVersion int) error {
	now := time.Now().UTC()
	entry.ContentHash = ContentDigest(entry.Content)
	res, err := s.d.exec(ctx, s.db, `
		UPDATE case_stage_entries SET content=?, content_hash=?, change_reason=?, updated_by=?, updated_at=?, version=version+1
		WHERE stage_id=? AND version=?
		AND EXISTS (
			SELECT 1 FROM case_stages s JOIN cases c ON c.id=s.case_id
			WHERE s.id=case_stage_entries.stage_id AND s.status<>? AND c.status<>?
		)`,
		entry.Content, entry.ContentHash, entry.ChangeReason, entry.UpdatedBy, now, entry.StageID, expectedVersion,
		StageStatusDone, CaseStatusClosed)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.entryWriteRejected(ctx, entry.StageID)
	}
	entry.Version = expectedVersion + 1
	entry.UpdatedAt = now
	return nil
}

// entryWriteRejected tells a stale version apart from a stage that became
// read-only after the caller checked it.
func (s *casesStore) entryWriteRejected(ctx context.Context, stageID int64) error {
	var stageStatus, caseStatus string
	err := s.d.queryRow(ctx, s.db, `
		SELECT s.status, c.status FROM case_stages s JOIN cases c ON c.id=s.case_id WHERE s.id=?`, stageID).Scan(&stageStatus, &caseStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}
		return err
	}
	if stageStatus == StageStatusDone || caseStatus == CaseStatusClosed {
		return ErrReadOnly
	}
	return ErrConflict
}

func (s *casesStore) GetStageEntry(ctx context.Context, stageID int64) (*StageEntry, error) {
	row := s.d.queryRow(ctx, s.db, `
		SELECT id, stage_id, content, content_hash, change_reason, created_by, updated_by, created_at, updated_at, version
		FROM case_stage_entries WHERE stage_id=?`, stageID)
	var e StageEntry
	if err := row.Scan(&e.ID, &e.StageID, &e.Content, &e.ContentHash, &e.ChangeReason, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt, &e.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (s *casesStore) ListTimeline(ctx context.Context, caseID int64, limit int, eventType string) ([]TimelineEvent, error) {
	query := `SELECT id, case_id, event_type, message, meta_json, created_by, created_at FROM case_timeline WHERE case_id=?`
	args := []any{caseID}
	if strings.TrimSpace(eventType) != "" {
		query += " AND event_type=?"
		args = append(args, strings.TrimSpace(eventType))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.d.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.EventType, &ev.Message, &ev.MetaJSON, &ev.CreatedBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *casesStore) AddTimeline(ctx context.Context, ev *TimelineEvent) (int64, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(ev.MetaJSON) == "" {
		ev.MetaJSON = "{}"
	}
	var id int64
	if err := s.d.queryRow(ctx, s.db, `
		INSERT INTO case_timeline(case_id, event_type, message, meta_json, created_by, created_at)
		VALUES(?,?,?,?,?,?) RETURNING id`,
		ev.CaseID, ev.EventType, ev.Message, ev.MetaJSON, ev.CreatedBy, now).Scan(&id); err != nil {
		return 0, err
	}
	ev.ID = id
	ev.CreatedAt = now
	return id, nil
}

func (s *casesStore) nextCaseSeqTx(ctx context.Context, tx *sql.Tx, year int) (int64, error) {
	var seq int64
	if err := s.d.queryRow(ctx, tx, `
		INSERT INTO case_reg_counters(year, seq)
		VALUES(?,1)
		ON CONFLICT (year)
		DO UPDATE SET seq = case_reg_counters.seq + 1
		RETURNING seq
	`, year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (Case, error) {
	var c Case
	var assignee, closedBy sql.NullInt64
	var closedAt sql.NullTime
	var metaRaw string
	if err := row.Scan(&c.ID, &c.RegNo, &c.Title, &c.Description, &c.Severity, &c.Status, &c.OwnerUserID, &assignee, &metaRaw, &closedAt, &closedBy, &c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.Status) == "" {
		c.Status = "draft"
	}
	if assignee.Valid {
		c.AssigneeUserID = &assignee.Int64
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	if closedBy.Valid {
		c.ClosedBy = &closedBy.Int64
	}
	c.Meta = parseCaseMeta(metaRaw)
	return c, nil
}

func scanStage(row rowScanner) (CaseStage, error) {
	var st CaseStage
	var closedAt sql.NullTime
	var closedBy sql.NullInt64
	var defInt int
	if err := row.Scan(&st.ID, &st.CaseID, &st.Title, &st.StageType, &st.Position, &st.Status, &defInt, &closedAt, &closedBy, &st.CreatedBy, &st.UpdatedBy, &st.CreatedAt, &st.UpdatedAt, &st.Version); err != nil {
		return st, err
	}
	if strings.TrimSpace(st.Status) == "" {
		st.Status = StageStatusOpen
	}
	if closedAt.Valid {
		st.ClosedAt = &closedAt.Time
	}
	if closedBy.Valid {
		st.ClosedBy = &closedBy.Int64
	}
	st.IsDefault = defInt == 1
	return st, nil
}

func NormalizeCaseMeta(meta CaseMeta) CaseMeta {
	meta.CaseType = strings.TrimSpace(meta.CaseType)
	meta.DetectionSource = strings.TrimSpace(meta.DetectionSource)
	meta.DetectedAt = strings.TrimSpace(meta.DetectedAt)
	meta.WhatHappened = strings.TrimSpace(meta.WhatHappened)
	meta.AffectedSystems = strings.TrimSpace(meta.AffectedSystems)
	meta.Risk = strings.TrimSpace(meta.Risk)
	meta.ClosureOutcome = strings.TrimSpace(meta.ClosureOutcome)
	var tags []string
	seen := map[string]struct{}{}
	for _, t := range meta.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(t)]; ok {
			continue
		}
		seen[strings.ToLower(t)] = struct{}{}
		tags = append(tags, t)
	}
	meta.Tags = tags
	return meta
}

func metaToJSON(meta CaseMeta) string {
	b, err := json.Marshal(NormalizeCaseMeta(meta))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseCaseMeta(raw string) CaseMeta {
	if strings.TrimSpace(raw) == "" {
		return CaseMeta{}
	}
	var meta CaseMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return CaseMeta{}
	}
	return NormalizeCaseMeta(meta)
}

var seqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

func BuildRegNo(format string, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "CASE-{year}-{seq:05}"
	}
	out := strings.ReplaceAll(format, "{year}", fmt.Sprintf("%d", year))
	out = seqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := seqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width := 0
			_, _ = fmt.Sscanf(m[1], "%d", &width)
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return fmt.Sprintf("%d", seq)
	})
	return out
}

// EnsureACLDefaults adds the implicit rules every case carries: owner and
// creator manage, assignee edits, participants view.
func EnsureACLDefaults(c *Case, participants []CaseParticipant, acl []ACLRule) []ACLRule {
	existing := map[string]struct{}{}
	for _, rule := range acl {
		key := strings.ToLower(rule.SubjectType) + "|" + rule.SubjectID + "|" + strings.ToLower(rule.Permission)
		existing[key] = struct{}{}
	}
	add := func(subjectID, perm string) {
		if subjectID == "" || perm == "" {
			return
		}
		key := "user|" + subjectID + "|" + perm
		if _, ok := existing[key]; ok {
			return
		}
		existing[key] = struct{}{}
		acl = append(acl, ACLRule{SubjectType: "user", SubjectID: subjectID, Permission: perm})
	}
	if c != nil {
		if c.OwnerUserID != 0 {
			add(fmt.Sprintf("%d", c.OwnerUserID), "manage")
		}
		if c.CreatedBy != 0 && c.CreatedBy != c.OwnerUserID {
			add(fmt.Sprintf("%d", c.CreatedBy), "manage")
		}
		if c.AssigneeUserID != nil && *c.AssigneeUserID != 0 {
			add(fmt.Sprintf("%d", *c.AssigneeUserID), "edit")
		}
	}
	for _, p := range participants {
		if p.UserID != 0 {
			add(fmt.Sprintf("%d", p.UserID), "view")
		}
	}
	return acl
}
