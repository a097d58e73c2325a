package casework

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"

	"github.com/gofrs/uuid/v5"
)

type EventType string

const (
	EventCaseOpened     EventType = "case.opened"
	EventCaseChanged    EventType = "case.changed"
	EventCaseClosed     EventType = "case.closed"
	EventStageAdded     EventType = "stage.added"
	EventStageSaved     EventType = "stage.saved"
	EventStageConflict  EventType = "stage.conflict"
	EventStageCompleted EventType = "stage.completed"
	EventStageReloaded  EventType = "stage.reloaded"
)

// Event tells views what to refresh. StageID is zero for case-level events.
type Event struct {
	Type    EventType
	CaseID  int64
	StageID int64
	Version int
	Err     error
}

// Session is one user's working set of open cases. It is safe for use by the
// interactive loop and the autosave worker at the same time.
type Session struct {
	id      uuid.UUID
	backend Backend
	logger  *utils.Logger

	mu        sync.RWMutex
	cases     map[int64]*CaseView
	listeners []func(Event)
}

func NewSession(backend Backend, logger *utils.Logger) *Session {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	return &Session{
		id:      id,
		backend: backend,
		logger:  logger.With("session", id.String()),
		cases:   map[int64]*CaseView{},
	}
}

func (s *Session) ID() string {
	return s.id.String()
}

// Subscribe registers fn for every event emitted by this session. Listeners
// run synchronously on the goroutine that caused the event.
func (s *Session) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Open loads a case with all of its stages. Opening an already open case
// returns the existing view.
func (s *Session) Open(ctx context.Context, caseID int64) (*CaseView, error) {
	s.mu.RLock()
	existing := s.cases[caseID]
	s.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}
	rec, err := s.backend.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	records, err := s.backend.ListStages(ctx, caseID)
	if err != nil {
		return nil, err
	}
	view := &CaseView{record: *rec, displayStatus: rec.Status}
	for _, r := range records {
		entry, err := s.backend.GetStageEntry(ctx, caseID, r.ID)
		if err != nil {
			return nil, fmt.Errorf("load stage %d: %w", r.ID, err)
		}
		st := stagecontent.Load(r, entry, rec.ReadOnly())
		if st.Recovered() {
			s.logger.Printf("casework: stage %d content was not a block document, recovered as note", r.ID)
		}
		view.stages = append(view.stages, st)
	}
	view.sortStages()
	s.mu.Lock()
	if existing := s.cases[caseID]; existing != nil {
		s.mu.Unlock()
		return existing, nil
	}
	s.cases[caseID] = view
	s.mu.Unlock()
	s.emit(Event{Type: EventCaseOpened, CaseID: caseID, Version: rec.Version})
	return view, nil
}

// Close drops the case from the session. Unsaved edits are discarded; callers
// flush with SaveDirtyStages first when they want to keep them.
func (s *Session) Close(caseID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return false
	}
	delete(s.cases, caseID)
	return true
}

func (s *Session) Case(caseID int64) (*CaseView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.cases[caseID]
	if !ok {
		return nil, ErrCaseNotOpen
	}
	return view, nil
}

func (s *Session) OpenCases() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.cases))
	for id := range s.cases {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) stage(caseID, stageID int64) (*CaseView, *stagecontent.Stage, error) {
	view, err := s.Case(caseID)
	if err != nil {
		return nil, nil, err
	}
	st := view.Stage(stageID)
	if st == nil {
		return nil, nil, ErrStageNotFound
	}
	return view, st, nil
}

// CaseView is the local state of one open case.
type CaseView struct {
	mu            sync.RWMutex
	record        store.Case
	displayStatus string
	stages        []*stagecontent.Stage
}

func (v *CaseView) ID() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record.ID
}

// Record is the last authoritative case record seen from the backend.
func (v *CaseView) Record() store.Case {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record
}

// DisplayStatus may run ahead of Record().Status while a status change is in
// flight.
func (v *CaseView) DisplayStatus() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.displayStatus
}

func (v *CaseView) ReadOnly() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record.ReadOnly()
}

func (v *CaseView) Stages() []*stagecontent.Stage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]*stagecontent.Stage(nil), v.stages...)
}

func (v *CaseView) Stage(id int64) *stagecontent.Stage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, st := range v.stages {
		if st.ID() == id {
			return st
		}
	}
	return nil
}

func (v *CaseView) DirtyStages() []*stagecontent.Stage {
	var out []*stagecontent.Stage
	for _, st := range v.Stages() {
		if st.Dirty() {
			out = append(out, st)
		}
	}
	return out
}

func (v *CaseView) records() []store.CaseStage {
	stages := v.Stages()
	out := make([]store.CaseStage, 0, len(stages))
	for _, st := range stages {
		out = append(out, st.Record())
	}
	return out
}

// adopt replaces the case record and resets the display status to it. The
// read-only flag is pushed down to every stage.
func (v *CaseView) adopt(rec store.Case) {
	v.mu.Lock()
	v.record = rec
	v.displayStatus = rec.Status
	stages := append([]*stagecontent.Stage(nil), v.stages...)
	v.mu.Unlock()
	for _, st := range stages {
		st.SetCaseReadOnly(rec.ReadOnly())
	}
}

func (v *CaseView) setDisplayStatus(status string) {
	v.mu.Lock()
	v.displayStatus = status
	v.mu.Unlock()
}

func (v *CaseView) resetDisplayStatus() {
	v.mu.Lock()
	v.displayStatus = v.record.Status
	v.mu.Unlock()
}

func (v *CaseView) addStage(st *stagecontent.Stage) {
	v.mu.Lock()
	v.stages = append(v.stages, st)
	v.mu.Unlock()
	v.sortStages()
}

func (v *CaseView) removeStage(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, st := range v.stages {
		if st.ID() == id {
			v.stages = append(v.stages[:i], v.stages[i+1:]...)
			return
		}
	}
}

func (v *CaseView) sortStages() {
	v.mu.Lock()
	defer v.mu.Unlock()
	sort.SliceStable(v.stages, func(i, j int) bool {
		a, b := v.stages[i].Record(), v.stages[j].Record()
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}
