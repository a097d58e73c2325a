package stagecontent

import (
	"errors"
	"sync"
	"time"

	"berkut-cases/core/blocks"
	"berkut-cases/core/store"
)

var (
	ErrReadOnly      = errors.New("stage is read-only")
	ErrBlockNotFound = errors.New("block not found")
	ErrItemIndex     = errors.New("item index out of range")
	ErrItemKind      = errors.New("item kind does not match block type")
)

// Stage is the client-side working copy of one stage: the record it was
// loaded from, its parsed blocks and the two serialized forms used for dirty
// tracking. It is safe for concurrent use; autosave reads it from its own
// goroutine while edits arrive.
type Stage struct {
	mu           sync.Mutex
	record       store.CaseStage
	stageType    blocks.StageType
	caseReadOnly bool
	list         []blocks.Block
	entryVersion int
	initial      string
	current      string
	recovered    bool
	completing   bool

	saveMu sync.Mutex
}

// Load builds a working copy from a stage record and its content entry. A nil
// entry (the overview stage) yields an empty document at version 0. The
// stage_type column wins over whatever the stored document claims.
func Load(rec store.CaseStage, entry *store.StageEntry, caseReadOnly bool) *Stage {
	st := blocks.NormalizeStageType(rec.StageType)
	s := &Stage{record: rec, stageType: st, caseReadOnly: caseReadOnly}
	if entry != nil {
		c := blocks.ParseContent(entry.Content)
		s.list = blocks.NormalizeAll(c.Blocks, st)
		s.entryVersion = entry.Version
		s.recovered = c.Recovered
	}
	s.current = blocks.Serialize(st, s.list)
	s.initial = s.current
	return s
}

// IsEditable is the single editability predicate shared by the client and the
// server: the case is open, the stage is not done and it is not the overview.
func IsEditable(rec store.CaseStage, caseReadOnly bool) bool {
	return !caseReadOnly && !rec.Done() && !rec.IsDefault
}

func (s *Stage) Editable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IsEditable(s.record, s.caseReadOnly)
}

func (s *Stage) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ID
}

func (s *Stage) Record() store.CaseStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Stage) StageType() blocks.StageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageType
}

// Recovered reports whether the stored content was unreadable and kept as a
// single note.
func (s *Stage) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Blocks returns a copy of the current document.
func (s *Stage) Blocks() []blocks.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBlocks(s.list)
}

func (s *Stage) EntryVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryVersion
}

func (s *Stage) Serialized() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Dirty reports unsaved edits: the canonical text differs from what was last
// loaded or saved.
func (s *Stage) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != s.initial
}

// Snapshot captures what a save will submit.
func (s *Stage) Snapshot() (serialized string, entryVersion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.entryVersion
}

// MarkSaved records a successful save of serialized at the new version. Edits
// made after the snapshot was taken remain dirty.
func (s *Stage) MarkSaved(serialized string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initial = serialized
	if version > s.entryVersion {
		s.entryVersion = version
	}
}

// SetRecord replaces the stage record, e.g. after completion.
func (s *Stage) SetRecord(rec store.CaseStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = rec
}

func (s *Stage) SetCaseReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caseReadOnly = readOnly
}

// Reload adopts the authoritative entry and discards local edits.
func (s *Stage) Reload(entry *store.StageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = nil
	s.entryVersion = 0
	s.recovered = false
	if entry != nil {
		c := blocks.ParseContent(entry.Content)
		s.list = blocks.NormalizeAll(c.Blocks, s.stageType)
		s.entryVersion = entry.Version
		s.recovered = c.Recovered
	}
	s.current = blocks.Serialize(s.stageType, s.list)
	s.initial = s.current
}

// Rebase keeps the local document but moves its base to the authoritative
// entry, so the next save submits the local edits against the current
// version. Used when a user chooses to keep their edits after a conflict.
func (s *Stage) Rebase(entry *store.StageEntry) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := blocks.ParseContent(entry.Content)
	s.initial = blocks.Serialize(s.stageType, c.Blocks)
	s.entryVersion = entry.Version
}

// BeginComplete rejects edits until EndComplete, so completing a stage
// submits exactly what was last saved.
func (s *Stage) BeginComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completing = true
}

func (s *Stage) EndComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completing = false
}

// LockSave waits for any in-flight save of this stage.
func (s *Stage) LockSave() { s.saveMu.Lock() }

// TryLockSave takes the save lock only if no save is running.
func (s *Stage) TryLockSave() bool { return s.saveMu.TryLock() }

func (s *Stage) UnlockSave() { s.saveMu.Unlock() }

// mutate applies fn to a copy of the document and commits the normalized
// result. Nothing changes when fn fails.
func (s *Stage) mutate(fn func(list []blocks.Block) ([]blocks.Block, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completing || !IsEditable(s.record, s.caseReadOnly) {
		return ErrReadOnly
	}
	next, err := fn(cloneBlocks(s.list))
	if err != nil {
		return err
	}
	s.list = blocks.NormalizeAll(next, s.stageType)
	s.current = blocks.Serialize(s.stageType, s.list)
	return nil
}

func (s *Stage) AddBlock(t blocks.Type, at int) (string, error) {
	var id string
	err := s.mutate(func(list []blocks.Block) ([]blocks.Block, error) {
		b := blocks.NewBlock(t, s.stageType)
		id = b.ID
		if at < 0 || at > len(list) {
			at = len(list)
		}
		list = append(list, blocks.Block{})
		copy(list[at+1:], list[at:])
		list[at] = b
		return list, nil
	})
	return id, err
}

func (s *Stage) RemoveBlock(blockID string) error {
	return s.mutate(func(list []blocks.Block) ([]blocks.Block, error) {
		idx := indexOf(list, blockID)
		if idx < 0 {
			return nil, ErrBlockNotFound
		}
		return append(list[:idx], list[idx+1:]...), nil
	})
}

func (s *Stage) MoveBlock(blockID string, to int) error {
	return s.mutate(func(list []blocks.Block) ([]blocks.Block, error) {
		idx := indexOf(list, blockID)
		if idx < 0 {
			return nil, ErrBlockNotFound
		}
		if to < 0 || to >= len(list) {
			return nil, ErrItemIndex
		}
		b := list[idx]
		list = append(list[:idx], list[idx+1:]...)
		list = append(list[:to], append([]blocks.Block{b}, list[to:]...)...)
		return list, nil
	})
}

// AddItem appends a template item and returns its index.
func (s *Stage) AddItem(blockID string) (int, error) {
	var at int
	err := s.withItems(blockID, func(b *blocks.Block) error {
		for _, item := range blocks.CreateTemplate(b.Type).Items {
			if a, ok := item.(blocks.ArtifactItem); ok {
				a.ID = blocks.NewID()
				item = a
			}
			b.Items = append(b.Items, item)
		}
		at = len(b.Items) - 1
		return nil
	})
	return at, err
}

func (s *Stage) RemoveItem(blockID string, idx int) error {
	return s.withItems(blockID, func(b *blocks.Block) error {
		if idx < 0 || idx >= len(b.Items) {
			return ErrItemIndex
		}
		b.Items = append(b.Items[:idx], b.Items[idx+1:]...)
		return nil
	})
}

func (s *Stage) MoveItem(blockID string, from, to int) error {
	return s.withItems(blockID, func(b *blocks.Block) error {
		if from < 0 || from >= len(b.Items) || to < 0 || to >= len(b.Items) {
			return ErrItemIndex
		}
		item := b.Items[from]
		b.Items = append(b.Items[:from], b.Items[from+1:]...)
		b.Items = append(b.Items[:to], append([]blocks.Item{item}, b.Items[to:]...)...)
		return nil
	})
}

func (s *Stage) UpdateItem(blockID string, idx int, item blocks.Item) error {
	return s.withItems(blockID, func(b *blocks.Block) error {
		if idx < 0 || idx >= len(b.Items) {
			return ErrItemIndex
		}
		if item == nil || item.Kind() != b.Type {
			return ErrItemKind
		}
		b.Items[idx] = item
		return nil
	})
}

// SetChecklistDone toggles a checklist row and stamps the change time.
func (s *Stage) SetChecklistDone(blockID string, idx int, done bool, at time.Time) error {
	return s.withItems(blockID, func(b *blocks.Block) error {
		if b.Type != blocks.TypeChecklist {
			return ErrItemKind
		}
		if idx < 0 || idx >= len(b.Items) {
			return ErrItemIndex
		}
		item := b.Items[idx].(blocks.ChecklistItem)
		status := blocks.ChecklistNotDone
		if done {
			status = blocks.ChecklistDone
		}
		if item.Status != status {
			item.Status = status
			item.StatusChangedAt = at.UTC().Format(time.RFC3339)
		}
		b.Items[idx] = item
		return nil
	})
}

func (s *Stage) SetNoteText(blockID, text string) error {
	return s.mutate(func(list []blocks.Block) ([]blocks.Block, error) {
		idx := indexOf(list, blockID)
		if idx < 0 {
			return nil, ErrBlockNotFound
		}
		if list[idx].Type != blocks.TypeNote {
			return nil, ErrItemKind
		}
		list[idx].Text = text
		return list, nil
	})
}

// ReplaceBlocks swaps the whole document, e.g. when an editor submits a full
// block list.
func (s *Stage) ReplaceBlocks(list []blocks.Block) error {
	return s.mutate(func([]blocks.Block) ([]blocks.Block, error) {
		return cloneBlocks(list), nil
	})
}

func (s *Stage) withItems(blockID string, fn func(b *blocks.Block) error) error {
	return s.mutate(func(list []blocks.Block) ([]blocks.Block, error) {
		idx := indexOf(list, blockID)
		if idx < 0 {
			return nil, ErrBlockNotFound
		}
		if !list[idx].Type.HasItems() {
			return nil, ErrItemKind
		}
		if err := fn(&list[idx]); err != nil {
			return nil, err
		}
		return list, nil
	})
}

func indexOf(list []blocks.Block, id string) int {
	for i, b := range list {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func cloneBlocks(in []blocks.Block) []blocks.Block {
	if in == nil {
		return nil
	}
	out := make([]blocks.Block, len(in))
	for i, b := range in {
		out[i] = b
		if b.Items != nil {
			out[i].Items = append([]blocks.Item(nil), b.Items...)
		}
	}
	return out
}
