// Package blocks defines the structured content of a stage: typed blocks, the
// rules that keep them well formed, and the canonical document encoding that
// dirty tracking compares.
package blocks

import "encoding/json"

type Type string

const (
	TypeNote      Type = "note"
	TypeChecklist Type = "checklist"
	TypeActions   Type = "actions"
	TypeDecisions Type = "decisions"
	TypeTimeline  Type = "timeline"
	TypeArtifacts Type = "artifacts"
	TypeLinks     Type = "links"
	TypeTable     Type = "table"
)

// AllTypes lists every block variant in display order.
var AllTypes = []Type{
	TypeNote,
	TypeChecklist,
	TypeActions,
	TypeDecisions,
	TypeTimeline,
	TypeArtifacts,
	TypeLinks,
	TypeTable,
}

func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HasItems reports whether the variant stores an ordered item list.
func (t Type) HasItems() bool {
	return t.Valid() && t != TypeNote
}

// Block is one typed unit of stage content. Note blocks carry Text; every other
// variant carries Items whose concrete type matches the block type.
type Block struct {
	ID    string
	Type  Type
	Text  string
	Items []Item
	// Extra keeps fields this version does not understand. They survive a
	// load/save cycle but nothing reads them.
	Extra map[string]json.RawMessage
}

// Item is a row of a list block. The set of implementations is closed.
type Item interface {
	Kind() Type
	normalize(stageType StageType) Item
	encode() map[string]any
}

const (
	ChecklistDone    = "done"
	ChecklistNotDone = "not_done"
)

type ChecklistItem struct {
	Text            string
	Owner           string
	Status          string
	StatusChangedAt string
	DueValue        string
	DueUnit         string
	Extra           map[string]json.RawMessage
}

func (ChecklistItem) Kind() Type { return TypeChecklist }

func (i ChecklistItem) Done() bool { return i.Status == ChecklistDone }

type ActionItem struct {
	Action      string
	Owner       string
	ScheduledAt string
	Result      string
	Extra       map[string]json.RawMessage
}

func (ActionItem) Kind() Type { return TypeActions }

type DecisionItem struct {
	Decision  string
	Rationale string
	Owner     string
	Date      string
	Outcome   string
	Extra     map[string]json.RawMessage
}

func (DecisionItem) Kind() Type { return TypeDecisions }

type TimelineItem struct {
	At        string
	EventType string
	Message   string
	Extra     map[string]json.RawMessage
}

func (TimelineItem) Kind() Type { return TypeTimeline }

// ArtifactItem references uploaded files by id; the files themselves live in
// attachment storage scoped to the item id.
type ArtifactItem struct {
	ID        string
	Title     string
	Reference string
	Note      string
	Files     []string
	Extra     map[string]json.RawMessage
}

func (ArtifactItem) Kind() Type { return TypeArtifacts }

const (
	LinkDocument = "document"
	LinkIncident = "incident"
	LinkReport   = "report"
	LinkTask     = "task"
	LinkOther    = "other"
)

type LinkItem struct {
	LinkType  string
	Reference string
	Comment   string
	Extra     map[string]json.RawMessage
}

func (LinkItem) Kind() Type { return TypeLinks }

type TableRow struct {
	Indicator string
	RowType   string
	Context   string
	Extra     map[string]json.RawMessage
}

func (TableRow) Kind() Type { return TypeTable }
