package blocks

import (
	"bytes"
	"encoding/json"
	"strings"
)

// variant describes how one list block type builds, reads and writes its items.
type variant struct {
	keys     []string
	template func() Item
	fromText func(text string) Item
	decode   func(f fieldSet) Item
}

var variants = map[Type]variant{
	TypeChecklist: {
		keys:     []string{"text", "owner", "status", "status_changed_at", "due_value", "due_unit"},
		template: func() Item { return ChecklistItem{Status: ChecklistNotDone} },
		fromText: func(text string) Item { return ChecklistItem{Text: text, Status: ChecklistNotDone} },
		decode: func(f fieldSet) Item {
			return ChecklistItem{
				Text:            f.take("text"),
				Owner:           f.take("owner"),
				Status:          f.take("status"),
				StatusChangedAt: f.take("status_changed_at"),
				DueValue:        f.take("due_value"),
				DueUnit:         f.take("due_unit"),
				Extra:           f.rest(),
			}
		},
	},
	TypeActions: {
		keys:     []string{"action", "owner", "scheduled_at", "result"},
		template: func() Item { return ActionItem{} },
		fromText: func(text string) Item { return ActionItem{Action: text} },
		decode: func(f fieldSet) Item {
			return ActionItem{
				Action:      f.take("action"),
				Owner:       f.take("owner"),
				ScheduledAt: f.take("scheduled_at"),
				Result:      f.take("result"),
				Extra:       f.rest(),
			}
		},
	},
	TypeDecisions: {
		keys:     []string{"decision", "rationale", "owner", "date", "outcome"},
		template: func() Item { return DecisionItem{} },
		fromText: func(text string) Item { return DecisionItem{Decision: text} },
		decode: func(f fieldSet) Item {
			return DecisionItem{
				Decision:  f.take("decision"),
				Rationale: f.take("rationale"),
				Owner:     f.take("owner"),
				Date:      f.take("date"),
				Outcome:   f.take("outcome"),
				Extra:     f.rest(),
			}
		},
	},
	TypeTimeline: {
		keys:     []string{"at", "event_type", "message"},
		template: func() Item { return TimelineItem{} },
		fromText: func(text string) Item { return TimelineItem{Message: text} },
		decode: func(f fieldSet) Item {
			return TimelineItem{
				At:        f.take("at"),
				EventType: f.take("event_type"),
				Message:   f.take("message"),
				Extra:     f.rest(),
			}
		},
	},
	TypeArtifacts: {
		keys:     []string{"id", "title", "reference", "note", "files"},
		template: func() Item { return ArtifactItem{} },
		fromText: func(text string) Item { return ArtifactItem{Title: text} },
		decode: func(f fieldSet) Item {
			return ArtifactItem{
				ID:        f.take("id"),
				Title:     f.take("title"),
				Reference: f.take("reference"),
				Note:      f.take("note"),
				Files:     f.takeList("files"),
				Extra:     f.rest(),
			}
		},
	},
	TypeLinks: {
		keys:     []string{"link_type", "reference", "comment"},
		template: func() Item { return LinkItem{LinkType: LinkOther} },
		fromText: func(text string) Item { return LinkItem{LinkType: LinkOther, Reference: text} },
		decode: func(f fieldSet) Item {
			return LinkItem{
				LinkType:  f.take("link_type"),
				Reference: f.take("reference"),
				Comment:   f.take("comment"),
				Extra:     f.rest(),
			}
		},
	},
	TypeTable: {
		keys:     []string{"indicator", "type", "context"},
		template: func() Item { return TableRow{} },
		fromText: func(text string) Item { return TableRow{Indicator: text} },
		decode: func(f fieldSet) Item {
			return TableRow{
				Indicator: f.take("indicator"),
				RowType:   f.take("type"),
				Context:   f.take("context"),
				Extra:     f.rest(),
			}
		},
	},
}

func (i ChecklistItem) normalize(StageType) Item {
	i.Status = CoerceChecklistStatus(i.Status)
	i.Extra = cleanExtra(i.Extra, variants[TypeChecklist].keys)
	return i
}

func (i ChecklistItem) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"text":              i.Text,
		"owner":             i.Owner,
		"status":            i.Status,
		"status_changed_at": i.StatusChangedAt,
		"due_value":         i.DueValue,
		"due_unit":          i.DueUnit,
	})
}

func (i ActionItem) normalize(StageType) Item {
	i.Extra = cleanExtra(i.Extra, variants[TypeActions].keys)
	return i
}

func (i ActionItem) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"action":       i.Action,
		"owner":        i.Owner,
		"scheduled_at": i.ScheduledAt,
		"result":       i.Result,
	})
}

func (i DecisionItem) normalize(stageType StageType) Item {
	if stageType == StageClosure || stageType == StageDecision {
		if canonical := NormalizeDecisionOutcome(i.Outcome); canonical != "" {
			i.Outcome = canonical
		}
	}
	i.Extra = cleanExtra(i.Extra, variants[TypeDecisions].keys)
	return i
}

func (i DecisionItem) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"decision":  i.Decision,
		"rationale": i.Rationale,
		"owner":     i.Owner,
		"date":      i.Date,
		"outcome":   i.Outcome,
	})
}

func (i TimelineItem) normalize(StageType) Item {
	i.Extra = cleanExtra(i.Extra, variants[TypeTimeline].keys)
	return i
}

func (i TimelineItem) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"at":         i.At,
		"event_type": i.EventType,
		"message":    i.Message,
	})
}

func (i ArtifactItem) normalize(StageType) Item {
	i.ID = strings.TrimSpace(i.ID)
	files := make([]string, 0, len(i.Files))
	for _, id := range i.Files {
		if id = strings.TrimSpace(id); id != "" {
			files = append(files, id)
		}
	}
	i.Files = files
	i.Extra = cleanExtra(i.Extra, variants[TypeArtifacts].keys)
	return i
}

func (i ArtifactItem) encode() map[string]any {
	files := i.Files
	if files == nil {
		files = []string{}
	}
	return merge(i.Extra, map[string]any{
		"id":        i.ID,
		"title":     i.Title,
		"reference": i.Reference,
		"note":      i.Note,
		"files":     files,
	})
}

func (i LinkItem) normalize(StageType) Item {
	switch kind := strings.ToLower(strings.TrimSpace(i.LinkType)); kind {
	case LinkDocument, LinkIncident, LinkReport, LinkTask:
		i.LinkType = kind
	default:
		i.LinkType = LinkOther
	}
	i.Extra = cleanExtra(i.Extra, variants[TypeLinks].keys)
	return i
}

func (i LinkItem) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"link_type": i.LinkType,
		"reference": i.Reference,
		"comment":   i.Comment,
	})
}

func (i TableRow) normalize(StageType) Item {
	i.Extra = cleanExtra(i.Extra, variants[TypeTable].keys)
	return i
}

func (i TableRow) encode() map[string]any {
	return merge(i.Extra, map[string]any{
		"indicator": i.Indicator,
		"type":      i.RowType,
		"context":   i.Context,
	})
}

// CoerceChecklistStatus folds every historical spelling into done / not_done.
func CoerceChecklistStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "completed", "complete", "closed", "yes", "true", "1", "checked":
		return ChecklistDone
	default:
		return ChecklistNotDone
	}
}

type fieldSet map[string]json.RawMessage

func (f fieldSet) take(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	delete(f, key)
	return rawString(raw)
}

// takeList reads an array of ids. Elements may be strings, numbers or
// objects carrying an "id".
func (f fieldSet) takeList(key string) []string {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	delete(f, key)
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		if s := rawString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(elems))
	for _, el := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(el, &obj); err == nil && obj != nil {
			out = append(out, rawString(obj["id"]))
			continue
		}
		out = append(out, rawString(el))
	}
	return out
}

func (f fieldSet) rest() map[string]json.RawMessage {
	if len(f) == 0 {
		return nil
	}
	return f
}

func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

func merge(extra map[string]json.RawMessage, known map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+len(known))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return out
}

// cleanExtra compacts preserved raw fields and drops any that collide with a
// known key, so a document encodes the same way before and after a reload.
func cleanExtra(in map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		if containsKey(known, k) {
			continue
		}
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			quoted, _ := json.Marshal(string(trimmed))
			out[k] = quoted
			continue
		}
		out[k] = json.RawMessage(buf.Bytes())
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
