package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"berkut-cases/core/blocks"
	"berkut-cases/core/casework"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/store"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON() bool {
	return strings.EqualFold(formatFlag, "json")
}

func printCase(w io.Writer, c *store.Case) error {
	if wantJSON() {
		return printJSON(w, c)
	}
	_, err := fmt.Fprintf(w, "%s  %s  [%s/%s] v%d\n", c.RegNo, c.Title, c.Status, c.Severity, c.Version)
	return err
}

func printCases(w io.Writer, items []store.Case) error {
	if wantJSON() {
		return printJSON(w, items)
	}
	for i := range items {
		if _, err := fmt.Fprintf(w, "%d\t", items[i].ID); err != nil {
			return err
		}
		if err := printCase(w, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

type stageView struct {
	Stage    store.CaseStage `json:"stage"`
	Version  int             `json:"entry_version"`
	Dirty    bool            `json:"dirty"`
	Editable bool            `json:"editable"`
	Content  json.RawMessage `json:"content"`
}

func printView(w io.Writer, view *casework.CaseView) error {
	if wantJSON() {
		out := struct {
			Case          store.Case  `json:"case"`
			DisplayStatus string      `json:"display_status"`
			Stages        []stageView `json:"stages"`
		}{Case: view.Record(), DisplayStatus: view.DisplayStatus()}
		for _, st := range view.Stages() {
			out.Stages = append(out.Stages, stageView{
				Stage:    st.Record(),
				Version:  st.EntryVersion(),
				Dirty:    st.Dirty(),
				Editable: st.Editable(),
				Content:  json.RawMessage(st.Serialized()),
			})
		}
		return printJSON(w, out)
	}
	rec := view.Record()
	fmt.Fprintf(w, "%s  %s  [%s/%s] v%d\n", rec.RegNo, rec.Title, view.DisplayStatus(), rec.Severity, rec.Version)
	if rec.Meta.ClosureOutcome != "" {
		fmt.Fprintf(w, "outcome: %s\n", rec.Meta.ClosureOutcome)
	}
	for _, st := range view.Stages() {
		renderStage(w, st)
	}
	return nil
}

func renderStage(w io.Writer, st *stagecontent.Stage) {
	rec := st.Record()
	flags := []string{string(st.StageType()), rec.Status, fmt.Sprintf("v%d", st.EntryVersion())}
	if rec.IsDefault {
		flags = append(flags, "overview")
	}
	if !st.Editable() {
		flags = append(flags, "read-only")
	}
	if st.Dirty() {
		flags = append(flags, "unsaved")
	}
	fmt.Fprintf(w, "\n[%d] %s (%s)\n", rec.ID, rec.Title, strings.Join(flags, ", "))
	for _, b := range st.Blocks() {
		renderBlock(w, b)
	}
}

func renderBlock(w io.Writer, b blocks.Block) {
	if b.Type == blocks.TypeNote {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			text = "(empty)"
		}
		fmt.Fprintf(w, "  note %s: %s\n", shortID(b.ID), text)
		return
	}
	fmt.Fprintf(w, "  %s %s:\n", b.Type, shortID(b.ID))
	for i, item := range b.Items {
		fmt.Fprintf(w, "    %d. %s\n", i, itemLine(item))
	}
}

func itemLine(item blocks.Item) string {
	switch it := item.(type) {
	case blocks.ChecklistItem:
		mark := " "
		if it.Done() {
			mark = "x"
		}
		return fmt.Sprintf("[%s] %s", mark, orDash(it.Text))
	case blocks.ActionItem:
		return joinNonEmpty(orDash(it.Action), it.Owner, it.Result)
	case blocks.DecisionItem:
		return joinNonEmpty(orDash(it.Decision), it.Outcome, it.Rationale)
	case blocks.TimelineItem:
		return joinNonEmpty(it.At, it.EventType, orDash(it.Message))
	case blocks.ArtifactItem:
		return joinNonEmpty(orDash(it.Title), it.Reference, fmt.Sprintf("%d file(s)", len(it.Files)))
	case blocks.LinkItem:
		return joinNonEmpty(it.LinkType, orDash(it.Reference), it.Comment)
	case blocks.TableRow:
		return joinNonEmpty(orDash(it.Indicator), it.RowType, it.Context)
	}
	return "?"
}

func printTimeline(w io.Writer, items []store.TimelineEvent) error {
	if wantJSON() {
		return printJSON(w, items)
	}
	for _, ev := range items {
		if _, err := fmt.Fprintf(w, "%s  %-22s %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType, ev.Message); err != nil {
			return err
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " | ")
}
