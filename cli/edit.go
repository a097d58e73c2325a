package cli

import (
	"errors"
	"fmt"
	"strings"

	"berkut-cases/core/blocks"
	"berkut-cases/core/cases"
	"berkut-cases/core/casework"
	"berkut-cases/core/stagecontent"
	"berkut-cases/core/utils"
)

var hints = map[string]string{
	cases.ErrClosedReadOnly.Code:         "the case is closed and read-only",
	cases.ErrStageCompletedReadOnly.Code: "the stage is completed and read-only",
	cases.ErrClosureStageMissing.Code:    "add a closure stage before closing",
	cases.ErrClosureStageAmbiguous.Code:  "the case has more than one closure stage",
	cases.ErrNoDecisions.Code:            "record at least one decision in the closure stage",
	cases.ErrClosureStageNotDone.Code:    "complete the closure stage before closing",
	cases.ErrCloseUseAction.Code:         "use `casectl close` to close a case",
	cases.ErrClosureStageExists.Code:     "the case already has a closure stage",
	cases.ErrOverviewNoBlocks.Code:       "the overview stage holds no blocks",
}

// explain adds a short hint to errors a user can act on.
func explain(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, casework.ErrClosureConflict):
		return fmt.Errorf("%w: review the closure stage with `casectl show` and retry", err)
	case errors.Is(err, casework.ErrConflict):
		return fmt.Errorf("%w: someone else saved first, review with `casectl show` and retry", err)
	case errors.Is(err, stagecontent.ErrReadOnly):
		return fmt.Errorf("%w: the stage cannot be edited", err)
	}
	if hint, ok := hints[cases.Code(err)]; ok {
		return fmt.Errorf("%w: %s", err, hint)
	}
	return err
}

// findBlock picks a block by id prefix, or the first block of typ when prefix
// is empty.
func findBlock(st *stagecontent.Stage, typ blocks.Type, prefix string) (blocks.Block, error) {
	prefix = strings.TrimSpace(prefix)
	for _, b := range st.Blocks() {
		if prefix != "" {
			if strings.HasPrefix(b.ID, prefix) {
				return b, nil
			}
			continue
		}
		if b.Type == typ {
			return b, nil
		}
	}
	return blocks.Block{}, fmt.Errorf("stage %d has no %s block", st.ID(), typ)
}

func stageIn(view *casework.CaseView, raw string) (*stagecontent.Stage, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	st := view.Stage(id)
	if st == nil {
		return nil, fmt.Errorf("stage %d: %w", id, casework.ErrStageNotFound)
	}
	return st, nil
}

func setNote(st *stagecontent.Stage, blockPrefix, text string) error {
	if !st.Editable() {
		return stagecontent.ErrReadOnly
	}
	b, err := findBlock(st, blocks.TypeNote, blockPrefix)
	if err != nil {
		id, addErr := st.AddBlock(blocks.TypeNote, -1)
		if addErr != nil {
			return addErr
		}
		return st.SetNoteText(id, text)
	}
	return st.SetNoteText(b.ID, text)
}

func setCheck(st *stagecontent.Stage, blockPrefix string, idx int, done bool) error {
	b, err := findBlock(st, blocks.TypeChecklist, blockPrefix)
	if err != nil {
		return err
	}
	return st.SetChecklistDone(b.ID, idx, done, utils.NowUTC())
}

// addDecision fills the first empty decision item or appends a new one.
func addDecision(st *stagecontent.Stage, blockPrefix string, item blocks.DecisionItem) error {
	b, err := findBlock(st, blocks.TypeDecisions, blockPrefix)
	if err != nil {
		return err
	}
	idx := -1
	for i, it := range b.Items {
		if d, ok := it.(blocks.DecisionItem); ok && !d.Filled() {
			idx = i
			break
		}
	}
	if idx < 0 {
		if idx, err = st.AddItem(b.ID); err != nil {
			return err
		}
	}
	return st.UpdateItem(b.ID, idx, item)
}
