package cases

import (
	"berkut-cases/core/blocks"
	"berkut-cases/core/store"
)

// StageContent pairs a stage record with its parsed blocks.
type StageContent struct {
	Stage  store.CaseStage
	Blocks []blocks.Block
}

// IsClosureStage reports whether a stage is the case's closure stage.
func IsClosureStage(st store.CaseStage) bool {
	return !st.IsDefault && blocks.NormalizeStageType(st.StageType) == blocks.StageClosure
}

// CheckClosure evaluates the closing gate. Checks run in a fixed order so the
// caller always sees the first failing rule: case read-only, exactly one
// closure stage, a recorded decision, then the closure stage being done.
// The returned stage is the closure stage when the gate passes.
func CheckClosure(caseReadOnly bool, stages []StageContent) (*StageContent, error) {
	if caseReadOnly {
		return nil, ErrClosedReadOnly
	}
	var found []int
	for i := range stages {
		if IsClosureStage(stages[i].Stage) {
			found = append(found, i)
		}
	}
	switch {
	case len(found) == 0:
		return nil, ErrClosureStageMissing
	case len(found) > 1:
		return nil, ErrClosureStageAmbiguous
	}
	closure := &stages[found[0]]
	if !blocks.HasDecision(closure.Blocks) {
		return nil, ErrNoDecisions
	}
	if !closure.Stage.Done() {
		return nil, ErrClosureStageNotDone
	}
	return closure, nil
}

// NextFocus picks the stage to show after completing done: the next open
// non-default stage by position, else the closure stage when it is a
// different open stage. Nil when nothing is left.
func NextFocus(stages []store.CaseStage, done store.CaseStage) *store.CaseStage {
	var closure *store.CaseStage
	var next *store.CaseStage
	for i := range stages {
		st := &stages[i]
		if st.ID == done.ID || st.IsDefault || st.Done() {
			continue
		}
		if IsClosureStage(*st) && closure == nil {
			closure = st
		}
		if after(*st, done) && (next == nil || after(*next, *st)) {
			next = st
		}
	}
	if next != nil {
		return next
	}
	return closure
}

func after(a, b store.CaseStage) bool {
	if a.Position != b.Position {
		return a.Position > b.Position
	}
	return a.ID > b.ID
}
