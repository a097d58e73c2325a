package blocks

import "strings"

type StageType string

const (
	StageInvestigation StageType = "investigation"
	StageResponse      StageType = "response"
	StageClosure       StageType = "closure"
	StageDecision      StageType = "decision"
	StageCustom        StageType = "custom"
)

// Preset is the block layout a new stage of a given type starts with.
// Required blocks are kept by the authoring tools; the data layer tolerates
// their absence and gating simply fails.
type Preset struct {
	StageType StageType
	Blocks    []Type
	Required  []Type
}

var presets = map[StageType]Preset{
	StageInvestigation: {
		StageType: StageInvestigation,
		Blocks:    []Type{TypeNote, TypeTimeline, TypeArtifacts, TypeChecklist},
		Required:  []Type{TypeNote},
	},
	StageResponse: {
		StageType: StageResponse,
		Blocks:    []Type{TypeActions, TypeChecklist, TypeNote},
		Required:  []Type{TypeActions},
	},
	StageClosure: {
		StageType: StageClosure,
		Blocks:    []Type{TypeDecisions, TypeNote, TypeLinks},
		Required:  []Type{TypeDecisions},
	},
	StageDecision: {
		StageType: StageDecision,
		Blocks:    []Type{TypeDecisions, TypeNote},
		Required:  []Type{TypeDecisions},
	},
	StageCustom: {
		StageType: StageCustom,
		Blocks:    []Type{TypeNote},
	},
}

// NormalizeStageType maps any input onto the preset vocabulary; unknown and
// empty values become custom.
func NormalizeStageType(raw string) StageType {
	st := StageType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := presets[st]; ok {
		return st
	}
	return StageCustom
}

func PresetFor(st StageType) Preset {
	if p, ok := presets[NormalizeStageType(string(st))]; ok {
		return p
	}
	return presets[StageCustom]
}

// PresetBlocks builds the initial, normalized block list for a new stage.
func PresetBlocks(st StageType) []Block {
	p := PresetFor(st)
	out := make([]Block, 0, len(p.Blocks))
	for _, t := range p.Blocks {
		out = append(out, NewBlock(t, p.StageType))
	}
	return out
}

func IsRequired(st StageType, t Type) bool {
	for _, req := range PresetFor(st).Required {
		if req == t {
			return true
		}
	}
	return false
}
