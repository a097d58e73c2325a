package blocks

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	SchemaV2     = "incident-stage/v2"
	SchemaLegacy = "incident-stage/v1"
)

// Content is a parsed stage document.
type Content struct {
	StageType  StageType
	Blocks     []Block
	Serialized string
	// Recovered is set when the raw text could not be read as a document and
	// was kept as a single note instead.
	Recovered bool
}

type document struct {
	Schema    string           `json:"schema"`
	StageType StageType        `json:"stageType"`
	Blocks    []map[string]any `json:"blocks"`
}

// Serialize returns the canonical text of a document. Blocks are normalized
// first, keys are emitted in a fixed order, and no value depends on locale or
// floating point formatting, so equal documents always produce equal text.
func Serialize(stageType StageType, list []Block) string {
	st := NormalizeStageType(string(stageType))
	doc := document{Schema: SchemaV2, StageType: st, Blocks: make([]map[string]any, 0, len(list))}
	for _, b := range NormalizeAll(list, st) {
		doc.Blocks = append(doc.Blocks, encodeBlock(b))
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		// Only reachable through a broken extra field; cleanExtra rules that out
		// for normalized blocks.
		return `{"schema":"` + SchemaV2 + `","stageType":"` + string(st) + `","blocks":[]}`
	}
	return strings.TrimRight(buf.String(), "\n")
}

func encodeBlock(b Block) map[string]any {
	known := map[string]any{
		"id":   b.ID,
		"type": string(b.Type),
	}
	if b.Type.HasItems() {
		items := make([]map[string]any, 0, len(b.Items))
		for _, item := range b.Items {
			items = append(items, item.encode())
		}
		known["items"] = items
	} else {
		known["text"] = b.Text
	}
	return merge(b.Extra, known)
}

// ParseContent reads a stored document. It never fails: anything that cannot
// be read as a document becomes the text of a single note block.
func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return build(StageCustom, nil, false)
	}
	switch trimmed[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			return recovered(raw)
		}
		return parseObject(raw, fields)
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elems); err != nil {
			return recovered(raw)
		}
		return build(StageCustom, decodeBlocks(elems), false)
	default:
		return recovered(raw)
	}
}

func parseObject(raw string, fields map[string]json.RawMessage) Content {
	f := fieldSet(fields)
	f.take("schema")
	stageType := f.take("stageType")
	if legacy := f.take("type"); stageType == "" {
		stageType = legacy
	}
	st := NormalizeStageType(stageType)
	rawBlocks, ok := f["blocks"]
	if !ok {
		if len(f) == 0 {
			return build(st, nil, false)
		}
		return recovered(raw)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(rawBlocks, &elems); err != nil {
		return recovered(raw)
	}
	return build(st, decodeBlocks(elems), false)
}

func decodeBlocks(elems []json.RawMessage) []Block {
	out := make([]Block, 0, len(elems))
	for _, el := range elems {
		out = append(out, decodeBlock(el))
	}
	return out
}

func decodeBlock(raw json.RawMessage) Block {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Block{Type: TypeNote, Text: rawString(raw)}
	}
	f := fieldSet(fields)
	b := Block{
		ID:   f.take("id"),
		Type: Type(strings.ToLower(strings.TrimSpace(f.take("type")))),
	}
	if !b.Type.HasItems() {
		if b.Type != TypeNote && b.Type != "" {
			quoted, _ := json.Marshal(string(b.Type))
			f[legacyTypeKey] = quoted
		}
		b.Type = TypeNote
		b.Text = f.take("text")
		b.Extra = f.rest()
		return b
	}
	var elems []json.RawMessage
	if rawItems, ok := f["items"]; ok {
		delete(f, "items")
		if err := json.Unmarshal(rawItems, &elems); err != nil {
			// A scalar in place of the list is treated as a single item.
			elems = []json.RawMessage{rawItems}
		}
	}
	v := variants[b.Type]
	for _, el := range elems {
		var itemFields map[string]json.RawMessage
		if err := json.Unmarshal(el, &itemFields); err != nil || itemFields == nil {
			b.Items = append(b.Items, v.fromText(rawString(el)))
			continue
		}
		b.Items = append(b.Items, v.decode(fieldSet(itemFields)))
	}
	b.Extra = f.rest()
	return b
}

func recovered(raw string) Content {
	c := build(StageCustom, []Block{{Type: TypeNote, Text: raw}}, true)
	return c
}

func build(st StageType, list []Block, recoveredText bool) Content {
	normalized := NormalizeAll(list, st)
	return Content{
		StageType:  st,
		Blocks:     normalized,
		Serialized: Serialize(st, normalized),
		Recovered:  recoveredText,
	}
}
