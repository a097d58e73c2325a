package blocks

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
)

const legacyTypeKey = "legacy_type"

// idNamespace scopes ids derived for blocks and items stored without one.
var idNamespace = uuid.NewV5(uuid.NamespaceURL, "urn:berkut-cases:stage-blocks")

// NewID returns a fresh block or item identifier.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}

// derivedID is a stable id for content that arrived without one, so parsing
// or serializing the same document twice yields the same text.
func derivedID(parts ...string) string {
	return uuid.NewV5(idNamespace, strings.Join(parts, "\x00")).String()
}

// CreateTemplate returns a block of type t holding exactly one template item
// (empty text for notes). The block has no id yet.
func CreateTemplate(t Type) Block {
	if !t.HasItems() {
		return Block{Type: TypeNote}
	}
	return Block{Type: t, Items: []Item{variants[t].template()}}
}

// NewBlock is a normalized template with fresh ids, so two new blocks of the
// same type never share one.
func NewBlock(t Type, stageType StageType) Block {
	b := CreateTemplate(t)
	b.ID = NewID()
	for i, item := range b.Items {
		if a, ok := item.(ArtifactItem); ok {
			a.ID = NewID()
			b.Items[i] = a
		}
	}
	return Normalize(b, stageType)
}

// Normalize returns a corrected deep copy of b. It is idempotent: a second
// pass returns an equal block. A missing id is derived from the stage type
// and the block content.
func Normalize(b Block, stageType StageType) Block {
	return normalizeAt(b, stageType, 0)
}

func normalizeAt(b Block, stageType StageType, index int) Block {
	out := Block{
		ID:   strings.TrimSpace(b.ID),
		Type: Type(strings.ToLower(strings.TrimSpace(string(b.Type)))),
		Text: b.Text,
	}
	extra := b.Extra
	if !out.Type.Valid() {
		if out.Type != "" && extra[legacyTypeKey] == nil {
			extra = copyExtra(extra)
			raw, _ := json.Marshal(string(out.Type))
			extra[legacyTypeKey] = raw
		}
		out.Type = TypeNote
		if len(b.Items) > 0 {
			out.Type = b.Items[0].Kind()
		}
	}
	if out.Type.HasItems() {
		out.Text = ""
		items := make([]Item, 0, len(b.Items))
		for _, item := range b.Items {
			if item == nil || item.Kind() != out.Type {
				continue
			}
			items = append(items, item.normalize(stageType))
		}
		if len(items) == 0 {
			items = append(items, variants[out.Type].template().normalize(stageType))
		}
		out.Items = items
		out.Extra = cleanExtra(extra, []string{"id", "type", "items"})
	} else {
		out.Extra = cleanExtra(extra, []string{"id", "type", "text"})
	}
	assignIDs(&out, stageType, index)
	return out
}

// NormalizeAll normalizes every block of a document. Blocks without an id
// get one derived from their position and content.
func NormalizeAll(list []Block, stageType StageType) []Block {
	out := make([]Block, 0, len(list))
	for i, b := range list {
		out = append(out, normalizeAt(b, stageType, i))
	}
	return out
}

func assignIDs(b *Block, stageType StageType, index int) {
	if b.ID == "" {
		b.ID = derivedID("block", string(stageType), strconv.Itoa(index), fingerprint(encodeBlock(*b)))
	}
	for i, item := range b.Items {
		a, ok := item.(ArtifactItem)
		if !ok || a.ID != "" {
			continue
		}
		a.ID = derivedID("artifact", b.ID, strconv.Itoa(i), fingerprint(a.encode()))
		b.Items[i] = a
	}
}

func fingerprint(v map[string]any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func copyExtra(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
