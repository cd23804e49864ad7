package transfer

import "github.com/google/uuid"

// Kind partitions the remap table by entity type so identical UUIDs of
// different kinds never collide.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindAssistant    Kind = "assistant"
	KindFile         Kind = "file"
	KindMessage      Kind = "message"
)

// IDMap is an operation-scoped old-to-new identifier table. Each source ID is
// assigned exactly one fresh UUID on first sight; later lookups of the same
// (kind, id) return the same value. Maps are discarded when the operation
// finishes.
type IDMap struct {
	m map[Kind]map[uuid.UUID]uuid.UUID
}

// NewIDMap returns an empty remap table.
func NewIDMap() *IDMap {
	return &IDMap{m: map[Kind]map[uuid.UUID]uuid.UUID{}}
}

// Assign returns the replacement for old, generating one on first sight.
func (im *IDMap) Assign(kind Kind, old uuid.UUID) uuid.UUID {
	byID := im.m[kind]
	if byID == nil {
		byID = map[uuid.UUID]uuid.UUID{}
		im.m[kind] = byID
	}
	if v, ok := byID[old]; ok {
		return v
	}
	v := uuid.New()
	byID[old] = v
	return v
}

// Put records an explicit mapping, e.g. when an import reuses an existing
// assistant instead of creating one.
func (im *IDMap) Put(kind Kind, old, replacement uuid.UUID) {
	byID := im.m[kind]
	if byID == nil {
		byID = map[uuid.UUID]uuid.UUID{}
		im.m[kind] = byID
	}
	byID[old] = replacement
}

// Lookup reports the replacement for old, if one was assigned.
func (im *IDMap) Lookup(kind Kind, old uuid.UUID) (uuid.UUID, bool) {
	v, ok := im.m[kind][old]
	return v, ok
}
