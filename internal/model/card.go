// Package model defines the core narrative memory data types.
package model

import (
	"sort"
	"time"
)

// Kind is the entity category of a card.
type Kind string

const (
	KindCharacter    Kind = "character"
	KindLocation     Kind = "location"
	KindItem         Kind = "item"
	KindRelationship Kind = "relationship"
)

// ValidKinds are the allowed card kinds.
var ValidKinds = map[Kind]bool{
	KindCharacter:    true,
	KindLocation:     true,
	KindItem:         true,
	KindRelationship: true,
}

// Card is the current snapshot of one persistent entity. Attributes hold the
// value from the highest revision that touched each attribute.
type Card struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Name       string           `json:"name,omitempty"`
	Attributes map[string]Value `json:"attributes"`
	Revision   int              `json:"revision"`
	Tags       []string         `json:"tags,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// HasTag reports whether the card carries tag.
func (c Card) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the card.
func (c Card) Clone() Card {
	out := c
	out.Attributes = make(map[string]Value, len(c.Attributes))
	for k, v := range c.Attributes {
		out.Attributes[k] = v
	}
	out.Tags = append([]string(nil), c.Tags...)
	return out
}

// AttributeNames returns the attribute names in sorted order.
func (c Card) AttributeNames() []string {
	names := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HistoryOp is the kind of mutation a history entry records.
type HistoryOp string

const (
	OpSet   HistoryOp = "set"
	OpTag   HistoryOp = "tag"
	OpUntag HistoryOp = "untag"
)

// HistoryEntry is one immutable record of a card mutation. For OpSet entries
// Attribute names the attribute; for tag ops it names the tag.
type HistoryEntry struct {
	Revision   int       `json:"revision"`
	Op         HistoryOp `json:"op"`
	Attribute  string    `json:"attribute"`
	OldValue   *Value    `json:"old_value,omitempty"`
	NewValue   *Value    `json:"new_value,omitempty"`
	SourceTurn int64     `json:"source_turn"`
}

// CardRecord is a card together with its full history, the unit of
// persistence for the card store.
type CardRecord struct {
	Card    Card           `json:"card"`
	History []HistoryEntry `json:"history"`
}
