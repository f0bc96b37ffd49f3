package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Campaign is the top-level namespace that owns cards, fragments and
// contradiction records.
type Campaign struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Schema    Schema    `json:"schema,omitempty"`
	LastTurn  int64     `json:"last_turn"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the durable representation of one campaign.
type Snapshot struct {
	Campaign       Campaign        `json:"campaign"`
	Cards          []CardRecord    `json:"cards"`
	Fragments      []Fragment      `json:"fragments"`
	NextSeq        uint64          `json:"next_seq"`
	Contradictions []Contradiction `json:"contradictions"`
	SavedAt        time.Time       `json:"saved_at"`
}

// NewID returns a new lexically sortable unique id.
func NewID() string {
	return ulid.Make().String()
}
