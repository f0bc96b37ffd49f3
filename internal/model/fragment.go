package model

// Fragment is one embedded, retrievable unit of narrative text. Its embedding
// is fixed at insertion; a changed fragment is a new fragment with a new id.
type Fragment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
	TurnID     int64     `json:"turn_id"`
	CardIDs    []string  `json:"referenced_card_ids,omitempty"`
	Seq        uint64    `json:"seq"`
	Importance float64   `json:"importance,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// Fragment sources.
const (
	SourceTurn = "turn"
	SourceLore = "lore"
)

// References reports whether the fragment references cardID.
func (f Fragment) References(cardID string) bool {
	for _, id := range f.CardIDs {
		if id == cardID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the fragment.
func (f Fragment) Clone() Fragment {
	out := f
	out.Embedding = append([]float32(nil), f.Embedding...)
	out.CardIDs = append([]string(nil), f.CardIDs...)
	return out
}

// Fact is one structured attribute assertion about a card.
type Fact struct {
	CardID    string `json:"card_id"`
	Attribute string `json:"attribute"`
	Value     Value  `json:"value"`
}

// Claim is narrative text plus the structured facts extracted from it.
type Claim struct {
	Text  string `json:"text"`
	Facts []Fact `json:"facts,omitempty"`
}
