package cards

import (
	"fmt"
	"sort"

	"github.com/rcliao/story-memory/internal/model"
)

// Export returns every card with its full history, ordered by card id.
func (s *Store) Export() []model.CardRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CardRecord, 0, len(s.cards))
	for _, r := range s.cards {
		out = append(out, model.CardRecord{
			Card:    r.card.Clone(),
			History: cloneHistory(r.history),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Card.ID < out[j].Card.ID })
	return out
}

// Restore rebuilds a store from exported records by replaying each card's
// history. It fails if the replay disagrees with the recorded current state,
// so a damaged history is never silently accepted.
func Restore(schema model.Schema, records []model.CardRecord) (*Store, error) {
	s := New(schema)
	for _, rec := range records {
		r, err := replay(rec)
		if err != nil {
			return nil, fmt.Errorf("card %s: %w", rec.Card.ID, err)
		}
		if _, dup := s.cards[rec.Card.ID]; dup {
			return nil, fmt.Errorf("card %s: duplicate id", rec.Card.ID)
		}
		s.cards[rec.Card.ID] = r
	}
	return s, nil
}

func replay(rec model.CardRecord) (*record, error) {
	c := rec.Card
	if c.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if !model.ValidKinds[c.Kind] {
		return nil, fmt.Errorf("invalid kind %q", c.Kind)
	}

	attrs := make(map[string]model.Value)
	touched := make(map[string]int64)
	tags := make(map[string]bool)
	// A card is born at revision 1; only creation entries share a revision.
	rev, creating := 1, true
	for i, e := range rec.History {
		switch {
		case e.Revision == 1 && creating:
		case e.Revision == rev+1:
			creating = false
			rev = e.Revision
		default:
			return nil, fmt.Errorf("entry %d: revision %d after %d", i, e.Revision, rev)
		}

		switch e.Op {
		case model.OpSet:
			if e.NewValue == nil {
				return nil, fmt.Errorf("entry %d: missing new value", i)
			}
			old, had := attrs[e.Attribute]
			switch {
			case had && (e.OldValue == nil || *e.OldValue != old):
				return nil, fmt.Errorf("entry %d: old value of %s does not match replay", i, e.Attribute)
			case !had && e.OldValue != nil:
				return nil, fmt.Errorf("entry %d: old value recorded for unset %s", i, e.Attribute)
			}
			attrs[e.Attribute] = *e.NewValue
			touched[e.Attribute] = e.SourceTurn
		case model.OpTag:
			tags[e.Attribute] = true
		case model.OpUntag:
			delete(tags, e.Attribute)
		default:
			return nil, fmt.Errorf("entry %d: unknown op %q", i, e.Op)
		}
	}

	if rev != c.Revision {
		return nil, fmt.Errorf("revision %d but history ends at %d", c.Revision, rev)
	}
	if len(attrs) != len(c.Attributes) {
		return nil, fmt.Errorf("%d attributes but history yields %d", len(c.Attributes), len(attrs))
	}
	for name, v := range attrs {
		if cur, ok := c.Attributes[name]; !ok || cur != v {
			return nil, fmt.Errorf("attribute %s does not match history", name)
		}
	}
	if len(tags) != len(c.Tags) {
		return nil, fmt.Errorf("tags do not match history")
	}
	for _, t := range c.Tags {
		if !tags[t] {
			return nil, fmt.Errorf("tag %s does not match history", t)
		}
	}

	card := c.Clone()
	sort.Strings(card.Tags)
	return &record{
		card:    card,
		history: cloneHistory(rec.History),
		touched: touched,
	}, nil
}
