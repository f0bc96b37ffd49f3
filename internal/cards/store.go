// Package cards holds structured entity records with versioned attributes and
// an append-only revision history.
package cards

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/story-memory/internal/model"
)

// CreateParams holds parameters for creating a card.
type CreateParams struct {
	ID         string // optional; generated when empty, must be unused otherwise
	Kind       model.Kind
	Name       string
	Attributes map[string]model.Value
	Tags       []string
	Turn       int64
}

// Store is an in-memory card store. Reads may run concurrently; writes are
// serialized by the store and, above it, by the campaign's single writer.
type Store struct {
	mu     sync.RWMutex
	schema model.Schema
	cards  map[string]*record
}

type record struct {
	card    model.Card
	history []model.HistoryEntry
	touched map[string]int64 // attribute -> source turn of its latest set
}

// New returns an empty store validating values against schema.
func New(schema model.Schema) *Store {
	return &Store{
		schema: schema,
		cards:  make(map[string]*record),
	}
}

// Create adds a new card at revision 1. Every initial attribute and tag gets a
// history entry for that revision.
func (s *Store) Create(p CreateParams) (string, error) {
	if err := s.validateCreate(p); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID
	if id == "" {
		id = model.NewID()
	}
	if _, ok := s.cards[id]; ok {
		return "", &model.ValidationError{Field: "id", Reason: "card id already in use: " + id}
	}

	r := &record{
		card: model.Card{
			ID:         id,
			Kind:       p.Kind,
			Name:       strings.TrimSpace(p.Name),
			Attributes: make(map[string]model.Value, len(p.Attributes)),
			Revision:   1,
			CreatedAt:  time.Now().UTC(),
		},
		touched: make(map[string]int64, len(p.Attributes)),
	}

	names := make([]string, 0, len(p.Attributes))
	for name := range p.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Attributes[name]
		r.card.Attributes[name] = v
		r.touched[name] = p.Turn
		r.history = append(r.history, model.HistoryEntry{
			Revision:   1,
			Op:         model.OpSet,
			Attribute:  name,
			NewValue:   &v,
			SourceTurn: p.Turn,
		})
	}
	for _, tag := range normalizeTags(p.Tags) {
		r.card.Tags = append(r.card.Tags, tag)
		r.history = append(r.history, model.HistoryEntry{
			Revision:   1,
			Op:         model.OpTag,
			Attribute:  tag,
			SourceTurn: p.Turn,
		})
	}

	s.cards[id] = r
	return id, nil
}

func (s *Store) validateCreate(p CreateParams) error {
	if !model.ValidKinds[p.Kind] {
		return &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("invalid kind %q (valid: character, location, item, relationship)", p.Kind)}
	}
	for name, v := range p.Attributes {
		if err := validAttributeName(name); err != nil {
			return err
		}
		if err := s.schema.CheckValue(p.Kind, name, v); err != nil {
			return err
		}
	}
	for _, tag := range p.Tags {
		if strings.TrimSpace(tag) == "" {
			return &model.ValidationError{Field: "tags", Reason: "empty tag"}
		}
	}
	return nil
}

// Validate checks that an update of attribute to v on card id would succeed,
// without applying it.
func (s *Store) Validate(id, attribute string, v model.Value) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cards[id]
	if !ok {
		return &model.NotFoundError{Kind: "card", ID: id}
	}
	if err := validAttributeName(attribute); err != nil {
		return err
	}
	return s.schema.CheckValue(r.card.Kind, attribute, v)
}

// Update sets attribute to v, appending a history entry under a new revision.
// Prior history entries are never touched.
func (s *Store) Update(id, attribute string, v model.Value, turn int64) (int, error) {
	if err := s.Validate(id, attribute, v); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.cards[id]
	if !ok {
		return 0, &model.NotFoundError{Kind: "card", ID: id}
	}
	entry := model.HistoryEntry{
		Revision:   r.card.Revision + 1,
		Op:         model.OpSet,
		Attribute:  attribute,
		NewValue:   &v,
		SourceTurn: turn,
	}
	if old, had := r.card.Attributes[attribute]; had {
		entry.OldValue = &old
	}
	r.card.Revision = entry.Revision
	r.card.Attributes[attribute] = v
	r.touched[attribute] = turn
	r.history = append(r.history, entry)
	return r.card.Revision, nil
}

// AddTag tags a card. Tagging with a tag it already has is a no-op and
// returns the current revision.
func (s *Store) AddTag(id, tag string, turn int64) (int, error) {
	return s.retag(id, tag, turn, true)
}

// RemoveTag removes a tag. Removing an absent tag is a no-op.
func (s *Store) RemoveTag(id, tag string, turn int64) (int, error) {
	return s.retag(id, tag, turn, false)
}

func (s *Store) retag(id, tag string, turn int64, add bool) (int, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, &model.ValidationError{Field: "tag", Reason: "empty tag"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.cards[id]
	if !ok {
		return 0, &model.NotFoundError{Kind: "card", ID: id}
	}
	if r.card.HasTag(tag) == add {
		return r.card.Revision, nil
	}

	op := model.OpTag
	if add {
		r.card.Tags = append(r.card.Tags, tag)
		sort.Strings(r.card.Tags)
	} else {
		op = model.OpUntag
		kept := r.card.Tags[:0]
		for _, t := range r.card.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		r.card.Tags = kept
	}
	r.card.Revision++
	r.history = append(r.history, model.HistoryEntry{
		Revision:   r.card.Revision,
		Op:         op,
		Attribute:  tag,
		SourceTurn: turn,
	})
	return r.card.Revision, nil
}

// Get returns the current snapshot of a card.
func (s *Store) Get(id string) (model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cards[id]
	if !ok {
		return model.Card{}, &model.NotFoundError{Kind: "card", ID: id}
	}
	return r.card.Clone(), nil
}

// Exists reports whether a card with id exists.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cards[id]
	return ok
}

// LastTouched returns the source turn of the latest entry that set attribute.
func (s *Store) LastTouched(id, attribute string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cards[id]
	if !ok {
		return 0, false
	}
	turn, ok := r.touched[attribute]
	return turn, ok
}

// FindByTag returns the ids of cards carrying tag. Order is unspecified.
func (s *Store) FindByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.cards {
		if r.card.HasTag(tag) {
			ids = append(ids, id)
		}
	}
	return ids
}

// FindByName returns cards whose name contains name, case-insensitively.
// An empty kind matches every kind.
func (s *Store) FindByName(name string, kind model.Kind) []model.Card {
	needle := model.Normalize(name)
	var out []model.Card
	for _, c := range s.List(kind) {
		if strings.Contains(model.Normalize(c.Name), needle) {
			out = append(out, c)
		}
	}
	return out
}

// List returns every card of kind (all kinds when empty), ordered by id.
func (s *Store) List(kind model.Kind) []model.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Card, 0, len(s.cards))
	for _, r := range s.cards {
		if kind == "" || r.card.Kind == kind {
			out = append(out, r.card.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the card's history entries, oldest first.
func (s *Store) History(id string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cards[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "card", ID: id}
	}
	return cloneHistory(r.history), nil
}

// Len returns the number of cards.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards)
}

// HistoryLen returns the total number of history entries across all cards.
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.cards {
		n += len(r.history)
	}
	return n
}

func validAttributeName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return &model.ValidationError{Field: "attribute", Reason: fmt.Sprintf("invalid attribute name %q", name)}
	}
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func cloneHistory(h []model.HistoryEntry) []model.HistoryEntry {
	out := make([]model.HistoryEntry, len(h))
	for i, e := range h {
		out[i] = e
		if e.OldValue != nil {
			v := *e.OldValue
			out[i].OldValue = &v
		}
		if e.NewValue != nil {
			v := *e.NewValue
			out[i].NewValue = &v
		}
	}
	return out
}
