package consistency

import (
	"fmt"
	"sync"

	"github.com/rcliao/story-memory/internal/model"
)

// Ledger keeps every contradiction record of a campaign. Records are never
// removed; settling one attaches a Settlement to it.
type Ledger struct {
	mu      sync.RWMutex
	records []model.Contradiction
	byID    map[string]int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]int)}
}

// Add appends records. Ids must be new.
func (l *Ledger) Add(recs ...model.Contradiction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recs {
		if r.ID == "" {
			return &model.ValidationError{Field: "id", Reason: "contradiction record has no id"}
		}
		if _, dup := l.byID[r.ID]; dup {
			return &model.ValidationError{Field: "id", Reason: "contradiction record already exists: " + r.ID}
		}
	}
	for _, r := range recs {
		l.byID[r.ID] = len(l.records)
		l.records = append(l.records, cloneRecord(r))
	}
	return nil
}

// Get returns a record by id.
func (l *Ledger) Get(id string) (model.Contradiction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return model.Contradiction{}, &model.NotFoundError{Kind: "contradiction", ID: id}
	}
	return cloneRecord(l.records[i]), nil
}

// List returns every record, oldest first.
func (l *Ledger) List() []model.Contradiction {
	return l.filter(func(model.Contradiction) bool { return true })
}

// Open returns records flagged for review and not yet settled, oldest first.
func (l *Ledger) Open() []model.Contradiction {
	return l.filter(model.Contradiction.Open)
}

// OpenFor returns the open records about one card attribute.
func (l *Ledger) OpenFor(cardID, attribute string) []model.Contradiction {
	return l.filter(func(c model.Contradiction) bool {
		return c.Open() && c.CardID == cardID && c.Attribute == attribute
	})
}

func (l *Ledger) filter(keep func(model.Contradiction) bool) []model.Contradiction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []model.Contradiction{}
	for _, r := range l.records {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Settleable reports whether a record may still be overridden: flagged or
// auto-rejected, and not settled before.
func Settleable(c model.Contradiction) bool {
	if c.Settlement != nil {
		return false
	}
	return c.Resolution == model.FlaggedForReview || c.Resolution == model.AutoRejected
}

// Settle attaches a settlement to a record. Merging also marks the record's
// resolution as merged.
func (l *Ledger) Settle(id string, s model.Settlement) (model.Contradiction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byID[id]
	if !ok {
		return model.Contradiction{}, &model.NotFoundError{Kind: "contradiction", ID: id}
	}
	r := &l.records[i]
	if !Settleable(*r) {
		return model.Contradiction{}, &model.ValidationError{Field: "id", Reason: fmt.Sprintf("contradiction %s is %s and cannot be settled", id, describe(*r))}
	}
	if s.Choice == model.ChoiceMerge {
		if s.Value == nil {
			return model.Contradiction{}, &model.ValidationError{Field: "value", Reason: "merge needs a value"}
		}
		r.Resolution = model.Merged
	}
	s = cloneSettlement(s)
	r.Settlement = &s
	return cloneRecord(*r), nil
}

// SettleFor supersedes every open record about a card attribute raised before
// turn. It returns the ids it settled.
func (l *Ledger) SettleFor(cardID, attribute string, turn int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for i := range l.records {
		r := &l.records[i]
		if r.Open() && r.CardID == cardID && r.Attribute == attribute && r.TurnID < turn {
			r.Settlement = &model.Settlement{Turn: turn, Choice: model.ChoiceSupersede}
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Export returns all records in insertion order.
func (l *Ledger) Export() []model.Contradiction {
	return l.List()
}

// RestoreLedger rebuilds a ledger from exported records.
func RestoreLedger(recs []model.Contradiction) (*Ledger, error) {
	l := NewLedger()
	for _, r := range recs {
		switch r.Resolution {
		case model.AutoAccepted, model.AutoRejected, model.Merged, model.FlaggedForReview:
		default:
			return nil, fmt.Errorf("contradiction %s: unknown resolution %q", r.ID, r.Resolution)
		}
		if r.Resolution == model.Merged && r.Settlement == nil {
			return nil, fmt.Errorf("contradiction %s: merged without settlement", r.ID)
		}
		if err := l.Add(r); err != nil {
			return nil, fmt.Errorf("contradiction %s: %w", r.ID, err)
		}
	}
	return l, nil
}

func describe(c model.Contradiction) string {
	if c.Settlement != nil {
		return "already settled (" + string(c.Settlement.Choice) + ")"
	}
	return string(c.Resolution)
}

func cloneRecord(c model.Contradiction) model.Contradiction {
	out := c
	if c.OldValue != nil {
		v := *c.OldValue
		out.OldValue = &v
	}
	if c.NewValue != nil {
		v := *c.NewValue
		out.NewValue = &v
	}
	if c.Settlement != nil {
		s := cloneSettlement(*c.Settlement)
		out.Settlement = &s
	}
	return out
}

func cloneSettlement(s model.Settlement) model.Settlement {
	if s.Value != nil {
		v := *s.Value
		s.Value = &v
	}
	return s
}
