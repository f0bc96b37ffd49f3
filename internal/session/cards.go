package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/story-memory/internal/cards"
	"github.com/rcliao/story-memory/internal/model"
)

// CardParams holds parameters for creating a card outside a turn.
type CardParams struct {
	ID         string
	Kind       model.Kind
	Name       string
	Attributes map[string]model.Value
	Tags       []string
}

// CreateCard adds a card to a campaign. Its history is attributed to the
// campaign's last committed turn.
func (o *Orchestrator) CreateCard(ctx context.Context, campaignID string, p CardParams) (model.Card, error) {
	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return model.Card{}, err
	}
	defer unlock()

	if err := checkRefs(c.schema, c.cards, p.Kind, p.Attributes, nil); err != nil {
		return model.Card{}, err
	}

	b := c.backup()
	c.view.Lock()
	id, err := c.cards.Create(cards.CreateParams{
		ID:         strings.TrimSpace(p.ID),
		Kind:       p.Kind,
		Name:       p.Name,
		Attributes: p.Attributes,
		Tags:       p.Tags,
		Turn:       c.meta.LastTurn,
	})
	c.view.Unlock()
	if err != nil {
		return model.Card{}, err
	}

	if err := o.persistOrRollback(ctx, c, b); err != nil {
		return model.Card{}, err
	}
	o.log.Debug("card created", zap.String("campaign", campaignID), zap.String("card", id), zap.String("kind", string(p.Kind)))
	return c.cards.Get(id)
}

// SetAttribute changes one attribute directly, bypassing the consistency
// policy. The change is attributed to the last committed turn.
func (o *Orchestrator) SetAttribute(ctx context.Context, campaignID, cardID, attribute string, v model.Value) (model.Card, error) {
	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return model.Card{}, err
	}
	defer unlock()

	fact := model.Fact{CardID: cardID, Attribute: attribute, Value: v}
	if err := c.checker.Validate(c.cards, fact); err != nil {
		if !c.cards.Exists(cardID) {
			return model.Card{}, &model.NotFoundError{Kind: "card", ID: cardID}
		}
		return model.Card{}, err
	}

	b := c.backup()
	c.view.Lock()
	_, err = c.cards.Update(cardID, attribute, v, c.meta.LastTurn)
	c.view.Unlock()
	if err != nil {
		return model.Card{}, err
	}

	if err := o.persistOrRollback(ctx, c, b); err != nil {
		return model.Card{}, err
	}
	return c.cards.Get(cardID)
}

// TagCard adds a tag to a card, or removes it when remove is set.
func (o *Orchestrator) TagCard(ctx context.Context, campaignID, cardID, tag string, remove bool) (model.Card, error) {
	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return model.Card{}, err
	}
	defer unlock()

	before, err := c.cards.Get(cardID)
	if err != nil {
		return model.Card{}, err
	}

	b := c.backup()
	c.view.Lock()
	var rev int
	if remove {
		rev, err = c.cards.RemoveTag(cardID, tag, c.meta.LastTurn)
	} else {
		rev, err = c.cards.AddTag(cardID, tag, c.meta.LastTurn)
	}
	c.view.Unlock()
	if err != nil {
		return model.Card{}, err
	}

	if rev != before.Revision {
		if err := o.persistOrRollback(ctx, c, b); err != nil {
			return model.Card{}, err
		}
	}
	return c.cards.Get(cardID)
}

// GetCard returns the current snapshot of a card.
func (o *Orchestrator) GetCard(ctx context.Context, campaignID, cardID string) (model.Card, error) {
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return model.Card{}, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	return c.cards.Get(cardID)
}

// CardHistory returns a card's full revision history, oldest first.
func (o *Orchestrator) CardHistory(ctx context.Context, campaignID, cardID string) ([]model.HistoryEntry, error) {
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	return c.cards.History(cardID)
}

// FindParams filters FindCards. Empty fields match everything.
type FindParams struct {
	Name string
	Kind model.Kind
	Tag  string
}

// FindCards returns the cards matching every given filter, ordered by id.
func (o *Orchestrator) FindCards(ctx context.Context, campaignID string, p FindParams) ([]model.Card, error) {
	if p.Kind != "" && !model.ValidKinds[p.Kind] {
		return nil, &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("invalid kind %q", p.Kind)}
	}
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	c.view.RLock()
	defer c.view.RUnlock()

	found := c.cards.FindByName(p.Name, p.Kind)
	out := make([]model.Card, 0, len(found))
	for _, card := range found {
		if p.Tag != "" && !card.HasTag(p.Tag) {
			continue
		}
		out = append(out, card)
	}
	return out, nil
}

// checkRefs verifies that every ref attribute names an existing card of the
// kind the schema expects. pending holds cards that will exist by the time
// the attributes are applied.
func checkRefs(schema model.Schema, store *cards.Store, kind model.Kind, attrs map[string]model.Value, pending map[string]model.Kind) error {
	for name, v := range attrs {
		if v.Type != model.TypeRef {
			continue
		}
		targetKind, ok := pending[v.Str]
		if !ok {
			target, err := store.Get(v.Str)
			if err != nil {
				return &model.ValidationError{Field: name, Reason: "reference to unknown card " + v.Str}
			}
			targetKind = target.Kind
		}
		if want := schema.Spec(kind, name).RefKind; want != "" && targetKind != want {
			return &model.ValidationError{Field: name, Reason: fmt.Sprintf("reference must be a %s, %s is a %s", want, v.Str, targetKind)}
		}
	}
	return nil
}
