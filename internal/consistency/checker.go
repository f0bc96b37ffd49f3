// Package consistency compares narrative claims against stored cards and
// memory, classifies each structured fact, and applies the tiered resolution
// policy driven by attribute mutability.
package consistency

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/vector"
)

// CardSource is the read side of the card store the checker needs.
type CardSource interface {
	Get(id string) (model.Card, error)
	LastTouched(id, attribute string) (int64, bool)
}

// Retriever finds memory fragments similar to a claim.
type Retriever interface {
	Query(q []float32, k int, filter vector.Filter) ([]vector.Hit, error)
}

// Class is the classification of one fact against current state.
type Class string

const (
	Novel     Class = "novel"
	Agreement Class = "agreement"
	Conflict  Class = "contradiction"
)

// ClaimInput is a claim with the embedding of its text. A nil embedding skips
// retrieval for that claim.
type ClaimInput struct {
	Claim     model.Claim
	Embedding []float32
}

// Request is one batch of claims checked at a single turn.
type Request struct {
	Cards  CardSource
	Index  Retriever
	Turn   int64
	Claims []ClaimInput
}

// Verdict is the outcome for one fact.
type Verdict struct {
	Fact       model.Fact       `json:"fact"`
	Class      Class            `json:"class"`
	Resolution model.Resolution `json:"resolution,omitempty"`
	Applied    bool             `json:"applied"`
}

// Update is a card change the caller should apply.
type Update struct {
	CardID    string      `json:"card_id"`
	Attribute string      `json:"attribute"`
	Value     model.Value `json:"value"`
	Turn      int64       `json:"turn"`
}

// Outcome is everything a check produced. The checker applies nothing itself.
type Outcome struct {
	Related        []vector.Hit          `json:"related,omitempty"`
	Verdicts       []Verdict             `json:"verdicts"`
	Updates        []Update              `json:"updates"`
	Contradictions []model.Contradiction `json:"contradictions"`
}

// Checker holds the resolution policy inputs.
type Checker struct {
	schema model.Schema
	k      int
}

// New returns a checker retrieving k fragments per claim.
func New(schema model.Schema, k int) *Checker {
	if k <= 0 {
		k = 5
	}
	return &Checker{schema: schema, k: k}
}

// Resolve applies the tiered policy to a contradiction. priorTurn is the turn
// that last set the attribute. The result depends only on its arguments.
func Resolve(m model.Mutability, priorTurn, turn int64) model.Resolution {
	switch m {
	case model.Mutable:
		if turn > priorTurn {
			return model.AutoAccepted
		}
		return model.FlaggedForReview
	case model.Immutable:
		return model.AutoRejected
	default:
		return model.FlaggedForReview
	}
}

// SeverityOf ranks a contradiction by the attribute's mutability.
func SeverityOf(m model.Mutability) model.Severity {
	switch m {
	case model.Immutable:
		return model.SeverityHigh
	case model.Mutable:
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

// Validate checks one fact against the cards it references: the card must
// exist, the attribute must be named, and the value must match both the schema
// type and the type of the current value.
func (c *Checker) Validate(cards CardSource, f model.Fact) error {
	_, err := c.validate(cards, f)
	return err
}

func (c *Checker) validate(cards CardSource, f model.Fact) (model.Card, error) {
	if f.CardID == "" {
		return model.Card{}, &model.ValidationError{Field: "card_id", Reason: "fact names no card"}
	}
	card, err := cards.Get(f.CardID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.Card{}, &model.ValidationError{Field: "card_id", Reason: "unknown card " + f.CardID}
		}
		return model.Card{}, err
	}
	if strings.TrimSpace(f.Attribute) == "" {
		return model.Card{}, &model.ValidationError{Field: "attribute", Reason: "fact names no attribute"}
	}
	if err := c.schema.CheckValue(card.Kind, f.Attribute, f.Value); err != nil {
		return model.Card{}, err
	}
	if cur, ok := card.Attributes[f.Attribute]; ok && cur.Type != f.Value.Type {
		return model.Card{}, &model.ValidationError{
			Field:  f.CardID + "." + f.Attribute,
			Reason: fmt.Sprintf("current value is %s, claim is %s", cur.Type, f.Value.Type),
		}
	}
	if f.Value.Type == model.TypeRef {
		target, err := cards.Get(f.Value.Str)
		if err != nil {
			return model.Card{}, &model.ValidationError{Field: f.CardID + "." + f.Attribute, Reason: "reference to unknown card " + f.Value.Str}
		}
		if want := c.schema.Spec(card.Kind, f.Attribute).RefKind; want != "" && target.Kind != want {
			return model.Card{}, &model.ValidationError{
				Field:  f.CardID + "." + f.Attribute,
				Reason: fmt.Sprintf("reference must be a %s, %s is a %s", want, target.ID, target.Kind),
			}
		}
	}
	return card, nil
}

type pendingValue struct {
	value model.Value
	turn  int64
}

// Check runs retrieve, classify, resolve and emit over every claim in order.
// Any malformed fact fails the whole check before anything is emitted. Later
// facts in the same request see the effect of earlier accepted ones.
func (c *Checker) Check(ctx context.Context, req Request) (*Outcome, error) {
	type checked struct {
		fact model.Fact
		card model.Card
	}
	facts := make([][]checked, len(req.Claims))
	for i, in := range req.Claims {
		for _, f := range in.Claim.Facts {
			card, err := c.validate(req.Cards, f)
			if err != nil {
				return nil, fmt.Errorf("claim %d: %w", i, err)
			}
			facts[i] = append(facts[i], checked{fact: f, card: card})
		}
	}

	out := &Outcome{Verdicts: []Verdict{}, Updates: []Update{}, Contradictions: []model.Contradiction{}}
	seen := make(map[string]bool)
	pending := make(map[string]pendingValue)

	for i, in := range req.Claims {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var hits []vector.Hit
		if req.Index != nil && in.Embedding != nil {
			var err error
			hits, err = req.Index.Query(in.Embedding, c.k, nil)
			if err != nil {
				return nil, fmt.Errorf("claim %d: retrieve: %w", i, err)
			}
			for _, h := range hits {
				if !seen[h.Fragment.ID] {
					seen[h.Fragment.ID] = true
					out.Related = append(out.Related, h)
				}
			}
		}

		for _, ck := range facts[i] {
			f := ck.fact
			key := f.CardID + "\x00" + f.Attribute

			prior, hasPrior := ck.card.Attributes[f.Attribute]
			priorTurn, _ := req.Cards.LastTouched(f.CardID, f.Attribute)
			if p, ok := pending[key]; ok {
				prior, hasPrior, priorTurn = p.value, true, p.turn
			}

			v := Verdict{Fact: f}
			switch {
			case !hasPrior:
				v.Class, v.Resolution, v.Applied = Novel, model.AutoAccepted, true
			case prior.Equal(f.Value):
				v.Class = Agreement
			default:
				spec := c.schema.Spec(ck.card.Kind, f.Attribute)
				v.Class = Conflict
				v.Resolution = Resolve(spec.Mutability, priorTurn, req.Turn)
				v.Applied = v.Resolution == model.AutoAccepted

				old, val := prior, f.Value
				out.Contradictions = append(out.Contradictions, model.Contradiction{
					ID:         model.NewID(),
					ClaimText:  in.Claim.Text,
					CardID:     f.CardID,
					FragmentID: evidence(hits, f.CardID, prior),
					Attribute:  f.Attribute,
					OldValue:   &old,
					NewValue:   &val,
					Resolution: v.Resolution,
					Severity:   SeverityOf(spec.Mutability),
					TurnID:     req.Turn,
				})
			}
			if v.Applied {
				out.Updates = append(out.Updates, Update{CardID: f.CardID, Attribute: f.Attribute, Value: f.Value, Turn: req.Turn})
				pending[key] = pendingValue{value: f.Value, turn: req.Turn}
			}
			out.Verdicts = append(out.Verdicts, v)
		}
	}
	return out, nil
}

// evidence picks the best retrieved fragment that references the card and
// mentions its prior value.
func evidence(hits []vector.Hit, cardID string, prior model.Value) string {
	needle := model.Normalize(prior.String())
	if needle == "" {
		return ""
	}
	for _, h := range hits {
		if h.Fragment.References(cardID) && strings.Contains(model.Normalize(h.Fragment.Text), needle) {
			return h.Fragment.ID
		}
	}
	return ""
}
