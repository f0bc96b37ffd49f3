package session

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rcliao/story-memory/internal/chunker"
	"github.com/rcliao/story-memory/internal/consistency"
	"github.com/rcliao/story-memory/internal/embedding"
	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/store"
	"github.com/rcliao/story-memory/internal/vector"
)

// ResolveParams settles a contradiction record after the fact.
type ResolveParams struct {
	RecordID string
	Choice   model.Choice
	Value    *model.Value // required for merge
	Note     string
}

// Resolve settles a flagged or auto-rejected record. Accept applies the
// claimed value; merge applies Value; keep and suppress change no card.
func (o *Orchestrator) Resolve(ctx context.Context, campaignID string, p ResolveParams) (model.Contradiction, error) {
	if !model.ValidChoices[p.Choice] {
		return model.Contradiction{}, &model.ValidationError{Field: "choice", Reason: fmt.Sprintf("invalid choice %q (valid: keep, accept, merge, suppress)", p.Choice)}
	}

	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return model.Contradiction{}, err
	}
	defer unlock()

	rec, err := c.ledger.Get(p.RecordID)
	if err != nil {
		return model.Contradiction{}, err
	}
	if !consistency.Settleable(rec) {
		// Settle reports the precise reason.
		_, err := c.ledger.Settle(p.RecordID, model.Settlement{Choice: p.Choice})
		return model.Contradiction{}, err
	}

	var apply *model.Value
	switch p.Choice {
	case model.ChoiceAccept:
		apply = rec.NewValue
	case model.ChoiceMerge:
		if p.Value == nil {
			return model.Contradiction{}, &model.ValidationError{Field: "value", Reason: "merge needs a value"}
		}
		apply = p.Value
	}
	if apply != nil {
		fact := model.Fact{CardID: rec.CardID, Attribute: rec.Attribute, Value: *apply}
		if err := c.checker.Validate(c.cards, fact); err != nil {
			return model.Contradiction{}, err
		}
	}

	b := c.backup()
	c.view.Lock()
	if apply != nil {
		if _, err := c.cards.Update(rec.CardID, rec.Attribute, *apply, c.meta.LastTurn); err != nil {
			c.view.Unlock()
			return model.Contradiction{}, err
		}
	}
	settled, err := c.ledger.Settle(p.RecordID, model.Settlement{
		Turn:   c.meta.LastTurn,
		Choice: p.Choice,
		Value:  p.Value,
		Note:   strings.TrimSpace(p.Note),
	})
	if err != nil {
		err = o.rollback(c, b, err)
	}
	c.view.Unlock()
	if err != nil {
		return model.Contradiction{}, err
	}

	if err := o.persistOrRollback(ctx, c, b); err != nil {
		return model.Contradiction{}, err
	}
	o.log.Info("contradiction settled",
		zap.String("campaign", campaignID),
		zap.String("record", p.RecordID),
		zap.String("choice", string(p.Choice)),
	)
	return settled, nil
}

// Contradictions returns a campaign's records, all of them or only open ones.
func (o *Orchestrator) Contradictions(ctx context.Context, campaignID string, openOnly bool) ([]model.Contradiction, error) {
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	if openOnly {
		return c.ledger.Open(), nil
	}
	return c.ledger.List(), nil
}

// RunConsistencyCheck audits the whole campaign against its schema and
// reports unresolved records. No claim is applied.
func (o *Orchestrator) RunConsistencyCheck(ctx context.Context, campaignID string) (consistency.Report, error) {
	ctx, span := tracer.Start(ctx, "session.RunConsistencyCheck")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return consistency.Report{}, spanErr(span, err)
	}
	c.view.RLock()
	frags, _ := c.index.Export()
	report := consistency.Audit(c.schema, c.cards.List(""), frags, c.ledger)
	c.view.RUnlock()

	span.SetAttributes(
		attribute.Int("report.unresolved", len(report.Unresolved)),
		attribute.Int("report.issues", len(report.Issues)),
	)
	o.log.Debug("consistency check",
		zap.String("campaign", campaignID),
		zap.Int("unresolved", len(report.Unresolved)),
		zap.Int("issues", len(report.Issues)),
	)
	return report, nil
}

// RecallParams holds parameters for a direct memory query.
type RecallParams struct {
	Query  string
	K      int
	CardID string // only fragments referencing this card
	Source string // turn or lore; empty for both
}

// Recall queries the memory index without starting a turn.
func (o *Orchestrator) Recall(ctx context.Context, campaignID string, p RecallParams) ([]vector.Hit, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, &model.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if p.K == 0 {
		p.K = o.opts.TopK
	}
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	vecs, err := embedding.EmbedAll(ctx, o.opts.Embedder, []string{p.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var filters []vector.Filter
	if p.CardID != "" {
		filters = append(filters, vector.Referencing(p.CardID))
	}
	if p.Source != "" {
		filters = append(filters, vector.FromSource(p.Source))
	}

	c.view.RLock()
	defer c.view.RUnlock()
	return c.index.Query(vecs[0], p.K, vector.All(filters...))
}

// LoreParams holds background text to seed into a campaign's memory.
type LoreParams struct {
	Text       string
	CardIDs    []string
	Importance float64
	Chunking   chunker.Options
}

// SeedLore chunks background text and stores every passage as a turn-0
// fragment. Passages are embedded before the writer lock is taken.
func (o *Orchestrator) SeedLore(ctx context.Context, campaignID string, p LoreParams) ([]string, error) {
	chunks := chunker.Chunk(p.Text, p.Chunking)
	if len(chunks) == 0 {
		return nil, &model.ValidationError{Field: "text", Reason: "no lore text to seed"}
	}
	if p.Importance == 0 {
		p.Importance = DefaultImportance
	}
	if _, err := o.lookup(ctx, campaignID); err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
		if ch.Heading != "" {
			texts[i] = ch.Heading + ": " + ch.Text
		}
	}
	vecs, err := embedding.EmbedAll(ctx, o.opts.Embedder, texts)
	if err != nil {
		return nil, fmt.Errorf("embed lore: %w", err)
	}

	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, id := range p.CardIDs {
		if !c.cards.Exists(id) {
			return nil, &model.ValidationError{Field: "card_ids", Reason: "unknown card " + id}
		}
	}
	frags := make([]model.Fragment, len(texts))
	for i := range texts {
		frags[i] = model.Fragment{
			Text:       texts[i],
			Embedding:  vecs[i],
			TurnID:     0,
			CardIDs:    p.CardIDs,
			Importance: p.Importance,
			Source:     model.SourceLore,
		}
		if err := c.index.Validate(frags[i]); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := c.backup()
	ids := make([]string, 0, len(frags))
	c.view.Lock()
	for _, f := range frags {
		id, err := c.index.Insert(f)
		if err != nil {
			err = o.rollback(c, b, err)
			c.view.Unlock()
			return nil, err
		}
		ids = append(ids, id)
	}
	c.view.Unlock()

	if err := o.persistOrRollback(ctx, c, b); err != nil {
		return nil, err
	}
	o.log.Info("lore seeded", zap.String("campaign", campaignID), zap.Int("fragments", len(ids)))
	return ids, nil
}

// Stats returns counts for one campaign.
func (o *Orchestrator) Stats(ctx context.Context, campaignID string) (store.CampaignStats, error) {
	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return store.CampaignStats{}, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	return store.CampaignStats{
		ID:             c.meta.ID,
		Name:           c.meta.Name,
		LastTurn:       c.meta.LastTurn,
		Cards:          c.cards.Len(),
		HistoryEntries: c.cards.HistoryLen(),
		Fragments:      c.index.Len(),
		Contradictions: c.ledger.Len(),
		Open:           len(c.ledger.Open()),
	}, nil
}
