package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/story-memory/internal/cards"
	"github.com/rcliao/story-memory/internal/consistency"
	"github.com/rcliao/story-memory/internal/embedding"
	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/vector"
)

// DefaultImportance is the importance of a turn fragment when none is given.
const DefaultImportance = 0.5

// excerptMin is the smallest remaining budget, in chars, worth an excerpt.
const excerptMin = 100

const ellipsis = "..."

// ContextFragment is one retrieved fragment packed into a bundle.
type ContextFragment struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	TurnID     int64   `json:"turn_id"`
	Source     string  `json:"source,omitempty"`
	Score      float64 `json:"score"`
	Importance float64 `json:"importance,omitempty"`
	Excerpt    bool    `json:"excerpt,omitempty"`
}

// ContextBundle is what the generation step consumes for the next turn.
type ContextBundle struct {
	CampaignID         string                `json:"campaign_id"`
	Turn               int64                 `json:"turn"`
	PlayerInput        string                `json:"player_input"`
	Fragments          []ContextFragment     `json:"fragments"`
	Cards              []model.Card          `json:"cards"`
	OpenContradictions []model.Contradiction `json:"open_contradictions"`
	Budget             int                   `json:"budget"`
	Used               int                   `json:"used"`
}

// BeginTurn assembles the context for the next turn. It only reads; nothing
// about the campaign changes until CommitTurn.
func (o *Orchestrator) BeginTurn(ctx context.Context, campaignID, playerInput string) (*ContextBundle, error) {
	ctx, span := tracer.Start(ctx, "session.BeginTurn")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, spanErr(span, err)
	}

	var query []float32
	if strings.TrimSpace(playerInput) != "" {
		vecs, err := embedding.EmbedAll(ctx, o.opts.Embedder, []string{playerInput})
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("embed player input: %w", err))
		}
		query = vecs[0]
	}

	c.view.RLock()
	defer c.view.RUnlock()

	bundle := &ContextBundle{
		CampaignID:         campaignID,
		Turn:               c.meta.LastTurn + 1,
		PlayerInput:        playerInput,
		Fragments:          []ContextFragment{},
		Cards:              []model.Card{},
		OpenContradictions: c.ledger.Open(),
		Budget:             o.opts.ContextBudget,
	}

	var hits []vector.Hit
	if query != nil {
		hits, err = c.index.Query(query, o.opts.TopK, nil)
		if err != nil {
			return nil, spanErr(span, err)
		}
	}

	referenced := make(map[string]bool)
	var kept []vector.Hit
	for _, h := range hits {
		if h.Score < o.opts.MinScore {
			continue
		}
		kept = append(kept, h)
	}
	bundle.Fragments, bundle.Used = pack(kept, o.opts.ContextBudget)
	for _, h := range kept[:len(bundle.Fragments)] {
		for _, id := range h.Fragment.CardIDs {
			referenced[id] = true
		}
	}

	for _, tag := range o.opts.ContextTags {
		for _, id := range c.cards.FindByTag(tag) {
			referenced[id] = true
		}
	}
	ids := make([]string, 0, len(referenced))
	for id := range referenced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		card, err := c.cards.Get(id)
		if err != nil {
			continue
		}
		bundle.Cards = append(bundle.Cards, card)
	}

	span.SetAttributes(
		attribute.Int64("turn.id", bundle.Turn),
		attribute.Int("bundle.fragments", len(bundle.Fragments)),
		attribute.Int("bundle.cards", len(bundle.Cards)),
	)
	o.log.Debug("turn begun",
		zap.String("campaign", campaignID),
		zap.Int64("turn", bundle.Turn),
		zap.Int("fragments", len(bundle.Fragments)),
		zap.Int("cards", len(bundle.Cards)),
		zap.Int("used", bundle.Used),
	)
	return bundle, nil
}

// pack fits hits, in retrieval order, into a budget of ~4 chars per token.
// When the next hit does not fit and at least excerptMin chars remain, it is
// excerpted and packing stops. used is returned in tokens.
func pack(hits []vector.Hit, budget int) ([]ContextFragment, int) {
	charBudget := budget * 4
	out := []ContextFragment{}
	used := 0
	for _, h := range hits {
		cf := ContextFragment{
			ID:         h.Fragment.ID,
			Text:       h.Fragment.Text,
			TurnID:     h.Fragment.TurnID,
			Source:     h.Fragment.Source,
			Score:      math.Round(h.Score*1000) / 1000,
			Importance: h.Fragment.Importance,
		}
		if used+len(cf.Text) <= charBudget {
			out = append(out, cf)
			used += len(cf.Text)
			continue
		}
		if remaining := charBudget - used; remaining >= excerptMin {
			cf.Text = truncate(cf.Text, remaining-len(ellipsis)) + ellipsis
			cf.Excerpt = true
			out = append(out, cf)
			used += len(cf.Text)
		}
		break
	}
	return out, used / 4
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// CardDraft is a card created as part of a turn. Claims and other drafts
// refer to it as "new:<Ref>" before it has an id.
type CardDraft struct {
	Ref        string                 `json:"ref"`
	Kind       model.Kind             `json:"kind"`
	Name       string                 `json:"name,omitempty"`
	Attributes map[string]model.Value `json:"attributes,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
}

// DraftPrefix marks a card id that names a draft of the same turn.
const DraftPrefix = "new:"

// CommitParams holds everything one turn commits.
type CommitParams struct {
	TurnID        int64         `json:"turn_id"`
	GeneratedText string        `json:"generated_text"`
	Claims        []model.Claim `json:"claims,omitempty"`
	CardIDs       []string      `json:"card_ids,omitempty"`
	Drafts        []CardDraft   `json:"drafts,omitempty"`
	Importance    float64       `json:"importance,omitempty"`
	// SkipInvalid drops claims that fail validation instead of failing the
	// turn. Dropped claims are reported in TurnResult.Skipped.
	SkipInvalid bool `json:"skip_invalid,omitempty"`
}

// SkippedClaim is a claim dropped in skip-invalid mode.
type SkippedClaim struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// TurnResult reports what a committed turn did.
type TurnResult struct {
	CampaignID     string                `json:"campaign_id"`
	TurnID         int64                 `json:"turn_id"`
	FragmentID     string                `json:"fragment_id"`
	CreatedCards   map[string]string     `json:"created_cards,omitempty"`
	Updates        []consistency.Update  `json:"updates"`
	Verdicts       []consistency.Verdict `json:"verdicts"`
	Contradictions []model.Contradiction `json:"contradictions"`
	Superseded     []string              `json:"superseded,omitempty"`
	Skipped        []SkippedClaim        `json:"skipped,omitempty"`
	Persisted      bool                  `json:"persisted"`
}

// CommitTurn is the single linearization point of a turn. It stores the
// generated text as a fragment, checks the claims, applies accepted updates
// and records contradictions, all or nothing. A canceled context before the
// apply step leaves the campaign untouched.
func (o *Orchestrator) CommitTurn(ctx context.Context, campaignID string, p CommitParams) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "session.CommitTurn")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID), attribute.Int64("turn.id", p.TurnID))

	if strings.TrimSpace(p.GeneratedText) == "" {
		return nil, spanErr(span, &model.ValidationError{Field: "generated_text", Reason: "must not be empty"})
	}
	if p.Importance == 0 {
		p.Importance = DefaultImportance
	}

	c, err := o.lookup(ctx, campaignID)
	if err != nil {
		return nil, spanErr(span, err)
	}
	c.view.RLock()
	last := c.meta.LastTurn
	c.view.RUnlock()
	if p.TurnID <= last {
		return nil, spanErr(span, staleTurn(p.TurnID, last))
	}

	// Embeddings are computed before taking the writer lock.
	vecs, err := o.embedTurn(ctx, p.GeneratedText, p.Claims)
	if err != nil {
		return nil, spanErr(span, err)
	}

	c, unlock, err := o.writer(ctx, campaignID)
	if err != nil {
		return nil, spanErr(span, err)
	}
	defer unlock()

	if p.TurnID <= c.meta.LastTurn {
		return nil, spanErr(span, staleTurn(p.TurnID, c.meta.LastTurn))
	}

	plan, err := o.plan(ctx, c, p, vecs)
	if err != nil {
		return nil, spanErr(span, err)
	}

	if err := ctx.Err(); err != nil {
		o.log.Info("turn abandoned", zap.String("campaign", campaignID), zap.Int64("turn", p.TurnID), zap.Error(err))
		return nil, spanErr(span, err)
	}

	res, err := o.apply(c, plan)
	if err != nil {
		return nil, spanErr(span, err)
	}

	res.Persisted = true
	if err := o.persist(ctx, c); err != nil {
		res.Persisted = false
		o.log.Error("turn committed but not persisted", zap.String("campaign", campaignID), zap.Int64("turn", p.TurnID), zap.Error(err))
	}

	span.SetAttributes(
		attribute.String("fragment.id", res.FragmentID),
		attribute.Int("turn.updates", len(res.Updates)),
		attribute.Int("turn.contradictions", len(res.Contradictions)),
	)
	o.log.Info("turn committed",
		zap.String("campaign", campaignID),
		zap.Int64("turn", p.TurnID),
		zap.String("fragment", res.FragmentID),
		zap.Int("updates", len(res.Updates)),
		zap.Int("contradictions", len(res.Contradictions)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

// turnPlan is a fully validated turn, ready to apply.
type turnPlan struct {
	turn     int64
	drafts   []cards.CreateParams
	refs     map[string]string
	fragment model.Fragment
	outcome  *consistency.Outcome
	skipped  []SkippedClaim
}

// plan validates the turn and runs the consistency check without changing
// any campaign state. Callers hold c.commitMu.
func (o *Orchestrator) plan(ctx context.Context, c *campaign, p CommitParams, vecs []embedding.Vector) (*turnPlan, error) {
	pl := &turnPlan{turn: p.TurnID, refs: make(map[string]string)}

	pending := make(map[string]model.Kind)
	for _, d := range p.Drafts {
		ref := strings.TrimSpace(d.Ref)
		if ref == "" {
			return nil, &model.ValidationError{Field: "drafts.ref", Reason: "draft has no ref"}
		}
		if _, dup := pl.refs[ref]; dup {
			return nil, &model.ValidationError{Field: "drafts.ref", Reason: "duplicate draft ref " + ref}
		}
		if !model.ValidKinds[d.Kind] {
			return nil, &model.ValidationError{Field: "drafts." + ref + ".kind", Reason: fmt.Sprintf("invalid kind %q", d.Kind)}
		}
		id := model.NewID()
		pl.refs[ref] = id
		pending[id] = d.Kind
	}
	resolve := func(id string) (string, error) {
		if !strings.HasPrefix(id, DraftPrefix) {
			return id, nil
		}
		ref := strings.TrimPrefix(id, DraftPrefix)
		draftID, ok := pl.refs[ref]
		if !ok {
			return "", &model.ValidationError{Field: "card_id", Reason: "unknown draft " + id}
		}
		return draftID, nil
	}
	resolveValue := func(v model.Value) (model.Value, error) {
		if v.Type != model.TypeRef {
			return v, nil
		}
		id, err := resolve(v.Str)
		if err != nil {
			return model.Value{}, err
		}
		return model.Ref(id), nil
	}

	overlay := &draftOverlay{base: c.cards, drafts: make(map[string]model.Card), turn: p.TurnID}
	for _, d := range p.Drafts {
		id := pl.refs[strings.TrimSpace(d.Ref)]
		attrs := make(map[string]model.Value, len(d.Attributes))
		for name, v := range d.Attributes {
			rv, err := resolveValue(v)
			if err != nil {
				return nil, err
			}
			if err := c.schema.CheckValue(d.Kind, name, rv); err != nil {
				return nil, err
			}
			attrs[name] = rv
		}
		if err := checkRefs(c.schema, c.cards, d.Kind, attrs, pending); err != nil {
			return nil, err
		}
		pl.drafts = append(pl.drafts, cards.CreateParams{
			ID:         id,
			Kind:       d.Kind,
			Name:       d.Name,
			Attributes: attrs,
			Tags:       d.Tags,
			Turn:       p.TurnID,
		})
		overlay.drafts[id] = model.Card{ID: id, Kind: d.Kind, Name: d.Name, Attributes: attrs}
	}

	var inputs []consistency.ClaimInput
	referenced := make(map[string]bool)
	var cardIDs []string
	addRef := func(id string) {
		if !referenced[id] {
			referenced[id] = true
			cardIDs = append(cardIDs, id)
		}
	}

	for _, raw := range p.CardIDs {
		id, err := resolve(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if _, err := overlay.Get(id); err != nil {
			return nil, &model.ValidationError{Field: "card_ids", Reason: "unknown card " + id}
		}
		addRef(id)
	}

claims:
	for i, cl := range p.Claims {
		in := consistency.ClaimInput{Claim: model.Claim{Text: cl.Text}, Embedding: vecs[i+1]}
		for _, f := range cl.Facts {
			rf, err := resolveFact(f, resolve, resolveValue)
			if err == nil {
				err = c.checker.Validate(overlay, rf)
			}
			if err != nil {
				if !p.SkipInvalid {
					return nil, fmt.Errorf("claim %d: %w", i, err)
				}
				pl.skipped = append(pl.skipped, SkippedClaim{Index: i, Text: cl.Text, Reason: err.Error()})
				continue claims
			}
			in.Claim.Facts = append(in.Claim.Facts, rf)
		}
		inputs = append(inputs, in)
		for _, f := range in.Claim.Facts {
			addRef(f.CardID)
		}
	}
	for _, d := range pl.drafts {
		addRef(d.ID)
	}

	pl.fragment = model.Fragment{
		Text:       p.GeneratedText,
		Embedding:  vecs[0],
		TurnID:     p.TurnID,
		CardIDs:    cardIDs,
		Importance: p.Importance,
		Source:     model.SourceTurn,
	}
	if err := c.index.Validate(pl.fragment); err != nil {
		return nil, err
	}

	out, err := c.checker.Check(ctx, consistency.Request{
		Cards:  overlay,
		Index:  c.index,
		Turn:   p.TurnID,
		Claims: inputs,
	})
	if err != nil {
		return nil, err
	}
	pl.outcome = out
	return pl, nil
}

func resolveFact(f model.Fact, resolve func(string) (string, error), resolveValue func(model.Value) (model.Value, error)) (model.Fact, error) {
	id, err := resolve(f.CardID)
	if err != nil {
		return model.Fact{}, err
	}
	v, err := resolveValue(f.Value)
	if err != nil {
		return model.Fact{}, err
	}
	return model.Fact{CardID: id, Attribute: f.Attribute, Value: v}, nil
}

// apply makes a planned turn visible. Either every change lands or the
// campaign is restored to its state before the call.
func (o *Orchestrator) apply(c *campaign, pl *turnPlan) (*TurnResult, error) {
	c.view.Lock()
	defer c.view.Unlock()

	b := c.backup()
	res, err := o.applyLocked(c, pl)
	if err == nil {
		return res, nil
	}
	return nil, o.rollback(c, b, err)
}

func (o *Orchestrator) applyLocked(c *campaign, pl *turnPlan) (*TurnResult, error) {
	res := &TurnResult{
		CampaignID:     c.meta.ID,
		TurnID:         pl.turn,
		Updates:        pl.outcome.Updates,
		Verdicts:       pl.outcome.Verdicts,
		Contradictions: pl.outcome.Contradictions,
		Skipped:        pl.skipped,
	}
	if len(pl.refs) > 0 {
		res.CreatedCards = pl.refs
	}

	for _, d := range pl.drafts {
		if _, err := c.cards.Create(d); err != nil {
			return nil, fmt.Errorf("create draft card: %w", err)
		}
	}
	for _, u := range pl.outcome.Updates {
		if _, err := c.cards.Update(u.CardID, u.Attribute, u.Value, u.Turn); err != nil {
			return nil, fmt.Errorf("apply update %s.%s: %w", u.CardID, u.Attribute, err)
		}
	}

	id, err := c.index.Insert(pl.fragment)
	if err != nil {
		return nil, fmt.Errorf("insert fragment: %w", err)
	}
	res.FragmentID = id

	if err := c.ledger.Add(pl.outcome.Contradictions...); err != nil {
		return nil, fmt.Errorf("record contradictions: %w", err)
	}

	// The turn's accepted or reaffirmed value settles older open records
	// about the same attribute.
	for _, v := range pl.outcome.Verdicts {
		if !v.Applied && v.Class != consistency.Agreement {
			continue
		}
		res.Superseded = append(res.Superseded, c.ledger.SettleFor(v.Fact.CardID, v.Fact.Attribute, pl.turn)...)
	}

	c.meta.LastTurn = pl.turn
	return res, nil
}

// draftOverlay presents the campaign's cards plus the turn's drafts.
type draftOverlay struct {
	base   *cards.Store
	drafts map[string]model.Card
	turn   int64
}

func (d *draftOverlay) Get(id string) (model.Card, error) {
	if c, ok := d.drafts[id]; ok {
		return c.Clone(), nil
	}
	return d.base.Get(id)
}

func (d *draftOverlay) LastTouched(id, attribute string) (int64, bool) {
	if c, ok := d.drafts[id]; ok {
		_, set := c.Attributes[attribute]
		return d.turn, set
	}
	return d.base.LastTouched(id, attribute)
}

// embedTurn embeds the generated text (vecs[0]) and every claim. The
// generated text must embed. A claim that is blank or that the provider
// cannot embed gets a nil vector, so the checker skips retrieval for it.
func (o *Orchestrator) embedTurn(ctx context.Context, text string, claims []model.Claim) ([]embedding.Vector, error) {
	vecs := make([]embedding.Vector, len(claims)+1)
	first, err := embedding.EmbedAll(ctx, o.opts.Embedder, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed turn: %w", err)
	}
	vecs[0] = first[0]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cl := range claims {
		if strings.TrimSpace(cl.Text) == "" {
			continue
		}
		g.Go(func() error {
			v, err := embedding.EmbedAll(gctx, o.opts.Embedder, []string{cl.Text})
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				o.log.Warn("claim not embedded, skipping retrieval", zap.Int("claim", i), zap.Error(err))
				return nil
			}
			vecs[i+1] = v[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embed turn: %w", err)
	}
	return vecs, nil
}

func staleTurn(turn, last int64) error {
	return &model.ValidationError{Field: "turn_id", Reason: fmt.Sprintf("turn %d is not after last committed turn %d", turn, last)}
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
