// Package session sequences turns over a campaign's card store, memory index
// and contradiction ledger. It is the only writer of campaign state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rcliao/story-memory/internal/cards"
	"github.com/rcliao/story-memory/internal/consistency"
	"github.com/rcliao/story-memory/internal/embedding"
	"github.com/rcliao/story-memory/internal/logging"
	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/store"
	"github.com/rcliao/story-memory/internal/vector"
)

var tracer = otel.Tracer("github.com/rcliao/story-memory/internal/session")

// Options configures an Orchestrator.
type Options struct {
	Embedder embedding.Embedder // required
	Store    store.Store        // nil keeps campaigns in memory only
	Logger   *zap.Logger

	Schema        model.Schema // schema for new campaigns; defaults when nil
	TopK          int          // fragments retrieved for a context bundle
	CheckK        int          // fragments retrieved per claim
	MinScore      float64      // hits below this score stay out of the bundle
	ContextBudget int          // bundle budget in tokens, ~4 chars each
	ContextTags   []string     // cards with these tags always join the bundle
}

// Orchestrator serves any number of campaigns. Each campaign has its own
// single-writer section; campaigns never block each other.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	campaigns map[string]*campaign
	// loadMu serializes loading campaigns from the store with deleting them,
	// so a delete cannot race a load that would register the campaign again.
	loadMu sync.Mutex
}

type campaign struct {
	// commitMu admits one writer at a time.
	commitMu sync.Mutex
	// view is held exclusively only while a writer applies its changes, so
	// readers see a turn entirely or not at all.
	view sync.RWMutex

	meta    model.Campaign
	schema  model.Schema
	cards   *cards.Store
	index   *vector.Index
	ledger  *consistency.Ledger
	checker *consistency.Checker
	deleted bool
}

// New returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Embedder == nil {
		return nil, &model.ValidationError{Field: "embedder", Reason: "an embedding provider is required"}
	}
	if opts.Schema == nil {
		opts.Schema = model.DefaultSchema()
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.CheckK <= 0 {
		opts.CheckK = 5
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = 2000
	}
	return &Orchestrator{
		opts:      opts,
		log:       logging.OrNop(opts.Logger),
		campaigns: make(map[string]*campaign),
	}, nil
}

// CreateCampaignParams holds parameters for creating a campaign.
type CreateCampaignParams struct {
	ID     string // optional; generated when empty
	Name   string
	Schema model.Schema // optional; the orchestrator's schema when nil
	Metric string       // cosine (default), dot or euclidean
}

// CreateCampaign registers and persists an empty campaign. Its dimension is
// the embedder's.
func (o *Orchestrator) CreateCampaign(ctx context.Context, p CreateCampaignParams) (model.Campaign, error) {
	schema := p.Schema
	if schema == nil {
		schema = o.opts.Schema
	}
	if err := schema.Validate(); err != nil {
		return model.Campaign{}, err
	}
	metric, err := vector.ParseMetric(p.Metric)
	if err != nil {
		return model.Campaign{}, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = model.NewID()
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = id
	}

	meta := model.Campaign{
		ID:        id,
		Name:      name,
		Dimension: o.opts.Embedder.Dims(),
		Metric:    string(metric),
		Schema:    schema,
		CreatedAt: time.Now().UTC(),
	}
	c, err := o.newCampaign(meta)
	if err != nil {
		return model.Campaign{}, err
	}

	if _, err := o.lookup(ctx, id); err == nil {
		return model.Campaign{}, &model.ValidationError{Field: "id", Reason: "campaign already exists: " + id}
	} else if !model.IsNotFound(err) {
		return model.Campaign{}, err
	}

	o.mu.Lock()
	if _, dup := o.campaigns[id]; dup {
		o.mu.Unlock()
		return model.Campaign{}, &model.ValidationError{Field: "id", Reason: "campaign already exists: " + id}
	}
	o.campaigns[id] = c
	o.mu.Unlock()

	if err := o.persist(ctx, c); err != nil {
		o.mu.Lock()
		delete(o.campaigns, id)
		o.mu.Unlock()
		return model.Campaign{}, err
	}
	o.log.Info("campaign created", zap.String("campaign", id), zap.String("name", name), zap.Int("dimension", meta.Dimension))
	return meta, nil
}

func (o *Orchestrator) newCampaign(meta model.Campaign) (*campaign, error) {
	idx, err := vector.New(meta.Dimension, vector.Metric(meta.Metric))
	if err != nil {
		return nil, err
	}
	return &campaign{
		meta:    meta,
		schema:  meta.Schema,
		cards:   cards.New(meta.Schema),
		index:   idx,
		ledger:  consistency.NewLedger(),
		checker: consistency.New(meta.Schema, o.opts.CheckK),
	}, nil
}

// OpenCampaign loads a campaign from the store if it is not already open.
func (o *Orchestrator) OpenCampaign(ctx context.Context, id string) (model.Campaign, error) {
	c, err := o.lookup(ctx, id)
	if err != nil {
		return model.Campaign{}, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	return c.meta, nil
}

// lookup returns an open campaign, loading it from the store on first use.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*campaign, error) {
	o.mu.RLock()
	c, ok := o.campaigns[id]
	o.mu.RUnlock()
	if ok {
		return c, nil
	}
	if o.opts.Store == nil {
		return nil, &model.NotFoundError{Kind: "campaign", ID: id}
	}

	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	o.mu.RLock()
	c, ok = o.campaigns[id]
	o.mu.RUnlock()
	if ok {
		return c, nil
	}

	snap, err := o.opts.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err = o.restore(snap)
	if err != nil {
		o.log.Error("campaign state rejected", zap.String("campaign", id), zap.Error(err))
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.campaigns[id]; ok {
		return existing, nil
	}
	o.campaigns[id] = c
	o.log.Debug("campaign loaded", zap.String("campaign", id), zap.Int("cards", c.cards.Len()), zap.Int("fragments", c.index.Len()))
	return c, nil
}

// restore rebuilds a campaign from a snapshot. Any inconsistency is a
// CorruptStateError; nothing is silently rebuilt.
func (o *Orchestrator) restore(snap *model.Snapshot) (*campaign, error) {
	meta := snap.Campaign
	bad := func(reason string, err error) error {
		return &model.CorruptStateError{Campaign: meta.ID, Reason: reason, Err: err}
	}
	if meta.ID == "" {
		return nil, bad("snapshot has no campaign id", nil)
	}
	if meta.Schema == nil {
		meta.Schema = model.DefaultSchema()
	}
	if err := meta.Schema.Validate(); err != nil {
		return nil, bad("invalid schema", err)
	}
	if meta.Dimension != o.opts.Embedder.Dims() {
		return nil, &model.ValidationError{
			Field:  "dimension",
			Reason: fmt.Sprintf("campaign %s uses %d dimensions, embedder produces %d", meta.ID, meta.Dimension, o.opts.Embedder.Dims()),
		}
	}

	cs, err := cards.Restore(meta.Schema, snap.Cards)
	if err != nil {
		return nil, bad("card history does not replay", err)
	}
	idx, err := vector.Restore(meta.Dimension, vector.Metric(meta.Metric), snap.Fragments, snap.NextSeq)
	if err != nil {
		return nil, bad("memory index does not rebuild", err)
	}
	ledger, err := consistency.RestoreLedger(snap.Contradictions)
	if err != nil {
		return nil, bad("contradiction ledger does not rebuild", err)
	}
	for _, f := range snap.Fragments {
		if f.TurnID > meta.LastTurn {
			return nil, bad(fmt.Sprintf("fragment %s is from turn %d, after last turn %d", f.ID, f.TurnID, meta.LastTurn), nil)
		}
	}

	return &campaign{
		meta:    meta,
		schema:  meta.Schema,
		cards:   cs,
		index:   idx,
		ledger:  ledger,
		checker: consistency.New(meta.Schema, o.opts.CheckK),
	}, nil
}

// snapshot captures the campaign. Callers hold c.view at least for reading.
func (c *campaign) snapshot() *model.Snapshot {
	frags, next := c.index.Export()
	return &model.Snapshot{
		Campaign:       c.meta,
		Cards:          c.cards.Export(),
		Fragments:      frags,
		NextSeq:        next,
		Contradictions: c.ledger.Export(),
		SavedAt:        time.Now().UTC(),
	}
}

// persist saves the campaign. Callers hold c.commitMu.
func (o *Orchestrator) persist(ctx context.Context, c *campaign) error {
	if o.opts.Store == nil {
		return nil
	}
	c.view.RLock()
	snap := c.snapshot()
	c.view.RUnlock()
	if err := o.opts.Store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save campaign %s: %w", c.meta.ID, err)
	}
	return nil
}

// backup is a copy of a campaign's mutable state.
type backup struct {
	cards    []model.CardRecord
	frags    []model.Fragment
	seq      uint64
	ledger   []model.Contradiction
	lastTurn int64
}

// backup copies the campaign's state. Callers hold c.commitMu.
func (c *campaign) backup() backup {
	frags, seq := c.index.Export()
	return backup{
		cards:    c.cards.Export(),
		frags:    frags,
		seq:      seq,
		ledger:   c.ledger.Export(),
		lastTurn: c.meta.LastTurn,
	}
}

// rollback reinstates b and returns cause. Callers hold c.view exclusively.
func (o *Orchestrator) rollback(c *campaign, b backup, cause error) error {
	cs, cerr := cards.Restore(c.schema, b.cards)
	idx, ierr := vector.Restore(c.meta.Dimension, vector.Metric(c.meta.Metric), b.frags, b.seq)
	led, lerr := consistency.RestoreLedger(b.ledger)
	if err := errors.Join(cerr, ierr, lerr); err != nil {
		o.log.Error("rollback failed", zap.String("campaign", c.meta.ID), zap.Error(err))
		return &model.CorruptStateError{Campaign: c.meta.ID, Reason: "rollback failed", Err: cause}
	}
	c.cards, c.index, c.ledger = cs, idx, led
	c.meta.LastTurn = b.lastTurn
	return cause
}

// persistOrRollback saves c. When the save fails the change made since b is
// undone, so a write that reports an error is never visible.
func (o *Orchestrator) persistOrRollback(ctx context.Context, c *campaign, b backup) error {
	err := o.persist(ctx, c)
	if err == nil {
		return nil
	}
	c.view.Lock()
	defer c.view.Unlock()
	return o.rollback(c, b, err)
}

// writer locks a campaign for writing. The returned campaign is never a
// deleted one.
func (o *Orchestrator) writer(ctx context.Context, id string) (*campaign, func(), error) {
	c, err := o.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c.commitMu.Lock()
	if c.deleted {
		c.commitMu.Unlock()
		return nil, nil, &model.NotFoundError{Kind: "campaign", ID: id}
	}
	return c, c.commitMu.Unlock, nil
}

// DeleteCampaign destroys a campaign with all its cards, fragments and
// records. It waits for an in-flight commit to finish.
func (o *Orchestrator) DeleteCampaign(ctx context.Context, id string) error {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	o.mu.RLock()
	c, open := o.campaigns[id]
	o.mu.RUnlock()

	// Holding the writer lock keeps an in-flight commit from saving the
	// campaign after the store has dropped it.
	if open {
		c.commitMu.Lock()
		defer c.commitMu.Unlock()
	}

	if o.opts.Store != nil {
		err := o.opts.Store.Delete(ctx, id)
		if err != nil && !(open && model.IsNotFound(err)) {
			return err
		}
	} else if !open {
		return &model.NotFoundError{Kind: "campaign", ID: id}
	}

	o.mu.Lock()
	delete(o.campaigns, id)
	o.mu.Unlock()
	if open {
		c.deleted = true
	}
	o.log.Info("campaign deleted", zap.String("campaign", id))
	return nil
}

// ListCampaigns returns stored and open campaigns ordered by id.
func (o *Orchestrator) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	byID := make(map[string]model.Campaign)
	if o.opts.Store != nil {
		stored, err := o.opts.Store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range stored {
			byID[c.ID] = c
		}
	}

	o.mu.RLock()
	for id, c := range o.campaigns {
		c.view.RLock()
		byID[id] = c.meta
		c.view.RUnlock()
	}
	o.mu.RUnlock()

	out := make([]model.Campaign, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot returns the durable representation of a campaign.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	c, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	c.view.RLock()
	defer c.view.RUnlock()
	return c.snapshot(), nil
}

// ImportSnapshot restores a campaign from a snapshot and persists it. The
// campaign id must not be in use.
func (o *Orchestrator) ImportSnapshot(ctx context.Context, snap *model.Snapshot) (model.Campaign, error) {
	c, err := o.restore(snap)
	if err != nil {
		return model.Campaign{}, err
	}
	id := c.meta.ID
	if _, err := o.lookup(ctx, id); err == nil {
		return model.Campaign{}, &model.ValidationError{Field: "id", Reason: "campaign already exists: " + id}
	} else if !model.IsNotFound(err) {
		return model.Campaign{}, err
	}

	o.mu.Lock()
	if _, dup := o.campaigns[id]; dup {
		o.mu.Unlock()
		return model.Campaign{}, &model.ValidationError{Field: "id", Reason: "campaign already exists: " + id}
	}
	o.campaigns[id] = c
	o.mu.Unlock()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if err := o.persist(ctx, c); err != nil {
		o.mu.Lock()
		delete(o.campaigns, id)
		o.mu.Unlock()
		c.deleted = true
		return model.Campaign{}, err
	}
	o.log.Info("campaign imported", zap.String("campaign", id), zap.Int("cards", c.cards.Len()), zap.Int("fragments", c.index.Len()))
	return c.meta, nil
}
