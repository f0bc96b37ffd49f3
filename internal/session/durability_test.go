package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/story-memory/internal/embedding"
	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/store"
)

// gatedStore wraps a store so tests can fail saves and pause loads.
type gatedStore struct {
	store.Store
	failSave atomic.Bool
	loading  chan struct{}
	release  chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, snap *model.Snapshot) error {
	if s.failSave.Load() {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, snap)
}

func (s *gatedStore) Load(ctx context.Context, id string) (*model.Snapshot, error) {
	if s.loading != nil {
		s.loading <- struct{}{}
		<-s.release
	}
	return s.Store.Load(ctx, id)
}

// pickyEmbedder refuses to embed one exact text.
type pickyEmbedder struct {
	*embedding.HashEmbedder
	refuse string
}

func (e *pickyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if text == e.refuse {
		return nil, errors.New("provider unavailable")
	}
	return e.HashEmbedder.Embed(ctx, text)
}

func TestBeginTurn_ShortInput(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	newCampaign(t, o)
	commit(t, o, 1, "Elara waits at the crossroads.")

	for _, input := range []string{"n", "?!", "A"} {
		bundle, err := o.BeginTurn(context.Background(), "brindle", input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, int64(2), bundle.Turn)
	}
}

func TestCommitTurn_ShortClaimText(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	newCampaign(t, o)

	res, err := o.CommitTurn(context.Background(), "brindle", CommitParams{
		TurnID:        1,
		GeneratedText: "Elara heads for the trees.",
		Claims:        []model.Claim{{Text: "A", Facts: []model.Fact{fact("location", model.String("forest"))}}},
		SkipInvalid:   true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Updates, 1)

	card, err := o.GetCard(context.Background(), "brindle", "elara")
	require.NoError(t, err)
	assert.Equal(t, model.String("forest"), card.Attributes["location"])
}

func TestCommitTurn_ClaimEmbedFailureSkipsRetrieval(t *testing.T) {
	o, err := New(Options{
		Embedder: &pickyEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDims), refuse: "Elara is in the forest."},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	newCampaign(t, o)

	res, err := o.CommitTurn(context.Background(), "brindle", CommitParams{
		TurnID:        1,
		GeneratedText: "Elara heads for the trees.",
		Claims:        []model.Claim{{Text: "Elara is in the forest.", Facts: []model.Fact{fact("location", model.String("forest"))}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.NotEmpty(t, res.FragmentID)

	// The generated text itself must embed.
	_, err = o.CommitTurn(context.Background(), "brindle", CommitParams{
		TurnID:        2,
		GeneratedText: "Elara is in the forest.",
	})
	assert.Error(t, err)
}

func TestWrites_SaveFailureLeavesNoTrace(t *testing.T) {
	st := &gatedStore{Store: newSQLiteStore(t)}
	o := newTestOrchestrator(t, st)
	newCampaign(t, o)
	rec := flaggedEyes(t, o)
	ctx := context.Background()

	before, err := o.Stats(ctx, "brindle")
	require.NoError(t, err)
	hist, err := o.CardHistory(ctx, "brindle", "elara")
	require.NoError(t, err)

	st.failSave.Store(true)

	_, err = o.CreateCard(ctx, "brindle", CardParams{ID: "tomas", Kind: model.KindCharacter, Name: "Tomas"})
	require.Error(t, err)
	_, err = o.GetCard(ctx, "brindle", "tomas")
	assert.True(t, model.IsNotFound(err), "got %v", err)

	_, err = o.SetAttribute(ctx, "brindle", "elara", "location", model.String("docks"))
	require.Error(t, err)
	_, err = o.TagCard(ctx, "brindle", "elara", "hero", false)
	require.Error(t, err)
	_, err = o.Resolve(ctx, "brindle", ResolveParams{RecordID: rec.ID, Choice: model.ChoiceAccept})
	require.Error(t, err)
	_, err = o.SeedLore(ctx, "brindle", LoreParams{Text: "# Docks\n\nThe docks smell of tar and rope."})
	require.Error(t, err)

	card, err := o.GetCard(ctx, "brindle", "elara")
	require.NoError(t, err)
	assert.NotContains(t, card.Attributes, "location")
	assert.False(t, card.HasTag("hero"))
	assert.Equal(t, model.String("blue"), card.Attributes["eye_color"])

	gotHist, err := o.CardHistory(ctx, "brindle", "elara")
	require.NoError(t, err)
	assert.Equal(t, hist, gotHist)
	after, err := o.Stats(ctx, "brindle")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	open, err := o.Contradictions(ctx, "brindle", true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, rec.ID, open[0].ID)

	// Once the store recovers, the same writes go through.
	st.failSave.Store(false)
	_, err = o.CreateCard(ctx, "brindle", CardParams{ID: "tomas", Kind: model.KindCharacter, Name: "Tomas"})
	require.NoError(t, err)
	_, err = o.Resolve(ctx, "brindle", ResolveParams{RecordID: rec.ID, Choice: model.ChoiceAccept})
	require.NoError(t, err)
}

func TestDeleteCampaign_DuringLoad(t *testing.T) {
	st := &gatedStore{Store: newSQLiteStore(t)}
	newCampaign(t, newTestOrchestrator(t, st))
	ctx := context.Background()

	st.loading = make(chan struct{})
	st.release = make(chan struct{})
	o := newTestOrchestrator(t, st)

	getErr := make(chan error, 1)
	go func() {
		_, err := o.GetCard(ctx, "brindle", "elara")
		getErr <- err
	}()
	<-st.loading

	delErr := make(chan error, 1)
	go func() { delErr <- o.DeleteCampaign(ctx, "brindle") }()
	close(st.release)

	require.NoError(t, <-getErr)
	require.NoError(t, <-delErr)
	st.loading = nil

	_, err := o.GetCard(ctx, "brindle", "elara")
	assert.True(t, model.IsNotFound(err), "got %v", err)
	_, err = o.SetAttribute(ctx, "brindle", "elara", "location", model.String("docks"))
	assert.True(t, model.IsNotFound(err), "got %v", err)
	_, err = st.Load(ctx, "brindle")
	assert.True(t, model.IsNotFound(err), "got %v", err)
}

func TestCampaignsAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t, newSQLiteStore(t))
	ctx := context.Background()

	heroes := map[string]string{"brindle": "elara", "ashfall": "korrin"}
	for camp, hero := range heroes {
		_, err := o.CreateCampaign(ctx, CreateCampaignParams{ID: camp})
		require.NoError(t, err)
		_, err = o.CreateCard(ctx, camp, CardParams{ID: hero, Kind: model.KindCharacter, Name: hero})
		require.NoError(t, err)
	}

	const turns = 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*turns)
	for camp, hero := range heroes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for turn := int64(1); turn <= turns; turn++ {
				_, err := o.CommitTurn(ctx, camp, CommitParams{
					TurnID:        turn,
					GeneratedText: fmt.Sprintf("%s walks the road to the tower, day %d.", hero, turn),
					CardIDs:       []string{hero},
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for camp, hero := range heroes {
		hits, err := o.Recall(ctx, camp, RecallParams{Query: "walks the road to the tower", K: 2 * turns})
		require.NoError(t, err)
		assert.Len(t, hits, turns, camp)
		for _, h := range hits {
			assert.True(t, strings.HasPrefix(h.Fragment.Text, hero), "%s recalled %q", camp, h.Fragment.Text)
		}

		bundle, err := o.BeginTurn(ctx, camp, "walks the road to the tower")
		require.NoError(t, err)
		require.NotEmpty(t, bundle.Cards)
		for _, c := range bundle.Cards {
			assert.Equal(t, hero, c.ID, camp)
		}
		for _, f := range bundle.Fragments {
			assert.True(t, strings.HasPrefix(f.Text, hero), "%s packed %q", camp, f.Text)
		}

		st, err := o.Stats(ctx, camp)
		require.NoError(t, err)
		assert.Equal(t, int64(turns), st.LastTurn)
		assert.Equal(t, turns, st.Fragments)
	}
}
