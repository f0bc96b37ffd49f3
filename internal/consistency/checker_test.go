package consistency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/story-memory/internal/cards"
	"github.com/rcliao/story-memory/internal/model"
	"github.com/rcliao/story-memory/internal/vector"
)

func character(t *testing.T, s *cards.Store, attrs map[string]model.Value) string {
	t.Helper()
	id, err := s.Create(cards.CreateParams{Kind: model.KindCharacter, Name: "Elara", Attributes: attrs, Turn: 1})
	require.NoError(t, err)
	return id
}

func claim(text string, facts ...model.Fact) ClaimInput {
	return ClaimInput{Claim: model.Claim{Text: text, Facts: facts}}
}

func TestCheck_ImmutableIsRejected(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"species": model.String("elf")})

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards:  store,
		Turn:   5,
		Claims: []ClaimInput{claim("Elara, the human warrior", model.Fact{CardID: id, Attribute: "species", Value: model.String("human")})},
	})
	require.NoError(t, err)

	require.Len(t, out.Contradictions, 1)
	rec := out.Contradictions[0]
	assert.Equal(t, model.AutoRejected, rec.Resolution)
	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.Equal(t, id, rec.CardID)
	assert.Equal(t, model.String("elf"), *rec.OldValue)
	assert.Equal(t, model.String("human"), *rec.NewValue)
	assert.Equal(t, int64(5), rec.TurnID)
	assert.False(t, rec.Open())
	assert.Empty(t, out.Updates)
	assert.Equal(t, Conflict, out.Verdicts[0].Class)
}

func TestCheck_MutableLaterTurnIsAccepted(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"location": model.String("village")})

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards:  store,
		Turn:   2,
		Claims: []ClaimInput{claim("she reaches the forest", model.Fact{CardID: id, Attribute: "location", Value: model.String("forest")})},
	})
	require.NoError(t, err)

	require.Len(t, out.Updates, 1)
	assert.Equal(t, Update{CardID: id, Attribute: "location", Value: model.String("forest"), Turn: 2}, out.Updates[0])
	require.Len(t, out.Contradictions, 1)
	assert.Equal(t, model.AutoAccepted, out.Contradictions[0].Resolution)
	assert.Equal(t, model.SeverityLow, out.Contradictions[0].Severity)
	assert.True(t, out.Verdicts[0].Applied)
}

func TestCheck_MutableSameTurnIsFlagged(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"location": model.String("village")})

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards:  store,
		Turn:   1,
		Claims: []ClaimInput{claim("", model.Fact{CardID: id, Attribute: "location", Value: model.String("forest")})},
	})
	require.NoError(t, err)
	require.Len(t, out.Contradictions, 1)
	assert.Equal(t, model.FlaggedForReview, out.Contradictions[0].Resolution)
	assert.True(t, out.Contradictions[0].Open())
	assert.Empty(t, out.Updates)
}

func TestCheck_UnmarkedIsFlagged(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"eye_color": model.String("green")})

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards:  store,
		Turn:   9,
		Claims: []ClaimInput{claim("her blue eyes", model.Fact{CardID: id, Attribute: "eye_color", Value: model.String("blue")})},
	})
	require.NoError(t, err)
	require.Len(t, out.Contradictions, 1)
	rec := out.Contradictions[0]
	assert.Equal(t, model.FlaggedForReview, rec.Resolution)
	assert.Equal(t, model.SeverityMedium, rec.Severity)
	// Both values are retained.
	assert.Equal(t, "green", rec.OldValue.Str)
	assert.Equal(t, "blue", rec.NewValue.Str)
}

func TestCheck_NovelAndAgreement(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"species": model.String("Elf")})

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards: store,
		Turn:  2,
		Claims: []ClaimInput{claim("the calm elf",
			model.Fact{CardID: id, Attribute: "species", Value: model.String("  elf ")},
			model.Fact{CardID: id, Attribute: "mood", Value: model.String("calm")},
		)},
	})
	require.NoError(t, err)
	require.Len(t, out.Verdicts, 2)
	assert.Equal(t, Agreement, out.Verdicts[0].Class)
	assert.Equal(t, Novel, out.Verdicts[1].Class)
	assert.Equal(t, model.AutoAccepted, out.Verdicts[1].Resolution)
	assert.Empty(t, out.Contradictions)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, "mood", out.Updates[0].Attribute)
}

func TestCheck_LaterFactSeesEarlierUpdate(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, nil)

	out, err := New(schema, 3).Check(context.Background(), Request{
		Cards: store,
		Turn:  2,
		Claims: []ClaimInput{
			claim("calm", model.Fact{CardID: id, Attribute: "mood", Value: model.String("calm")}),
			claim("furious", model.Fact{CardID: id, Attribute: "mood", Value: model.String("furious")}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Novel, out.Verdicts[0].Class)
	assert.Equal(t, Conflict, out.Verdicts[1].Class)
	// Same turn, so the second value cannot silently win.
	assert.Equal(t, model.FlaggedForReview, out.Verdicts[1].Resolution)
	assert.Len(t, out.Updates, 1)
}

func TestCheck_MalformedFailsFast(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"age": model.Number(30)})
	c := New(schema, 3)

	tests := []struct {
		name string
		fact model.Fact
	}{
		{"unknown card", model.Fact{CardID: "ghost", Attribute: "mood", Value: model.String("sad")}},
		{"schema type", model.Fact{CardID: id, Attribute: "mood", Value: model.Number(1)}},
		{"current type", model.Fact{CardID: id, Attribute: "age", Value: model.String("thirty")}},
		{"dangling ref", model.Fact{CardID: id, Attribute: "location", Value: model.Ref("nowhere")}},
		{"empty attribute", model.Fact{CardID: id, Value: model.String("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Check(context.Background(), Request{
				Cards: store,
				Turn:  2,
				Claims: []ClaimInput{
					claim("fine", model.Fact{CardID: id, Attribute: "mood", Value: model.String("calm")}),
					claim("bad", tt.fact),
				},
			})
			assert.Nil(t, out)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
}

func TestCheck_RefKind(t *testing.T) {
	schema := model.Schema{model.KindItem: {"owner": {Mutability: model.Mutable, Type: model.TypeRef, RefKind: model.KindCharacter}}}
	store := cards.New(schema)
	place, err := store.Create(cards.CreateParams{Kind: model.KindLocation, Name: "Inn"})
	require.NoError(t, err)
	item, err := store.Create(cards.CreateParams{Kind: model.KindItem, Name: "Sword"})
	require.NoError(t, err)

	err = New(schema, 1).Validate(store, model.Fact{CardID: item, Attribute: "owner", Value: model.Ref(place)})
	assert.True(t, model.IsValidation(err))
}

func TestCheck_RetrievesEvidence(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, map[string]model.Value{"species": model.String("elf")})

	idx, err := vector.New(2, vector.Cosine)
	require.NoError(t, err)
	_, err = idx.Insert(model.Fragment{Text: "The river runs cold.", Embedding: []float32{1, 0}, TurnID: 1})
	require.NoError(t, err)
	evidence, err := idx.Insert(model.Fragment{Text: "Elara, an ELF of the north.", Embedding: []float32{0.9, 0.1}, TurnID: 1, CardIDs: []string{id}})
	require.NoError(t, err)

	out, err := New(schema, 5).Check(context.Background(), Request{
		Cards: store,
		Index: idx,
		Turn:  3,
		Claims: []ClaimInput{{
			Claim:     model.Claim{Text: "Elara the human", Facts: []model.Fact{{CardID: id, Attribute: "species", Value: model.String("human")}}},
			Embedding: []float32{1, 0},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, out.Related, 2)
	require.Len(t, out.Contradictions, 1)
	assert.Equal(t, evidence, out.Contradictions[0].FragmentID)
}

func TestCheck_CanceledContext(t *testing.T) {
	schema := model.DefaultSchema()
	store := cards.New(schema)
	id := character(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(schema, 3).Check(ctx, Request{
		Cards:  store,
		Turn:   2,
		Claims: []ClaimInput{claim("calm", model.Fact{CardID: id, Attribute: "mood", Value: model.String("calm")})},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_Deterministic(t *testing.T) {
	cases := []struct {
		m         model.Mutability
		prior, at int64
		want      model.Resolution
	}{
		{model.Mutable, 1, 2, model.AutoAccepted},
		{model.Mutable, 2, 2, model.FlaggedForReview},
		{model.Mutable, 3, 2, model.FlaggedForReview},
		{model.Immutable, 1, 2, model.AutoRejected},
		{model.Unmarked, 1, 2, model.FlaggedForReview},
	}
	for _, c := range cases {
		for range 3 {
			assert.Equal(t, c.want, Resolve(c.m, c.prior, c.at))
		}
	}
}
