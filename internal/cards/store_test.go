package cards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/story-memory/internal/model"
)

func newCharacter(t *testing.T, s *Store, attrs map[string]model.Value) string {
	t.Helper()
	id, err := s.Create(CreateParams{Kind: model.KindCharacter, Name: "Elara", Attributes: attrs})
	require.NoError(t, err)
	return id
}

func TestCreate_InvalidKind(t *testing.T) {
	s := New(model.DefaultSchema())
	_, err := s.Create(CreateParams{Kind: "spaceship"})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestCreate_TypeMismatch(t *testing.T) {
	s := New(model.DefaultSchema())
	_, err := s.Create(CreateParams{
		Kind:       model.KindCharacter,
		Attributes: map[string]model.Value{"species": model.Number(3)},
	})
	assert.True(t, model.IsValidation(err))

	_, err = s.Create(CreateParams{
		Kind:       model.KindCharacter,
		Attributes: map[string]model.Value{"age": {Type: "date"}},
	})
	assert.True(t, model.IsValidation(err))
}

func TestCreate_RecordsInitialHistory(t *testing.T) {
	s := New(model.DefaultSchema())
	id, err := s.Create(CreateParams{
		Kind:       model.KindCharacter,
		Name:       "Elara",
		Attributes: map[string]model.Value{"species": model.String("elf"), "location": model.String("village")},
		Tags:       []string{"active", "active", " hero "},
		Turn:       0,
	})
	require.NoError(t, err)

	card, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, card.Revision)
	assert.Equal(t, []string{"active", "hero"}, card.Tags)

	h, err := s.History(id)
	require.NoError(t, err)
	require.Len(t, h, 4)
	for _, e := range h {
		assert.Equal(t, 1, e.Revision)
	}
	assert.Equal(t, "location", h[0].Attribute)
	assert.Equal(t, "species", h[1].Attribute)
}

func TestUpdate_NotFound(t *testing.T) {
	s := New(nil)
	_, err := s.Update("missing", "mood", model.String("calm"), 1)
	assert.True(t, model.IsNotFound(err))

	_, err = s.Get("missing")
	assert.True(t, model.IsNotFound(err))

	_, err = s.History("missing")
	assert.True(t, model.IsNotFound(err))
}

func TestUpdate_LatestRevisionWins(t *testing.T) {
	s := New(model.DefaultSchema())
	id := newCharacter(t, s, map[string]model.Value{"location": model.String("village")})

	for i, loc := range []string{"forest", "river", "castle"} {
		rev, err := s.Update(id, "location", model.String(loc), int64(i+1))
		require.NoError(t, err)
		assert.Equal(t, i+2, rev)
	}

	card, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.String("castle"), card.Attributes["location"])
	assert.Equal(t, 4, card.Revision)

	h, err := s.History(id)
	require.NoError(t, err)
	require.Len(t, h, 4)
	last := h[len(h)-1]
	assert.Equal(t, 4, last.Revision)
	assert.Equal(t, model.String("river"), *last.OldValue)
	assert.Equal(t, *last.NewValue, card.Attributes["location"])

	turn, ok := s.LastTouched(id, "location")
	assert.True(t, ok)
	assert.Equal(t, int64(3), turn)
}

func TestHistory_AppendOnly(t *testing.T) {
	s := New(nil)
	id := newCharacter(t, s, map[string]model.Value{"mood": model.String("calm")})

	before, err := s.History(id)
	require.NoError(t, err)
	// Mutating the returned slice must not reach the store.
	before[0].Attribute = "tampered"

	_, err = s.Update(id, "mood", model.String("angry"), 2)
	require.NoError(t, err)

	after, err := s.History(id)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "mood", after[0].Attribute)
	assert.Equal(t, model.String("calm"), *after[0].NewValue)
}

func TestTags(t *testing.T) {
	s := New(nil)
	a := newCharacter(t, s, nil)
	b := newCharacter(t, s, nil)

	rev, err := s.AddTag(a, "active", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	// Re-adding is a no-op.
	rev, err = s.AddTag(a, "active", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	assert.Equal(t, []string{a}, s.FindByTag("active"))
	assert.Empty(t, s.FindByTag("deceased"))

	_, err = s.AddTag(b, "deceased", 3)
	require.NoError(t, err)
	_, err = s.RemoveTag(a, "active", 4)
	require.NoError(t, err)
	assert.Empty(t, s.FindByTag("active"))

	h, err := s.History(a)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, model.OpUntag, h[1].Op)
}

func TestFindByName(t *testing.T) {
	s := New(nil)
	_, err := s.Create(CreateParams{Kind: model.KindCharacter, Name: "Captain Mira Vell"})
	require.NoError(t, err)
	_, err = s.Create(CreateParams{Kind: model.KindLocation, Name: "Mira's Landing"})
	require.NoError(t, err)

	assert.Len(t, s.FindByName("mira", ""), 2)
	assert.Len(t, s.FindByName("MIRA", model.KindLocation), 1)
	assert.Empty(t, s.FindByName("goblin", ""))
}

func TestCreate_ExplicitIDNeverReused(t *testing.T) {
	s := New(nil)
	_, err := s.Create(CreateParams{ID: "innkeeper", Kind: model.KindCharacter})
	require.NoError(t, err)
	_, err = s.Create(CreateParams{ID: "innkeeper", Kind: model.KindCharacter})
	assert.True(t, model.IsValidation(err))
}

func TestExportRestore(t *testing.T) {
	s := New(model.DefaultSchema())
	id := newCharacter(t, s, map[string]model.Value{"location": model.String("village"), "species": model.String("elf")})
	_, err := s.Update(id, "location", model.String("forest"), 2)
	require.NoError(t, err)
	_, err = s.AddTag(id, "active", 2)
	require.NoError(t, err)
	bare, err := s.Create(CreateParams{Kind: model.KindItem, Name: "Lantern"})
	require.NoError(t, err)
	_, err = s.Update(bare, "owner", model.Ref(id), 3)
	require.NoError(t, err)

	restored, err := Restore(model.DefaultSchema(), s.Export())
	require.NoError(t, err)

	for _, cid := range []string{id, bare} {
		want, _ := s.Get(cid)
		got, err := restored.Get(cid)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		wantH, _ := s.History(cid)
		gotH, _ := restored.History(cid)
		assert.Equal(t, wantH, gotH)
	}
	turn, ok := restored.LastTouched(id, "location")
	assert.True(t, ok)
	assert.Equal(t, int64(2), turn)
}

func TestRestore_RejectsTamperedHistory(t *testing.T) {
	s := New(nil)
	id := newCharacter(t, s, map[string]model.Value{"location": model.String("village")})
	_, err := s.Update(id, "location", model.String("forest"), 2)
	require.NoError(t, err)

	t.Run("current value disagrees", func(t *testing.T) {
		recs := s.Export()
		recs[0].Card.Attributes["location"] = model.String("castle")
		_, err := Restore(nil, recs)
		assert.Error(t, err)
	})

	t.Run("dropped entry", func(t *testing.T) {
		recs := s.Export()
		recs[0].History = recs[0].History[:1]
		_, err := Restore(nil, recs)
		assert.Error(t, err)
	})

	t.Run("rewritten old value", func(t *testing.T) {
		recs := s.Export()
		v := model.String("swamp")
		recs[0].History[1].OldValue = &v
		_, err := Restore(nil, recs)
		assert.Error(t, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		recs := s.Export()
		recs = append(recs, recs[0])
		_, err := Restore(nil, recs)
		assert.Error(t, err)
	})
}
