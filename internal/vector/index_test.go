package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/story-memory/internal/model"
)

// unitWithCos returns a 2-d unit vector whose cosine with (1, 0) is c.
func unitWithCos(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

func insert(t *testing.T, x *Index, text string, vec []float32, turn int64, cards ...string) string {
	t.Helper()
	id, err := x.Insert(model.Fragment{Text: text, Embedding: vec, TurnID: turn, CardIDs: cards})
	require.NoError(t, err)
	return id
}

func texts(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Fragment.Text
	}
	return out
}

func TestQuery_OrdersBySimilarity(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	insert(t, x, "a", unitWithCos(0.7), 1)
	insert(t, x, "b", unitWithCos(0.95), 2)
	insert(t, x, "c", unitWithCos(0.9), 3)

	hits, err := x.Query([]float32{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, texts(hits))
	assert.InDelta(t, 0.95, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.9, hits[1].Score, 1e-6)
}

func TestQuery_TieBreaksByRecentTurn(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	v := []float32{0.6, 0.8}
	insert(t, x, "old", v, 1)
	insert(t, x, "new", v, 5)
	insert(t, x, "mid", v, 3)

	hits, err := x.Query([]float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, texts(hits))

	hits, err = x.Query([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, texts(hits))
}

func TestQuery_FewerThanK(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)

	hits, err := x.Query([]float32{1, 0}, 4, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	insert(t, x, "only", []float32{1, 0}, 1)
	hits, err = x.Query([]float32{1, 0}, 4, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestQuery_Validation(t *testing.T) {
	x, err := New(3, Cosine)
	require.NoError(t, err)

	_, err = x.Query([]float32{1, 0, 0}, 0, nil)
	assert.True(t, model.IsValidation(err))

	_, err = x.Query([]float32{1, 0}, 3, nil)
	assert.True(t, model.IsValidation(err))

	_, err = x.Query([]float32{float32(math.NaN()), 0, 0}, 3, nil)
	assert.True(t, model.IsValidation(err))
}

func TestInsert_Validation(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)

	_, err = x.Insert(model.Fragment{Text: "x", Embedding: []float32{1, 0, 0}})
	assert.True(t, model.IsValidation(err))

	_, err = x.Insert(model.Fragment{Text: "  ", Embedding: []float32{1, 0}})
	assert.True(t, model.IsValidation(err))

	_, err = x.Insert(model.Fragment{Text: "x", Embedding: []float32{1, 0}, Importance: 2})
	assert.True(t, model.IsValidation(err))

	assert.Equal(t, 0, x.Len())
}

func TestInsert_DuplicateContentGetsDistinctIDs(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	a := insert(t, x, "same", []float32{1, 0}, 1)
	b := insert(t, x, "same", []float32{1, 0}, 1)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, x.Len())

	fa, err := x.Get(a)
	require.NoError(t, err)
	fb, err := x.Get(b)
	require.NoError(t, err)
	assert.Less(t, fa.Seq, fb.Seq)

	_, err = x.Get("missing")
	assert.True(t, model.IsNotFound(err))
}

func TestInsert_StoresCopy(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	vec := []float32{1, 0}
	id := insert(t, x, "a", vec, 1)
	vec[0] = 0

	f, err := x.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, f.Embedding)
}

func TestQuery_Filter(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	insert(t, x, "elara", []float32{1, 0}, 1, "elara")
	insert(t, x, "both", []float32{0.8, 0.6}, 2, "elara", "tomas")
	insert(t, x, "tomas", []float32{1, 0}, 3, "tomas")

	hits, err := x.Query([]float32{1, 0}, 5, Referencing("elara"))
	require.NoError(t, err)
	assert.Equal(t, []string{"elara", "both"}, texts(hits))

	hits, err = x.Query([]float32{1, 0}, 5, All(Referencing("tomas"), TurnBetween(0, 2)))
	require.NoError(t, err)
	assert.Equal(t, []string{"both"}, texts(hits))
}

func TestMetrics(t *testing.T) {
	for _, m := range []Metric{Dot, Euclidean} {
		t.Run(string(m), func(t *testing.T) {
			x, err := New(2, m)
			require.NoError(t, err)
			insert(t, x, "far", []float32{0, 1}, 1)
			insert(t, x, "near", []float32{1, 0.1}, 1)
			hits, err := x.Query([]float32{1, 0}, 2, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"near", "far"}, texts(hits))
		})
	}

	_, err := ParseMetric("manhattan")
	assert.True(t, model.IsValidation(err))
}

func TestExportRestore(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	insert(t, x, "a", unitWithCos(0.7), 1, "elara")
	insert(t, x, "b", unitWithCos(0.95), 2)
	insert(t, x, "c", unitWithCos(0.9), 2)

	frags, next := x.Export()
	y, err := Restore(2, Cosine, frags, next)
	require.NoError(t, err)

	q := unitWithCos(0.8)
	want, err := x.Query(q, 3, nil)
	require.NoError(t, err)
	got, err := y.Query(q, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Sequence numbers continue past the restored ones.
	id := insert(t, y, "d", []float32{1, 0}, 3)
	f, err := y.Get(id)
	require.NoError(t, err)
	assert.Equal(t, next, f.Seq)
}

func TestRestore_Rejects(t *testing.T) {
	x, err := New(2, Cosine)
	require.NoError(t, err)
	insert(t, x, "a", []float32{1, 0}, 1)
	insert(t, x, "b", []float32{0, 1}, 1)

	t.Run("duplicate id", func(t *testing.T) {
		frags, next := x.Export()
		frags[1].ID = frags[0].ID
		_, err := Restore(2, Cosine, frags, next)
		assert.Error(t, err)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		frags, next := x.Export()
		frags[0].Embedding = []float32{1, 0, 0}
		_, err := Restore(2, Cosine, frags, next)
		assert.Error(t, err)
	})

	t.Run("stale next seq", func(t *testing.T) {
		frags, _ := x.Export()
		_, err := Restore(2, Cosine, frags, 1)
		assert.Error(t, err)
	})
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
