package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/story-memory/internal/model"
)

func flagged(id, card, attr string, turn int64) model.Contradiction {
	old, val := model.String("green"), model.String("blue")
	return model.Contradiction{
		ID: id, CardID: card, Attribute: attr, TurnID: turn,
		OldValue: &old, NewValue: &val,
		Resolution: model.FlaggedForReview, Severity: model.SeverityMedium,
	}
}

func TestLedger_OpenUntilSettled(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(flagged("r1", "c1", "eye_color", 2)))
	require.NoError(t, l.Add(model.Contradiction{ID: "r2", Resolution: model.AutoAccepted}))

	assert.Len(t, l.List(), 2)
	open := l.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "r1", open[0].ID)

	rec, err := l.Settle("r1", model.Settlement{Turn: 3, Choice: model.ChoiceKeep, Note: "green it is"})
	require.NoError(t, err)
	assert.False(t, rec.Open())
	assert.Empty(t, l.Open())

	// Still present after settlement.
	got, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, model.ChoiceKeep, got.Settlement.Choice)

	_, err = l.Settle("r1", model.Settlement{Choice: model.ChoiceAccept})
	assert.True(t, model.IsValidation(err))
	_, err = l.Settle("r2", model.Settlement{Choice: model.ChoiceKeep})
	assert.True(t, model.IsValidation(err))
	_, err = l.Settle("nope", model.Settlement{Choice: model.ChoiceKeep})
	assert.True(t, model.IsNotFound(err))
}

func TestLedger_Merge(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(flagged("r1", "c1", "eye_color", 2)))

	_, err := l.Settle("r1", model.Settlement{Choice: model.ChoiceMerge})
	assert.True(t, model.IsValidation(err))

	v := model.String("blue-green")
	rec, err := l.Settle("r1", model.Settlement{Turn: 4, Choice: model.ChoiceMerge, Value: &v})
	require.NoError(t, err)
	assert.Equal(t, model.Merged, rec.Resolution)
	assert.Equal(t, "blue-green", rec.Settlement.Value.Str)
}

func TestLedger_SettleFor(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(
		flagged("r1", "c1", "eye_color", 2),
		flagged("r2", "c1", "eye_color", 5),
		flagged("r3", "c1", "hair", 2),
	))

	ids := l.SettleFor("c1", "eye_color", 5)
	assert.Equal(t, []string{"r1"}, ids)

	open := l.Open()
	require.Len(t, open, 2)
	assert.Equal(t, "r2", open[0].ID)
	assert.Equal(t, "r3", open[1].ID)

	r1, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, model.ChoiceSupersede, r1.Settlement.Choice)
}

func TestLedger_AddRejectsDuplicates(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(flagged("r1", "c1", "a", 1)))
	assert.True(t, model.IsValidation(l.Add(flagged("r1", "c1", "a", 1))))
	assert.True(t, model.IsValidation(l.Add(model.Contradiction{})))
	assert.Equal(t, 1, l.Len())
}

func TestLedger_ReturnsCopies(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(flagged("r1", "c1", "a", 1)))
	got, err := l.Get("r1")
	require.NoError(t, err)
	got.OldValue.Str = "tampered"

	again, err := l.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "green", again.OldValue.Str)
}

func TestRestoreLedger(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Add(flagged("r1", "c1", "a", 1), flagged("r2", "c1", "b", 1)))
	_, err := l.Settle("r2", model.Settlement{Turn: 2, Choice: model.ChoiceSuppress})
	require.NoError(t, err)

	back, err := RestoreLedger(l.Export())
	require.NoError(t, err)
	assert.Equal(t, l.List(), back.List())

	_, err = RestoreLedger([]model.Contradiction{{ID: "x", Resolution: "maybe"}})
	assert.Error(t, err)
	_, err = RestoreLedger([]model.Contradiction{flagged("r1", "c", "a", 1), flagged("r1", "c", "a", 1)})
	assert.Error(t, err)
}
