package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rcliao/story-memory/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCorruptBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Save(ctx, testSnapshot("c1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE fragments SET embedding = ? WHERE id = 'f1'`, []byte{1, 2, 3}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := s.Load(ctx, "c1")
	if !model.IsCorrupt(err) {
		t.Errorf("expected corrupt state error, got %v", err)
	}
}

func TestSQLiteCorruptJSON(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Save(ctx, testSnapshot("c1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE cards SET attributes = '{"location": [1,2]}' WHERE id = 'elara'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := s.Load(ctx, "c1")
	if !model.IsCorrupt(err) {
		t.Errorf("expected corrupt state error, got %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Save(ctx, testSnapshot("c1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(st.Campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(st.Campaigns))
	}
	c := st.Campaigns[0]
	if c.Cards != 1 || c.HistoryEntries != 4 || c.Fragments != 2 || c.Contradictions != 1 || c.Open != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
	if st.DBPath != s.Path() {
		t.Errorf("expected db path %q, got %q", s.Path(), st.DBPath)
	}
}

func TestSQLiteLoadDuringSave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	writer, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	reader, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	// Two shapes of the same campaign: last turn 2 with two fragments, last
	// turn 7 with one. A load must never mix them.
	long := testSnapshot("c1")
	short := testSnapshot("c1")
	short.Fragments = short.Fragments[:1]
	short.Campaign.LastTurn = 7
	if err := writer.Save(ctx, long); err != nil {
		t.Fatalf("save: %v", err)
	}

	const rounds = 50
	done := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			snap := long
			if i%2 == 0 {
				snap = short
			}
			if err := writer.Save(ctx, snap); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < rounds; i++ {
		got, err := reader.Load(ctx, "c1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		want := 2
		if got.Campaign.LastTurn == 7 {
			want = 1
		}
		if len(got.Fragments) != want {
			t.Fatalf("mixed snapshot: last turn %d with %d fragments", got.Campaign.LastTurn, len(got.Fragments))
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("save: %v", err)
	}
}
