package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/rcliao/story-memory/internal/model"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisTestStore(t)
	if err := s.Save(ctx, testSnapshot("c1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.Set(campaignKey("c1"), `{"checksum":"00","payload":"{}"}`)
	_, err := s.Load(ctx, "c1")
	if !model.IsCorrupt(err) {
		t.Errorf("expected corrupt state error, got %v", err)
	}

	mr.Set(campaignKey("c1"), "not json")
	_, err = s.Load(ctx, "c1")
	if !model.IsCorrupt(err) {
		t.Errorf("expected corrupt state error, got %v", err)
	}
}
