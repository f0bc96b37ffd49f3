package vector

import (
	"fmt"
	"sort"

	"github.com/rcliao/story-memory/internal/model"
)

// Export returns every fragment in insertion order and the next sequence
// number, enough to rebuild an identical index.
func (x *Index) Export() ([]model.Fragment, uint64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]model.Fragment, len(x.entries))
	for i, e := range x.entries {
		out[i] = e.frag.Clone()
	}
	return out, x.nextSeq
}

// Restore rebuilds an index from exported fragments. Stored embeddings are
// taken as-is, never recomputed.
func Restore(dim int, metric Metric, frags []model.Fragment, nextSeq uint64) (*Index, error) {
	x, err := New(dim, metric)
	if err != nil {
		return nil, err
	}

	ordered := make([]model.Fragment, len(frags))
	copy(ordered, frags)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var maxSeq uint64
	seqs := make(map[uint64]bool, len(ordered))
	for _, f := range ordered {
		if f.ID == "" {
			return nil, fmt.Errorf("fragment with seq %d has no id", f.Seq)
		}
		if _, dup := x.byID[f.ID]; dup {
			return nil, fmt.Errorf("fragment %s: duplicate id", f.ID)
		}
		if f.Seq == 0 || seqs[f.Seq] {
			return nil, fmt.Errorf("fragment %s: invalid or repeated seq %d", f.ID, f.Seq)
		}
		if err := x.Validate(f); err != nil {
			return nil, fmt.Errorf("fragment %s: %w", f.ID, err)
		}
		seqs[f.Seq] = true
		if f.Seq > maxSeq {
			maxSeq = f.Seq
		}
		x.add(f.Clone())
	}
	if nextSeq <= maxSeq {
		return nil, fmt.Errorf("next seq %d not beyond stored max %d", nextSeq, maxSeq)
	}
	x.nextSeq = nextSeq
	return x, nil
}
