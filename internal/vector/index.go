// Package vector is an in-memory nearest-neighbor index over narrative
// fragments, scoped to one campaign.
package vector

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rcliao/story-memory/internal/model"
)

// Metric selects the similarity function.
type Metric string

const (
	Cosine    Metric = "cosine"
	Dot       Metric = "dot"
	Euclidean Metric = "euclidean"
)

// ParseMetric maps a configured name to a Metric; empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", Cosine:
		return Cosine, nil
	case Dot:
		return Dot, nil
	case Euclidean:
		return Euclidean, nil
	}
	return "", &model.ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q (valid: cosine, dot, euclidean)", s)}
}

// Filter is a predicate over fragment metadata. A nil Filter admits all.
type Filter func(model.Fragment) bool

// Hit is one query result.
type Hit struct {
	Fragment model.Fragment `json:"fragment"`
	Score    float64        `json:"score"`
}

// Index stores fragments with their embeddings and answers top-k queries by
// exact scan. Cost is linear in the campaign's fragment count.
type Index struct {
	mu      sync.RWMutex
	dim     int
	metric  Metric
	entries []*entry
	byID    map[string]*entry
	nextSeq uint64
}

type entry struct {
	frag model.Fragment
	norm float64
}

// New returns an empty index for vectors of dimension dim.
func New(dim int, metric Metric) (*Index, error) {
	if dim <= 0 {
		return nil, &model.ValidationError{Field: "dimension", Reason: "must be positive"}
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if metric == "" {
		metric = Cosine
	}
	return &Index{
		dim:     dim,
		metric:  metric,
		byID:    make(map[string]*entry),
		nextSeq: 1,
	}, nil
}

// Dim returns the configured dimension.
func (x *Index) Dim() int { return x.dim }

// Metric returns the configured metric.
func (x *Index) Metric() Metric { return x.metric }

// Validate checks a fragment without inserting it.
func (x *Index) Validate(f model.Fragment) error {
	if strings.TrimSpace(f.Text) == "" {
		return &model.ValidationError{Field: "text", Reason: "fragment text is empty"}
	}
	if f.TurnID < 0 {
		return &model.ValidationError{Field: "turn_id", Reason: "must not be negative"}
	}
	if f.Importance < 0 || f.Importance > 1 {
		return &model.ValidationError{Field: "importance", Reason: "must be within [0, 1]"}
	}
	return x.checkVector("embedding", f.Embedding)
}

func (x *Index) checkVector(field string, v []float32) error {
	if len(v) != x.dim {
		return &model.ValidationError{Field: field, Reason: fmt.Sprintf("dimension %d, index expects %d", len(v), x.dim)}
	}
	for _, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return &model.ValidationError{Field: field, Reason: "non-finite component"}
		}
	}
	return nil
}

// Insert stores a fragment under a fresh id and the next sequence number.
// Identical content inserted twice yields two fragments.
func (x *Index) Insert(f model.Fragment) (string, error) {
	if err := x.Validate(f); err != nil {
		return "", err
	}
	f = f.Clone()
	f.ID = model.NewID()

	x.mu.Lock()
	defer x.mu.Unlock()
	f.Seq = x.nextSeq
	x.nextSeq++
	x.add(f)
	return f.ID, nil
}

func (x *Index) add(f model.Fragment) {
	e := &entry{frag: f, norm: norm(f.Embedding)}
	x.entries = append(x.entries, e)
	x.byID[f.ID] = e
}

// Get returns a fragment by id.
func (x *Index) Get(id string) (model.Fragment, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[id]
	if !ok {
		return model.Fragment{}, &model.NotFoundError{Kind: "fragment", ID: id}
	}
	return e.frag.Clone(), nil
}

// Len returns the number of fragments.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Query returns up to k fragments most similar to q, best first. Ties break
// by more recent turn, then by later insertion.
func (x *Index) Query(q []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, &model.ValidationError{Field: "k", Reason: "must be a positive integer"}
	}
	if err := x.checkVector("query", q); err != nil {
		return nil, err
	}
	qn := norm(q)

	x.mu.RLock()
	defer x.mu.RUnlock()

	h := make(hitHeap, 0, min(k, len(x.entries)))
	for _, e := range x.entries {
		if filter != nil && !filter(e.frag) {
			continue
		}
		c := candidate{e: e, score: x.score(q, qn, e)}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if better(c, h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return better(h[i], h[j]) })
	hits := make([]Hit, len(h))
	for i, c := range h {
		hits[i] = Hit{Fragment: c.e.frag.Clone(), Score: c.score}
	}
	return hits, nil
}

func (x *Index) score(q []float32, qn float64, e *entry) float64 {
	switch x.metric {
	case Dot:
		return dot(q, e.frag.Embedding)
	case Euclidean:
		var sum float64
		for i := range q {
			d := float64(q[i]) - float64(e.frag.Embedding[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	default:
		if qn == 0 || e.norm == 0 {
			return 0
		}
		return dot(q, e.frag.Embedding) / (qn * e.norm)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

// CosineSimilarity computes cosine similarity between two vectors; 0 when
// either is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

type candidate struct {
	e     *entry
	score float64
}

// better orders candidates best-first: score, then turn, then sequence.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.e.frag.TurnID != b.e.frag.TurnID {
		return a.e.frag.TurnID > b.e.frag.TurnID
	}
	return a.e.frag.Seq > b.e.frag.Seq
}

// hitHeap is a min-heap keeping the worst retained candidate at the root.
type hitHeap []candidate

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(v any)        { *h = append(*h, v.(candidate)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
