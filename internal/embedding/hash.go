package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/rcliao/story-memory/internal/model"
)

// DefaultHashDims is the hash embedder's dimension when none is configured.
const DefaultHashDims = 384

// HashEmbedder is a deterministic, offline embedder based on signed feature
// hashing of word unigrams and bigrams. Texts sharing vocabulary land close
// together under cosine similarity. Texts with no word tokens ("n", "?!")
// hash their characters instead; blank text embeds to the zero vector.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder producing dims-length vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dims() int { return e.dims }

func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm := model.Normalize(text)
	acc := make([]float64, e.dims)
	if words := tokenize(norm); len(words) > 0 {
		for i, w := range words {
			e.add(acc, w, 1)
			if i > 0 {
				e.add(acc, words[i-1]+" "+w, 0.5)
			}
		}
	} else {
		for _, r := range norm {
			if !unicode.IsSpace(r) {
				e.add(acc, "#"+string(r), 1)
			}
		}
	}

	var sum float64
	for _, v := range acc {
		sum += v * v
	}
	vec := make(Vector, e.dims)
	if sum == 0 {
		return vec, nil
	}
	n := math.Sqrt(sum)
	for i, v := range acc {
		vec[i] = float32(v / n)
	}
	return vec, nil
}

func (e *HashEmbedder) add(acc []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}

// tokenize splits text into word tokens, dropping single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '\'')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
