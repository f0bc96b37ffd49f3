// Package chunker splits long lore text into passages sized for embedding as
// memory fragments.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultTargetSize = 400
	DefaultMinSize    = 100
	DefaultMaxSize    = 600
)

// Options configures chunking behavior. Sizes are in bytes.
type Options struct {
	TargetSize int
	MinSize    int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
	}
}

// ChunkResult is one passage with the heading of the section it came from.
type ChunkResult struct {
	Text      string
	Heading   string
	StartLine int
	EndLine   int
}

// Chunk splits text into passages. Sections start at markdown headings;
// paragraphs within a section merge up to TargetSize, and a paragraph over
// MaxSize is split on sentence boundaries.
func Chunk(text string, opts Options) []ChunkResult {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxSize < opts.TargetSize {
		opts.MaxSize = opts.TargetSize
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []ChunkResult
	for _, s := range splitSections(text) {
		out = append(out, mergeParagraphs(s, opts)...)
	}
	return out
}

type paragraph struct {
	text      string
	startLine int
	endLine   int
}

type section struct {
	heading string
	paras   []paragraph
}

// splitSections groups paragraphs (blank-line separated) under headings.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	cur := section{}
	var buf []string
	start := 0

	flushPara := func(end int) {
		t := strings.TrimSpace(strings.Join(buf, " "))
		if t != "" {
			cur.paras = append(cur.paras, paragraph{text: collapse(t), startLine: start, endLine: end})
		}
		buf = nil
	}
	flushSection := func() {
		if len(cur.paras) > 0 {
			sections = append(sections, cur)
		}
		cur = section{}
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			flushPara(n - 1)
			flushSection()
			cur.heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		case trimmed == "":
			flushPara(n - 1)
		default:
			if len(buf) == 0 {
				start = n
			}
			buf = append(buf, trimmed)
		}
	}
	flushPara(len(lines))
	flushSection()
	return sections
}

func mergeParagraphs(s section, opts Options) []ChunkResult {
	var out []ChunkResult
	var acc *ChunkResult

	flush := func() {
		if acc != nil {
			out = append(out, *acc)
			acc = nil
		}
	}

	for _, p := range s.paras {
		if len(p.text) > opts.MaxSize {
			flush()
			for _, piece := range splitLong(p.text, opts) {
				out = append(out, ChunkResult{Text: piece, Heading: s.heading, StartLine: p.startLine, EndLine: p.endLine})
			}
			continue
		}
		if acc == nil {
			acc = &ChunkResult{Text: p.text, Heading: s.heading, StartLine: p.startLine, EndLine: p.endLine}
			continue
		}
		combined := acc.Text + "\n\n" + p.text
		if len(combined) <= opts.TargetSize || (len(acc.Text) < opts.MinSize && len(combined) <= opts.MaxSize) {
			acc.Text = combined
			acc.EndLine = p.endLine
			continue
		}
		flush()
		acc = &ChunkResult{Text: p.text, Heading: s.heading, StartLine: p.startLine, EndLine: p.endLine}
	}
	flush()
	return out
}

// splitLong packs sentences into pieces of at most TargetSize. A single
// sentence longer than MaxSize is cut on word boundaries.
func splitLong(text string, opts Options) []string {
	var pieces []string
	var cur strings.Builder

	emit := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			pieces = append(pieces, t)
		}
		cur.Reset()
	}

	for _, sent := range sentences(text) {
		if len(sent) > opts.MaxSize {
			emit()
			pieces = append(pieces, splitWords(sent, opts.TargetSize)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(sent) > opts.TargetSize {
			emit()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sent)
	}
	emit()
	return pieces
}

// sentences splits after terminal punctuation followed by whitespace.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func splitWords(text string, size int) []string {
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > size {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
