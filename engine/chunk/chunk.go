// Package chunk deterministically splits normalised content into bounded
// segments. Splitting is a pure function of the input text and options:
// the same page always produces the same boundaries, ids, and hashes, which
// is what makes re-ingestion idempotent downstream.
package chunk

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/normalize"
)

// Default bounds. Size and Overlap are rune budgets; the hard limits reject
// pathological input outright instead of truncating it.
const (
	DefaultSize          = 1000
	DefaultOverlap       = 100
	DefaultMaxContentLen = 30_000
	DefaultMaxChunkLen   = 20_000
)

// Options configures the chunker.
type Options struct {
	Size          int
	Overlap       int
	MaxContentLen int
	MaxChunkLen   int
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return Options{
		Size:          DefaultSize,
		Overlap:       DefaultOverlap,
		MaxContentLen: DefaultMaxContentLen,
		MaxChunkLen:   DefaultMaxChunkLen,
	}
}

// Chunker splits ContentUnits into Chunks.
type Chunker struct {
	opts Options
}

// New creates a Chunker, filling zero options with defaults.
func New(opts Options) *Chunker {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size / 10
	}
	if opts.MaxContentLen <= 0 {
		opts.MaxContentLen = DefaultMaxContentLen
	}
	if opts.MaxChunkLen <= 0 {
		opts.MaxChunkLen = DefaultMaxChunkLen
	}
	return &Chunker{opts: opts}
}

// section is a run of text under one heading stack.
type section struct {
	path []string
	text string
}

// Split cuts a ContentUnit into ordered chunks. Heading marker lines open a
// new section and never land inside chunk text; they become the chunk's
// heading path instead.
func (c *Chunker) Split(unit domain.ContentUnit) ([]domain.Chunk, error) {
	if err := domain.ValidateContentUnit(unit); err != nil {
		return nil, err
	}
	if n := utf8.RuneCountInString(unit.RawText); n > c.opts.MaxContentLen {
		return nil, fmt.Errorf("chunk: %s has %d runes, limit %d: %w",
			unit.SourceURL, n, c.opts.MaxContentLen, domain.ErrSizeViolation)
	}

	var chunks []domain.Chunk
	ordinal := 0
	for _, sec := range splitSections(unit) {
		for _, text := range c.window(sec.text) {
			if utf8.RuneCountInString(text) > c.opts.MaxChunkLen {
				return nil, fmt.Errorf("chunk: %s chunk %d exceeds %d runes: %w",
					unit.SourceURL, ordinal, c.opts.MaxChunkLen, domain.ErrSizeViolation)
			}
			chunks = append(chunks, domain.Chunk{
				ID:          domain.ChunkID(unit.SourceURL, ordinal),
				Text:        text,
				HeadingPath: sec.path,
				SourceURL:   unit.SourceURL,
				ContentHash: domain.HashText(text),
				Ordinal:     ordinal,
			})
			ordinal++
		}
	}
	return chunks, nil
}

// splitSections walks the normalised text line by line, maintaining the
// heading stack. Text before the first heading belongs to the root section.
func splitSections(unit domain.ContentUnit) []section {
	type headingEntry struct {
		level int
		text  string
	}

	var (
		sections []section
		stack    []headingEntry
		buf      []string
	)
	root := unit.HeadingPath

	path := func() []string {
		p := make([]string, 0, len(root)+len(stack))
		p = append(p, root...)
		for _, h := range stack {
			p = append(p, h.text)
		}
		return p
	}
	flush := func() {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if text != "" {
			sections = append(sections, section{path: path(), text: text})
		}
	}

	for _, line := range strings.Split(unit.RawText, "\n") {
		if level, text, ok := normalize.IsHeadingLine(line); ok {
			flush()
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headingEntry{level: level, text: text})
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

// window cuts section text into rune windows of at most Size, preferring a
// sentence boundary when one falls past the midpoint, then a space, then a
// hard cut. Adjacent windows share Overlap runes, aligned to a word start.
func (c *Chunker) window(text string) []string {
	runes := []rune(text)
	if len(runes) <= c.opts.Size {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + c.opts.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = splitPoint(runes, start, end)
		}

		if t := strings.TrimSpace(string(runes[start:end])); t != "" {
			out = append(out, t)
		}
		if end == len(runes) {
			break
		}

		next := end - c.opts.Overlap
		if next <= start {
			next = end // forward progress beats overlap
		}
		// Align the overlap to the start of a word.
		for next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		for next < len(runes) && unicode.IsSpace(runes[next]) {
			next++
		}
		start = next
	}
	return out
}

// splitPoint finds the cut position inside runes[start:limit). A sentence
// end or newline wins only when it sits past the window midpoint, so tiny
// fragments never split a window in half.
func splitPoint(runes []rune, start, limit int) int {
	half := start + (limit-start)/2
	for i := limit - 1; i > half; i-- {
		switch runes[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i+1 < limit && (runes[i+1] == ' ' || runes[i+1] == '\n') {
				return i + 2
			}
		}
	}
	for i := limit - 1; i > half; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return limit
}
