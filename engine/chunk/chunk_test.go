package chunk

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/libroai/libro/engine/domain"
)

func testUnit(raw string) domain.ContentUnit {
	return domain.ContentUnit{
		SourceURL:   "https://docs.example.com/guide",
		Title:       "Guide",
		HeadingPath: []string{"Guide"},
		RawText:     raw,
		FetchedAt:   time.Unix(1700000000, 0),
	}
}

// uniqueWords builds text from n distinct words so overlap checks are exact.
func uniqueWords(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "w%04d ", i)
	}
	return strings.TrimSpace(b.String())
}

func TestSplit_SingleChunk(t *testing.T) {
	c := New(DefaultOptions())
	unit := testUnit("A short page that fits in one chunk.")
	chunks, err := c.Split(unit)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	got := chunks[0]
	if got.Text != "A short page that fits in one chunk." {
		t.Errorf("text = %q", got.Text)
	}
	if got.ID != domain.ChunkID(unit.SourceURL, 0) {
		t.Errorf("id not derived from (url, ordinal)")
	}
	if got.ContentHash != domain.HashText(got.Text) {
		t.Errorf("hash not derived from text")
	}
	if got.Ordinal != 0 || got.SourceURL != unit.SourceURL {
		t.Errorf("metadata wrong: %+v", got)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := New(Options{Size: 120, Overlap: 20})
	unit := testUnit("# Intro\n\n" + uniqueWords(200) + "\n\n## Detail\n\n" + uniqueWords(150))

	first, err := c.Split(unit)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := c.Split(unit)
	if err != nil {
		t.Fatalf("Split again: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].ContentHash != second[i].ContentHash || first[i].Text != second[i].Text {
			t.Errorf("chunk %d differs across runs", i)
		}
	}
}

func TestSplit_BoundedSize(t *testing.T) {
	opts := Options{Size: 100, Overlap: 10}
	c := New(opts)
	chunks, err := c.Split(testUnit(uniqueWords(400)))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if n := utf8.RuneCountInString(ch.Text); n > opts.Size {
			t.Errorf("chunk %d has %d runes, budget %d", ch.Ordinal, n, opts.Size)
		}
	}
}

func TestSplit_OrdinalsConsecutive(t *testing.T) {
	c := New(Options{Size: 80, Overlap: 0})
	chunks, err := c.Split(testUnit(uniqueWords(100)))
	if err != nil {
		t.Fatal(err)
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d", i, ch.Ordinal)
		}
	}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	// Sentences are ~40 runes, window 100: a boundary always lands in the
	// second half, so every non-final chunk should end at a sentence end.
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "This is sentence number %02d in the doc. ", i)
	}
	c := New(Options{Size: 100, Overlap: 0})
	chunks, err := c.Split(testUnit(strings.TrimSpace(b.String())))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for _, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Text, ".") {
			t.Errorf("chunk %d does not end at a sentence: %q", ch.Ordinal, ch.Text)
		}
	}
}

func TestSplit_FallsBackToWordBoundary(t *testing.T) {
	// No sentence ends at all: cuts must still land between words.
	c := New(Options{Size: 50, Overlap: 0})
	chunks, err := c.Split(testUnit(uniqueWords(60)))
	if err != nil {
		t.Fatal(err)
	}
	var words []string
	for _, ch := range chunks {
		words = append(words, strings.Fields(ch.Text)...)
	}
	for i, w := range words {
		if len(w) != 5 || w[0] != 'w' {
			t.Fatalf("word %d split mid-word: %q", i, w)
		}
	}
	// Zero overlap: nothing lost, nothing duplicated.
	if want := 60; len(words) != want {
		t.Errorf("expected %d words across chunks, got %d", want, len(words))
	}
}

func TestSplit_OverlapCarriesContext(t *testing.T) {
	c := New(Options{Size: 100, Overlap: 30})
	chunks, err := c.Split(testUnit(uniqueWords(120)))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 0; i < len(chunks)-1; i++ {
		next := strings.Fields(chunks[i+1].Text)
		if len(next) == 0 {
			t.Fatalf("chunk %d empty", i+1)
		}
		// Words are unique, so a shared word proves real overlap.
		if !strings.Contains(chunks[i].Text, next[0]) {
			t.Errorf("chunk %d does not overlap into chunk %d", i, i+1)
		}
	}
}

func TestSplit_HeadingPaths(t *testing.T) {
	raw := "intro text before any heading\n\n" +
		"# Setup\n\nsetup body\n\n" +
		"## Linux\n\nlinux body\n\n" +
		"# Usage\n\nusage body"
	c := New(DefaultOptions())
	chunks, err := c.Split(testUnit(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	wantPaths := [][]string{
		{"Guide"},
		{"Guide", "Setup"},
		{"Guide", "Setup", "Linux"},
		{"Guide", "Usage"},
	}
	for i, ch := range chunks {
		if domain.JoinHeadingPath(ch.HeadingPath) != domain.JoinHeadingPath(wantPaths[i]) {
			t.Errorf("chunk %d path = %v, want %v", i, ch.HeadingPath, wantPaths[i])
		}
		if strings.Contains(ch.Text, "#") {
			t.Errorf("heading marker leaked into chunk text: %q", ch.Text)
		}
	}
	// Sibling h1 resets the stack, so "Usage" must not sit under "Setup".
	last := chunks[3]
	if strings.Contains(domain.JoinHeadingPath(last.HeadingPath), "Setup") {
		t.Errorf("stack not popped on sibling heading: %v", last.HeadingPath)
	}
}

func TestSplit_EmptySectionsSkipped(t *testing.T) {
	raw := "# A\n\n# B\n\nonly b has text"
	c := New(DefaultOptions())
	chunks, err := c.Split(testUnit(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if got := domain.JoinHeadingPath(chunks[0].HeadingPath); got != "Guide > B" {
		t.Errorf("path = %q", got)
	}
}

func TestSplit_ContentHardLimit(t *testing.T) {
	c := New(Options{Size: 100, MaxContentLen: 200})
	_, err := c.Split(testUnit(uniqueWords(100)))
	if !errors.Is(err, domain.ErrSizeViolation) {
		t.Errorf("expected ErrSizeViolation, got %v", err)
	}
}

func TestSplit_RejectsEmptyUnit(t *testing.T) {
	c := New(DefaultOptions())
	unit := testUnit("   \n\n  ")
	if _, err := c.Split(unit); !errors.Is(err, domain.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	bad := testUnit("fine text")
	bad.SourceURL = "not-a-url"
	if _, err := c.Split(bad); !errors.Is(err, domain.ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
}

func TestSplit_ChangePropagatesToOneChunk(t *testing.T) {
	// Editing one section changes that chunk's hash and nothing else.
	base := "# A\n\nalpha body text\n\n# B\n\nbeta body text"
	edited := "# A\n\nalpha body text\n\n# B\n\nbeta body text edited"
	c := New(DefaultOptions())
	unit := testUnit(base)
	before, err := c.Split(unit)
	if err != nil {
		t.Fatal(err)
	}
	unit.RawText = edited
	after, err := c.Split(unit)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 2 || len(after) != 2 {
		t.Fatalf("expected 2 chunks each, got %d and %d", len(before), len(after))
	}
	if before[0].ID != after[0].ID || before[0].ContentHash != after[0].ContentHash {
		t.Errorf("untouched chunk changed")
	}
	if before[1].ID != after[1].ID {
		t.Errorf("edited chunk should keep its id")
	}
	if before[1].ContentHash == after[1].ContentHash {
		t.Errorf("edited chunk should change its hash")
	}
}
