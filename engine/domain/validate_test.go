package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateQuery_Valid(t *testing.T) {
	cases := []string{
		"how do I configure the webhook retry policy",
		"  padded but fine  ",
		"abc",
		"什么是幂等写入",
	}
	for _, text := range cases {
		if err := ValidateQuery(text); err != nil {
			t.Errorf("expected valid for %q, got %v", text, err)
		}
	}
}

func TestValidateQuery_Empty(t *testing.T) {
	if !errors.Is(ValidateQuery(""), ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery for empty string")
	}
	if !errors.Is(ValidateQuery("   \n\t "), ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery for whitespace")
	}
}

func TestValidateQuery_TooShort(t *testing.T) {
	if !errors.Is(ValidateQuery("hi"), ErrQueryTooShort) {
		t.Errorf("expected ErrQueryTooShort")
	}
	// Trimming happens before the length check.
	if !errors.Is(ValidateQuery("  a  "), ErrQueryTooShort) {
		t.Errorf("expected ErrQueryTooShort after trim")
	}
}

func TestValidateQuery_TooLong(t *testing.T) {
	long := strings.Repeat("q", maxQueryLength+1)
	if !errors.Is(ValidateQuery(long), ErrQueryTooLong) {
		t.Errorf("expected ErrQueryTooLong")
	}
	// Exactly at the bound is fine.
	if err := ValidateQuery(strings.Repeat("q", maxQueryLength)); err != nil {
		t.Errorf("expected valid at bound, got %v", err)
	}
}

func TestValidateQuery_InvalidEncoding(t *testing.T) {
	if !errors.Is(ValidateQuery("abc\xff\xfe"), ErrInvalidEncoding) {
		t.Errorf("expected ErrInvalidEncoding")
	}
}

func TestValidateSourceURL(t *testing.T) {
	valid := []string{
		"https://docs.example.com/guide",
		"http://localhost:8080/page?x=1",
		"https://example.com/a/b#frag",
	}
	for _, u := range valid {
		if err := ValidateSourceURL(u); err != nil {
			t.Errorf("expected valid for %q, got %v", u, err)
		}
	}
	invalid := []string{
		"",
		"ftp://example.com/file",
		"docs.example.com/guide",
		"https://",
	}
	for _, u := range invalid {
		if !errors.Is(ValidateSourceURL(u), ErrInvalidURL) {
			t.Errorf("expected ErrInvalidURL for %q", u)
		}
	}
}

func TestValidateChunk(t *testing.T) {
	good := Chunk{
		ID:          ChunkID("https://docs.example.com/a", 0),
		Text:        "some content",
		SourceURL:   "https://docs.example.com/a",
		ContentHash: HashText("some content"),
		Ordinal:     0,
	}
	if err := ValidateChunk(good); err != nil {
		t.Fatalf("expected valid chunk, got %v", err)
	}

	cases := []struct {
		name string
		mut  func(c Chunk) Chunk
		want error
	}{
		{"missing id", func(c Chunk) Chunk { c.ID = ""; return c }, ErrMissingField},
		{"empty text", func(c Chunk) Chunk { c.Text = " "; return c }, ErrEmptyChunk},
		{"missing hash", func(c Chunk) Chunk { c.ContentHash = ""; return c }, ErrMissingField},
		{"negative ordinal", func(c Chunk) Chunk { c.Ordinal = -1; return c }, ErrMissingField},
		{"bad url", func(c Chunk) Chunk { c.SourceURL = "nope"; return c }, ErrInvalidURL},
	}
	for _, tc := range cases {
		if err := ValidateChunk(tc.mut(good)); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateEmbedding(t *testing.T) {
	e := Embedding{ChunkID: "c1", Vector: make([]float32, 4), ModelVersion: "m-v1"}
	if err := ValidateEmbedding(e, 4); err != nil {
		t.Errorf("expected valid embedding, got %v", err)
	}
	if err := ValidateEmbedding(e, 8); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch on wrong dims, got %v", err)
	}
	e.ChunkID = ""
	if err := ValidateEmbedding(e, 4); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField on empty chunk id, got %v", err)
	}
}

func TestValidationError_Unwrap(t *testing.T) {
	err := NewValidationError("text", "hi", ErrQueryTooShort)
	if !errors.Is(err, ErrQueryTooShort) {
		t.Errorf("expected Unwrap to expose sentinel")
	}
	if !strings.Contains(err.Error(), "text") {
		t.Errorf("expected field name in message, got %q", err.Error())
	}
}
