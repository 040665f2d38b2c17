package retrieval

import (
	"strings"
	"testing"
)

func TestSplitTextPacksParagraphs(t *testing.T) {
	text := "one\n\ntwo\n\nthree"
	chunks := SplitText(text, 100, 0)
	if len(chunks) != 1 {
		t.Fatalf("expected one packed chunk, got %d", len(chunks))
	}
	if chunks[0] != "one\n\ntwo\n\nthree" {
		t.Fatalf("unexpected chunk: %q", chunks[0])
	}
}

func TestSplitTextHardSplitsOversizedParagraph(t *testing.T) {
	long := strings.Repeat("abcdefghij", 10) // 100 runes, no paragraph breaks
	chunks := SplitText(long, 40, 10)
	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Fatalf("chunk %d exceeds size: %d runes", i, len([]rune(c)))
		}
	}
	// Overlap repeats the boundary runes at the start of the next chunk.
	first := []rune(chunks[0])
	second := []rune(chunks[1])
	if string(first[len(first)-10:]) != string(second[:10]) {
		t.Fatalf("expected 10-rune overlap between chunks")
	}
}

func TestSplitTextSkipsBlankParagraphs(t *testing.T) {
	chunks := SplitText("  \n\n\n\nhello\n\n   ", 50, 0)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
}
