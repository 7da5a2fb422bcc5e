package convo

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestKnowledgeStore_AddListRemove(t *testing.T) {
	t.Parallel()

	s := NewKnowledgeStore(0)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	if _, err := s.Add("empty", "   "); err == nil {
		t.Fatalf("empty document should be rejected")
	}

	first, err := s.Add("roadmap", "Ship in Q3.")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := s.Add("pricing", "Enterprise tier is $99/seat.")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	docs := s.List()
	if len(docs) != 2 || docs[0].ID != first || docs[1].ID != second {
		t.Fatalf("docs out of insertion order: %+v", docs)
	}

	s.Remove(first)
	s.Remove("never-existed")
	if docs := s.List(); len(docs) != 1 || docs[0].ID != second {
		t.Fatalf("after remove: %+v", docs)
	}
}

func TestKnowledgeStore_ContextText(t *testing.T) {
	t.Parallel()

	s := NewKnowledgeStore(0)
	if s.ContextText() != "" {
		t.Fatalf("empty store should render nothing")
	}

	if _, err := s.Add("roadmap", "Ship in Q3."); err != nil {
		t.Fatalf("Add: %v", err)
	}
	out := s.ContextText()
	if !strings.Contains(out, "## roadmap") || !strings.Contains(out, "Ship in Q3.") {
		t.Fatalf("context text: %q", out)
	}
	if strings.Contains(out, "truncated") {
		t.Fatalf("unexpected truncation notice: %q", out)
	}
}

func TestKnowledgeStore_TruncatesAtLimit(t *testing.T) {
	t.Parallel()

	s := NewKnowledgeStore(80)
	if _, err := s.Add("first", strings.Repeat("a", 60)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add("second", strings.Repeat("b", 60)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	out := s.ContextText()
	if !strings.Contains(out, "truncated") {
		t.Fatalf("truncation notice missing: %q", out)
	}
	body := strings.TrimSuffix(out, truncationNotice)
	if len(body) > 80 {
		t.Fatalf("body length %d exceeds limit 80", len(body))
	}
}

func TestKnowledgeStore_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// "## notes\n\n" is 10 bytes; a 21-byte limit lands in the middle of
	// the sixth two-byte rune.
	s := NewKnowledgeStore(21)
	if _, err := s.Add("notes", strings.Repeat("é", 40)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	out := s.ContextText()
	if !utf8.ValidString(out) {
		t.Fatalf("context text contains a broken UTF-8 sequence: %q", out)
	}
	body := strings.TrimSuffix(out, truncationNotice)
	if !strings.HasSuffix(body, "é") {
		t.Fatalf("cut did not land on a rune boundary: %q", body)
	}
	if len(body) > 21 {
		t.Fatalf("body length %d exceeds limit 21", len(body))
	}
}
