package convo

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultKnowledgeLimit caps the total characters of knowledge text folded
// into the system instruction.
const DefaultKnowledgeLimit = 100_000

const truncationNotice = "\n\n[Some reference material was truncated to fit the context limit.]"

// KnowledgeDocument is one piece of reference text the model can ground
// its answers on.
type KnowledgeDocument struct {
	ID      string
	Name    string
	Text    string
	AddedAt time.Time
}

// KnowledgeStore holds reference documents and assembles them into the
// context block of a session's system instruction. Safe for concurrent use.
type KnowledgeStore struct {
	mu    sync.Mutex
	docs  map[string]KnowledgeDocument
	limit int
	now   func() time.Time
}

// NewKnowledgeStore creates an empty store. A non-positive limit selects
// DefaultKnowledgeLimit.
func NewKnowledgeStore(limit int) *KnowledgeStore {
	if limit <= 0 {
		limit = DefaultKnowledgeLimit
	}
	return &KnowledgeStore{
		docs:  make(map[string]KnowledgeDocument),
		limit: limit,
		now:   time.Now,
	}
}

// Add stores a document and returns its id. Empty text is rejected.
func (s *KnowledgeStore) Add(name, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("knowledge document %q is empty", name)
	}
	doc := KnowledgeDocument{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(name),
		Text:    text,
		AddedAt: s.now(),
	}
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
	return doc.ID, nil
}

// Remove deletes a document. Unknown ids are a no-op.
func (s *KnowledgeStore) Remove(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
}

// List returns all documents ordered by insertion time.
func (s *KnowledgeStore) List() []KnowledgeDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]KnowledgeDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// ContextText renders the documents into one block for the system
// instruction. When the concatenation would exceed the store's character
// limit, later documents are cut and a truncation notice is appended.
func (s *KnowledgeStore) ContextText() string {
	docs := s.List()
	if len(docs) == 0 {
		return ""
	}

	var b strings.Builder
	truncated := false
	for _, doc := range docs {
		section := fmt.Sprintf("## %s\n\n%s\n\n", doc.Name, doc.Text)
		remaining := s.limit - b.Len()
		if remaining <= 0 {
			truncated = true
			break
		}
		if len(section) > remaining {
			// Back up to a rune boundary so the cut never emits a partial
			// UTF-8 sequence into the instruction.
			cut := remaining
			for cut > 0 && !utf8.RuneStart(section[cut]) {
				cut--
			}
			b.WriteString(section[:cut])
			truncated = true
			break
		}
		b.WriteString(section)
	}

	out := strings.TrimRight(b.String(), "\n")
	if truncated {
		out += truncationNotice
	}
	return out
}
