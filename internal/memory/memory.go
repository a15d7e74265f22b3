// Package memory extracts durable facts from chat messages and surfaces
// the relevant ones as a system prompt prefix on later turns.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/omniplexity/omniai/internal/store"
)

// SnippetHeader opens the system message built by BuildContextSnippet.
const SnippetHeader = "Relevant user memory (may be incomplete; use only if helpful):"

// Sources of ingested text.
const (
	SourceUser      = "user"
	SourceAssistant = "assistant"
)

const minSentenceLen = 8

var (
	sentenceSplit = regexp.MustCompile(`([.!?])\s+`)
	whitespace    = regexp.MustCompile(`\s+`)

	// patterns is checked in order; the first match names the kind.
	patterns = []struct {
		kind string
		re   *regexp.Regexp
	}{
		{"identity", regexp.MustCompile(`(?i)\b(my name is|i am|i'm)\b`)},
		{"preference", regexp.MustCompile(`(?i)\b(i like|i love|i prefer|my favorite|i hate)\b`)},
		{"profile", regexp.MustCompile(`(?i)\b(i live in|i work at|my job|my role|my company|my email|my phone)\b`)},
		{"goal", regexp.MustCompile(`(?i)\b(my goal|i want to|i need to)\b`)},
		{"note", regexp.MustCompile(`(?i)\bremember\b`)},
	}
)

// Candidate is a sentence worth remembering.
type Candidate struct {
	Text string
	Kind string
}

// ExtractCandidates splits text into sentences and keeps those that look
// like facts about the user.
func ExtractCandidates(text string) []Candidate {
	cleaned := clean(text)
	if cleaned == "" {
		return nil
	}

	// Keep the terminator with its sentence.
	split := sentenceSplit.ReplaceAllString(cleaned, "$1\n")

	var out []Candidate
	for _, sentence := range strings.Split(split, "\n") {
		sentence = clean(sentence)
		if len(sentence) < minSentenceLen {
			continue
		}
		for _, p := range patterns {
			if p.re.MatchString(sentence) {
				out = append(out, Candidate{Text: sentence, Kind: p.kind})
				break
			}
		}
	}
	return out
}

func clean(s string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
}

// truncate shortens s to at most max runes, ending with an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:max-1]), unicode.IsSpace) + "…"
}

// Store is the persistence the memory service needs.
type Store interface {
	AddMemory(ctx context.Context, item store.MemoryItem) (*store.MemoryItem, bool, error)
	ListMemory(ctx context.Context, userID int64) ([]store.MemoryItem, error)
}

// Options mirror the memory section of the configuration.
type Options struct {
	Enabled             bool
	AutoIngestUser      bool
	AutoIngestAssistant bool
	MaxChars            int
}

// Service ingests and retrieves memory items.
type Service struct {
	store Store
	opts  Options
}

func NewService(s Store, opts Options) *Service {
	return &Service{store: s, opts: opts}
}

// Ingest extracts candidates from text and stores the new ones. It returns
// the items that were added. Nothing happens when ingestion is disabled
// for source.
func (s *Service) Ingest(ctx context.Context, userID, conversationID int64, source, text string) ([]store.MemoryItem, error) {
	if !s.enabledFor(source) {
		return nil, nil
	}

	var added []store.MemoryItem
	for _, c := range ExtractCandidates(text) {
		item, ok, err := s.store.AddMemory(ctx, store.MemoryItem{
			UserID:         userID,
			Content:        truncate(c.Text, s.opts.MaxChars),
			Kind:           c.Kind,
			Source:         source,
			ConversationID: &conversationID,
		})
		if err != nil {
			return added, fmt.Errorf("storing memory item: %w", err)
		}
		if ok {
			added = append(added, *item)
		}
	}
	return added, nil
}

func (s *Service) enabledFor(source string) bool {
	if !s.opts.Enabled {
		return false
	}
	switch source {
	case SourceUser:
		return s.opts.AutoIngestUser
	case SourceAssistant:
		return s.opts.AutoIngestAssistant
	}
	return false
}

// Search returns up to limit items ranked by how many query terms they
// share. Items sharing no term are left out; ties go to the newer item.
func (s *Service) Search(ctx context.Context, userID int64, query string, limit int) ([]store.MemoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := s.store.ListMemory(ctx, userID)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	type scored struct {
		item  store.MemoryItem
		score int
	}
	var ranked []scored
	for _, item := range items {
		if n := overlap(terms, tokenize(item.Content)); n > 0 {
			ranked = append(ranked, scored{item, n})
		}
	}

	slices.SortStableFunc(ranked, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return b.item.CreatedAt.Compare(a.item.CreatedAt)
	})

	out := make([]store.MemoryItem, 0, min(limit, len(ranked)))
	for _, r := range ranked[:min(limit, len(ranked))] {
		out = append(out, r.item)
	}
	return out, nil
}

// BuildContextSnippet renders the items relevant to query as a system
// prompt block. It returns "" when nothing is relevant.
func (s *Service) BuildContextSnippet(ctx context.Context, userID int64, query string, limit int) (string, error) {
	if !s.opts.Enabled {
		return "", nil
	}
	items, err := s.Search(ctx, userID, query, limit)
	if err != nil || len(items) == 0 {
		return "", err
	}

	var b strings.Builder
	b.WriteString(SnippetHeader)
	for _, item := range items {
		b.WriteString("\n- ")
		b.WriteString(item.Content)
	}
	return b.String(), nil
}

// stopwords are too common to count as overlap.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "are": true, "was": true,
	"what": true, "how": true, "can": true, "this": true, "that": true, "with": true,
}

func tokenize(s string) map[string]bool {
	terms := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(f) >= 3 && !stopwords[f] {
			terms[f] = true
		}
	}
	return terms
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
