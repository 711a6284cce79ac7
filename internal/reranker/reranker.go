// Package reranker reorders recalled memories by blending vector similarity
// with how many of the query's terms each memory actually contains.
package reranker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Document is one recall candidate in its original order.
type Document struct {
	ID      string
	Content string
	Score   float32
}

// Scored is a Document after reranking.
type Scored struct {
	Document
	Overlap      float32 // share of query terms found in Content, 0..1
	Combined     float32
	OriginalRank int
}

// Reranker reorders candidates for a query and keeps the best topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error)
}

// Lexical blends the vector score with term overlap. Weight is the share
// given to overlap; 0 keeps the original order.
type Lexical struct {
	weight float32
}

// NewLexical returns a Lexical reranker. weight must lie in [0, 1].
func NewLexical(weight float64) (*Lexical, error) {
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("rerank weight %.2f outside [0, 1]", weight)
	}
	return &Lexical{weight: float32(weight)}, nil
}

// Rerank scores every document and returns the topK best, highest combined
// score first. Equal scores keep their input order, so callers can feed
// candidates already sorted by their own tie-break. topK <= 0 keeps all.
func (r *Lexical) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}

	terms := tokenize(query)
	out := make([]Scored, len(docs))
	for i, d := range docs {
		overlap := termOverlap(terms, tokenize(d.Content))
		out[i] = Scored{
			Document:     d,
			Overlap:      overlap,
			Combined:     (1-r.weight)*d.Score + r.weight*overlap,
			OriginalRank: i,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Combined > out[j].Combined
	})
	return out[:topK], nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"not": true, "than": true, "into": true, "its": true,
}

// termOverlap is the share of distinct query terms present in doc.
func termOverlap(query, doc []string) float32 {
	if len(query) == 0 {
		return 0
	}
	have := make(map[string]bool, len(doc))
	for _, t := range doc {
		have[t] = true
	}
	distinct := make(map[string]bool, len(query))
	matched := 0
	for _, t := range query {
		if distinct[t] {
			continue
		}
		distinct[t] = true
		if have[t] {
			matched++
		}
	}
	return float32(matched) / float32(len(distinct))
}
