// Package source fetches research documents by topic.
//
// Two backends share one filter: a document matches when any topic keyword
// appears in its title, abstract or description (or equals one of its
// keywords), and it is dropped when its authors match an exclude pattern.
// Results are newest first and paged by limit and offset.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

var (
	// ErrInvalidConfig is returned for unusable source settings.
	ErrInvalidConfig = errors.New("invalid source configuration")

	// ErrInvalidPage is returned for a negative limit or offset.
	ErrInvalidPage = errors.New("limit and offset must be non-negative")
)

// Source is a read-only document store.
type Source interface {
	FetchBatch(ctx context.Context, topic string, limit, offset int) ([]synth.Document, error)
	Close() error
}

// Settings selects a backend.
type Settings struct {
	Backend        string // file or postgres
	File           string
	DSN            string
	ExcludeAuthors []string
}

// New opens the configured source.
func New(ctx context.Context, s Settings, logger *zap.Logger) (Source, error) {
	switch s.Backend {
	case "", "file":
		return OpenFile(s.File, s.ExcludeAuthors, logger)
	case "postgres":
		return NewPostgres(ctx, s.DSN, s.ExcludeAuthors, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, s.Backend)
	}
}

var keywordSplit = regexp.MustCompile(`,|\sand\s|\sor\s`)

// SplitKeywords turns a topic such as "hypertension and sodium, diet" into
// its keywords. Blank parts are dropped.
func SplitKeywords(topic string) []string {
	var out []string
	for _, k := range keywordSplit.Split(topic, -1) {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func checkPage(limit, offset int) error {
	if limit < 0 || offset < 0 {
		return fmt.Errorf("%w: limit=%d offset=%d", ErrInvalidPage, limit, offset)
	}
	return nil
}
