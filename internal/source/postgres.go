package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// PostgresSource reads research articles from the contents table.
type PostgresSource struct {
	pool    *pgxpool.Pool
	exclude []string
	logger  *zap.Logger
}

// NewPostgres connects to dsn and checks the connection.
func NewPostgres(ctx context.Context, dsn string, excludeAuthors []string, logger *zap.Logger) (*PostgresSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres DSN required", ErrInvalidConfig)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing DSN: %v", ErrInvalidConfig, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to document database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging document database: %w", err)
	}
	logger.Info("postgres source ready")
	return &PostgresSource{pool: pool, exclude: excludeAuthors, logger: logger}, nil
}

// buildQuery returns the page query and its arguments.
func buildQuery(keywords, excludeAuthors []string, limit, offset int) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString(`SELECT c.id::text,
       c.title,
       COALESCE(c.authors::text, ''),
       c.published_at,
       COALESCE(c.doi, ''),
       COALESCE(c.journal, ''),
       COALESCE(c.source_url, ''),
       COALESCE(c.description, c.summary, '')
FROM contents c
WHERE c.content_type = 'research_article'`)

	if len(keywords) > 0 {
		conds := make([]string, 0, len(keywords))
		for _, k := range keywords {
			p := arg("%" + k + "%")
			conds = append(conds, fmt.Sprintf(
				"(c.title ILIKE %[1]s OR COALESCE(c.description, '') ILIKE %[1]s OR COALESCE(c.summary, '') ILIKE %[1]s OR %[2]s = ANY(c.keywords))",
				p, arg(k)))
		}
		b.WriteString("\n  AND (" + strings.Join(conds, " OR ") + ")")
	}
	for _, a := range excludeAuthors {
		if a = strings.TrimSpace(a); a == "" {
			continue
		}
		b.WriteString("\n  AND COALESCE(c.authors::text, '') NOT ILIKE " + arg("%"+a+"%"))
	}
	b.WriteString("\nORDER BY c.published_at DESC NULLS LAST")
	b.WriteString("\nLIMIT " + arg(limit) + " OFFSET " + arg(offset))
	return b.String(), args
}

// FetchBatch implements Source.
func (s *PostgresSource) FetchBatch(ctx context.Context, topic string, limit, offset int) ([]synth.Document, error) {
	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}
	query, args := buildQuery(SplitKeywords(topic), s.exclude, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	out := []synth.Document{}
	for rows.Next() {
		var (
			d       synth.Document
			authors string
			pub     *time.Time
		)
		if err := rows.Scan(&d.ID, &d.Title, &authors, &pub, &d.DOI, &d.Journal, &d.SourceURL, &d.Abstract); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		d.Authors = parseAuthors(authors)
		d.PublishedAt = pub
		d.Topic = topic
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	return out, nil
}

// parseAuthors reads the text form of the authors column: a JSON array, a
// postgres array literal or a comma separated list.
func parseAuthors(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var list []string
	if json.Unmarshal([]byte(s), &list) == nil {
		return list
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = s[1 : len(s)-1]
	}
	for _, a := range strings.Split(s, ",") {
		if a = strings.Trim(strings.TrimSpace(a), `"`); a != "" {
			list = append(list, a)
		}
	}
	return list
}

// Close implements Source.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
