package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// FileSource serves documents from a JSONL file loaded at open.
type FileSource struct {
	docs    []fileRecord
	exclude []string
	logger  *zap.Logger
}

// fileRecord is one line of the demo file. The id may be a string or a
// number.
type fileRecord struct {
	ID          flexibleID `json:"id"`
	Title       string     `json:"title"`
	Authors     []string   `json:"authors"`
	PublishedAt *dateTime  `json:"published_at"`
	Abstract    string     `json:"abstract"`
	Description string     `json:"description"`
	Summary     string     `json:"summary"`
	FullText    string     `json:"full_text"`
	URL         string     `json:"url"`
	SourceURL   string     `json:"source_url"`
	DOI         string     `json:"doi"`
	Journal     string     `json:"journal"`
	Keywords    []string   `json:"keywords"`
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// dateTime accepts RFC 3339 timestamps and plain dates.
type dateTime time.Time

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

func (d *dateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("published_at must be a string: %w", err)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*d = dateTime(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("unrecognized date %q", s)
}

func (rec fileRecord) published() *time.Time {
	if rec.PublishedAt == nil {
		return nil
	}
	t := time.Time(*rec.PublishedAt)
	return &t
}

// OpenFile loads path. Malformed lines are skipped with a warning; a file
// with no usable line is an error.
func OpenFile(path string, excludeAuthors []string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("%w: file path required", ErrInvalidConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var docs []fileRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			logger.Warn("skipping malformed document line", zap.String("path", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		docs = append(docs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	if len(docs) == 0 && line > 0 {
		return nil, fmt.Errorf("%w: %s has no valid documents", ErrInvalidConfig, path)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i].published(), docs[j].published()
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})

	logger.Info("file source loaded", zap.String("path", path), zap.Int("documents", len(docs)))
	return &FileSource{docs: docs, exclude: excludeAuthors, logger: logger}, nil
}

// FetchBatch implements Source.
func (s *FileSource) FetchBatch(ctx context.Context, topic string, limit, offset int) ([]synth.Document, error) {
	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keywords := SplitKeywords(topic)
	for i := range keywords {
		keywords[i] = strings.ToLower(keywords[i])
	}

	var matched []fileRecord
	for _, rec := range s.docs {
		if s.excluded(rec) || !rec.matches(keywords) {
			continue
		}
		matched = append(matched, rec)
	}
	if offset >= len(matched) {
		return []synth.Document{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]synth.Document, 0, end-offset)
	for _, rec := range matched[offset:end] {
		out = append(out, rec.document(topic))
	}
	return out, nil
}

func (s *FileSource) excluded(rec fileRecord) bool {
	authors := strings.ToLower(strings.Join(rec.Authors, ", "))
	for _, pattern := range s.exclude {
		if p := strings.ToLower(strings.TrimSpace(pattern)); p != "" && strings.Contains(authors, p) {
			return true
		}
	}
	return false
}

func (rec fileRecord) matches(keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(rec.Title + " " + rec.Abstract + " " + rec.Description + " " + rec.Summary)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
		for _, kw := range rec.Keywords {
			if strings.EqualFold(kw, k) {
				return true
			}
		}
	}
	return false
}

func (rec fileRecord) document(topic string) synth.Document {
	abstract := firstNonEmpty(rec.Abstract, rec.Description, rec.Summary)
	return synth.Document{
		ID:          string(rec.ID),
		Title:       rec.Title,
		Authors:     rec.Authors,
		PublishedAt: rec.published(),
		Abstract:    abstract,
		FullText:    rec.FullText,
		SourceURL:   firstNonEmpty(rec.SourceURL, rec.URL),
		Topic:       topic,
		DOI:         rec.DOI,
		Journal:     rec.Journal,
		Keywords:    rec.Keywords,
	}
}

// Close implements Source.
func (s *FileSource) Close() error { return nil }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
