// Package ignore reads gitignore-style exclusion files.
package ignore

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileName is the exclusion file snapshots read from the artifact dir.
const FileName = ".snapshotignore"

// Matcher decides whether a path relative to its root is excluded. The zero
// value and a nil Matcher exclude nothing.
type Matcher struct {
	m        gitignore.Matcher
	patterns []string
}

// Load reads each named file in root and combines their patterns; later
// files take precedence. Missing files are skipped.
func Load(root string, names ...string) (*Matcher, error) {
	var lines []string
	var ps []gitignore.Pattern
	for _, name := range names {
		file, err := parseFile(filepath.Join(root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, line := range file {
			lines = append(lines, line)
			ps = append(ps, gitignore.ParsePattern(line, nil))
		}
	}
	if len(ps) == 0 {
		return &Matcher{}, nil
	}
	return &Matcher{m: gitignore.NewMatcher(ps), patterns: lines}, nil
}

// Match reports whether rel (slash or OS separated) is excluded.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || m.m == nil {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

// Patterns returns the active pattern lines in file order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return m.patterns
}

func parseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line, ok := parseLine(sc.Text()); ok {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// parseLine drops blank lines and comments.
func parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, " \t\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	return line, true
}
