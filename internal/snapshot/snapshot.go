// Package snapshot archives the artifact directory into named experiments.
//
// Each snapshot is a plain copy of the artifacts under
// <experiments>/<name>, committed and tagged in a git repository of its
// own so a snapshot can be diffed against another with ordinary git tools.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/ignore"
	"github.com/fyrsmithlabs/synthd/internal/sanitize"
)

var (
	// ErrExists is returned when a snapshot name is already taken.
	ErrExists = errors.New("snapshot already exists")

	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid snapshot name")

	// ErrNested is returned when the experiments dir lies inside the
	// artifact dir, where a reset would delete it.
	ErrNested = errors.New("experiments directory inside artifacts directory")
)

const (
	authorName  = "synthd"
	authorEmail = "synthd@localhost"
)

// Snapshot describes one archived experiment.
type Snapshot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Commit    string    `json:"commit,omitempty"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager saves, lists and resets snapshots of one artifact directory.
type Manager struct {
	artifacts   string
	experiments string
	logger      *zap.Logger
	now         func() time.Time
}

// New returns a Manager archiving artifactsDir into experimentsDir.
func New(artifactsDir, experimentsDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		artifacts:   artifactsDir,
		experiments: experimentsDir,
		logger:      logger.Named("snapshot"),
		now:         time.Now,
	}
}

// DefaultName is used when Save is given no name.
func (m *Manager) DefaultName() string {
	return "snapshot_" + m.now().Format("20060102_150405")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Save copies the artifact directory into a new snapshot and commits it.
// An empty name picks DefaultName. Missing artifacts are not an error; the
// snapshot is then an empty commit.
func (m *Manager) Save(ctx context.Context, name string) (Snapshot, error) {
	if name == "" {
		name = m.DefaultName()
	}
	if err := validName(name); err != nil {
		return Snapshot{}, err
	}
	if nested, err := sanitize.Within(m.experiments, m.artifacts); err != nil {
		return Snapshot{}, err
	} else if nested {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNested, m.experiments)
	}
	target, err := sanitize.ValidatePath(filepath.Join(m.experiments, name), m.experiments)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if _, err := os.Stat(target); err == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrExists, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("checking %s: %w", target, err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("creating snapshot dir: %w", err)
	}

	skip, err := ignore.Load(m.artifacts, ignore.FileName)
	if err != nil {
		_ = os.RemoveAll(target)
		return Snapshot{}, fmt.Errorf("reading %s: %w", ignore.FileName, err)
	}
	files, err := copyTree(ctx, m.artifacts, target, skip)
	if err != nil {
		_ = os.RemoveAll(target)
		return Snapshot{}, err
	}

	commit, err := m.commit(target, name, files)
	if err != nil {
		_ = os.RemoveAll(target)
		return Snapshot{}, err
	}

	snap := Snapshot{Name: name, Path: target, Commit: commit, Files: files, CreatedAt: m.now().UTC()}
	m.logger.Info("snapshot saved",
		zap.String("name", name),
		zap.String("path", target),
		zap.Int("files", files),
		zap.String("commit", commit),
	)
	return snap, nil
}

func (m *Manager) commit(dir, name string, files int) (string, error) {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return "", fmt.Errorf("initializing snapshot repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if files > 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return "", fmt.Errorf("staging artifacts: %w", err)
		}
	}

	sig := &object.Signature{Name: authorName, Email: authorEmail, When: m.now()}
	hash, err := wt.Commit(fmt.Sprintf("snapshot %s (%d files)", name, files), &git.CommitOptions{
		Author:            sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("committing snapshot: %w", err)
	}
	if _, err := repo.CreateTag(name, hash, &git.CreateTagOptions{Tagger: sig, Message: "snapshot " + name}); err != nil {
		return "", fmt.Errorf("tagging snapshot: %w", err)
	}
	return hash.String(), nil
}

// List returns every snapshot sorted by name. Directories that are not
// git repositories are listed without a commit.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.experiments)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var out []Snapshot
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		snap := Snapshot{Name: e.Name(), Path: filepath.Join(m.experiments, e.Name())}
		if info, err := e.Info(); err == nil {
			snap.CreatedAt = info.ModTime().UTC()
		}
		m.describe(&snap)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// describe fills commit details from the snapshot repository, if any.
func (m *Manager) describe(snap *Snapshot) {
	repo, err := git.PlainOpen(snap.Path)
	if err != nil {
		return
	}
	head, err := repo.Head()
	if err != nil {
		return
	}
	c, err := repo.CommitObject(head.Hash())
	if err != nil {
		return
	}
	snap.Commit = c.Hash.String()
	snap.CreatedAt = c.Author.When.UTC()

	files, err := c.Files()
	if err != nil {
		return
	}
	defer files.Close()
	_ = files.ForEach(func(*object.File) error {
		snap.Files++
		return nil
	})
}

// Reset saves a snapshot and then empties the artifact directory so the
// next run starts from run 1 with no knowledge or directives. The
// exclusion file survives.
func (m *Manager) Reset(ctx context.Context, name string) (Snapshot, error) {
	snap, err := m.Save(ctx, name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("archiving before reset: %w", err)
	}
	entries, err := os.ReadDir(m.artifacts)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("reading artifacts: %w", err)
	}
	for _, e := range entries {
		if e.Name() == ignore.FileName {
			continue
		}
		p := filepath.Join(m.artifacts, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return snap, fmt.Errorf("removing %s: %w", p, err)
		}
		m.logger.Debug("artifact removed", zap.String("path", p))
	}
	m.logger.Info("workspace reset", zap.String("archived_as", snap.Name))
	return snap, nil
}

// copyTree copies regular files under src into dst, except those skip
// matches, and returns how many were copied. A missing src copies nothing.
func copyTree(ctx context.Context, src, dst string, skip *ignore.Matcher) (int, error) {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if skip.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("copying artifacts: %w", err)
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
