// Package sanitize normalizes identifiers and checks paths taken from
// configuration and user input.
//
// Collection names in the vector backends must match ^[a-z0-9_]{1,64}$.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// MaxIdentifierLength is the longest collection name the backends accept.
	MaxIdentifierLength = 64

	// hashSuffixLength covers "_" plus eight hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier is used when nothing valid is left.
	DefaultIdentifier = "default"
)

var (
	// ErrPathTraversal indicates a path escapes its allowed root.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// Identifier maps s onto a valid collection name.
//
//	"Synth Memory"   -> "synth_memory"
//	"sleep.v2"       -> "sleep_v2"
//	"" or "!!!"      -> "default"
//
// Names longer than MaxIdentifierLength are cut and given a hash suffix so
// distinct inputs stay distinct.
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		sum := sha256.Sum256([]byte(out))
		out = strings.TrimRight(out[:MaxIdentifierLength-hashSuffixLength], "_") + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return out
}

// ValidatePath cleans path and returns it absolute. With a non-empty root
// the result must lie inside root.
func ValidatePath(path, root string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if root == "" {
		return abs, nil
	}
	inside, err := Within(abs, root)
	if err != nil {
		return "", err
	}
	if !inside {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, path, root)
	}
	return abs, nil
}

// Within reports whether path is root or lies below it. Both are compared
// as cleaned absolute paths; symlinks are not followed.
func Within(path, root string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", path, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", root, err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
