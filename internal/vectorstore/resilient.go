package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// chromem names collection directories by the first 8 hex chars of
// sha256(name) and keeps collection metadata in 00000000.gob.
var collectionDirPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

const quarantineDir = ".quarantine"

// openChromemDB opens a persistent chromem DB. A collection directory
// holding documents but no metadata file makes chromem refuse to load; such
// directories are moved under .quarantine and the load is retried once.
func openChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(path)
	if findErr != nil || len(corrupt) == 0 {
		return nil, err
	}
	if mkErr := os.MkdirAll(filepath.Join(path, quarantineDir), 0o700); mkErr != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", mkErr)
	}
	for _, dir := range corrupt {
		logger.Warn("quarantining corrupt chromem collection", zap.String("dir", dir))
		if mvErr := os.Rename(filepath.Join(path, dir), filepath.Join(path, quarantineDir, dir)); mvErr != nil {
			logger.Error("quarantine failed", zap.String("dir", dir), zap.Error(mvErr))
			continue
		}
		QuarantinedCollections.Inc()
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem after quarantine: %w", err)
	}
	return db, nil
}

// findCorruptCollections lists collection directories that contain .gob
// documents but no 00000000 metadata file.
func findCorruptCollections(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var corrupt []string
	for _, e := range entries {
		if !e.IsDir() || !collectionDirPattern.MatchString(e.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(path, e.Name()))
		if err != nil {
			continue
		}
		hasMeta, hasDocs := false, false
		for _, f := range files {
			switch {
			case strings.HasPrefix(f.Name(), "00000000.gob"):
				hasMeta = true
			case strings.Contains(f.Name(), ".gob"):
				hasDocs = true
			}
		}
		if hasDocs && !hasMeta {
			corrupt = append(corrupt, e.Name())
		}
	}
	return corrupt, nil
}
