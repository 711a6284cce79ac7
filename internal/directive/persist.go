package directive

import (
	"errors"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/synthd/internal/fsutil"
	"go.uber.org/zap"
)

const ledgerVersion = 1

type ledgerFile struct {
	Version    int         `json:"version"`
	Directives []Directive `json:"directives"`
	Grades     []Grade     `json:"grades"`
}

// Save writes the ledger to path atomically.
func (l *Ledger) Save(path string) error {
	l.mu.RLock()
	f := ledgerFile{
		Version:    ledgerVersion,
		Directives: append([]Directive{}, l.directives...),
		Grades:     append([]Grade{}, l.grades...),
	}
	l.mu.RUnlock()

	if err := fsutil.WriteJSON(path, f); err != nil {
		return fmt.Errorf("saving directive ledger: %w", err)
	}
	return nil
}

// Open loads the ledger at path. A missing file yields an empty ledger.
func Open(path string, th Thresholds, logger *zap.Logger) (*Ledger, error) {
	l := NewLedger(th, logger)

	var f ledgerFile
	if err := fsutil.ReadJSON(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("opening directive ledger: %w", err)
	}
	if f.Version > ledgerVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	l.directives = f.Directives
	l.grades = f.Grades
	l.logger.Info("directive ledger loaded",
		zap.String("path", path),
		zap.Int("directives", len(l.directives)),
		zap.Int("grades", len(l.grades)),
	)
	return l, nil
}
