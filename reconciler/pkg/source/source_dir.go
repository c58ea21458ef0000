package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// DirSourceConfig configures a source that reads batch files from a local
// directory.
type DirSourceConfig struct {
	Logger *slog.Logger
	Dir    string
	// ArchiveDir receives acknowledged files. Defaults to Dir/archive.
	ArchiveDir string
	Patterns   Patterns
	SkipHeader bool
}

func (cfg *DirSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("dir is required")
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.Dir, "archive")
	}
	return cfg.Patterns.Validate()
}

type DirSource struct {
	log *slog.Logger
	cfg DirSourceConfig
}

var _ Source = (*DirSource)(nil)

func NewDirSource(cfg DirSourceConfig) (*DirSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DirSource{log: cfg.Logger, cfg: cfg}, nil
}

func (s *DirSource) ReadFullLoad(ctx context.Context) (*Batch, error) {
	return s.read(KindFullLoad)
}

func (s *DirSource) ReadCDCBatch(ctx context.Context) (*Batch, error) {
	return s.read(KindCDC)
}

func (s *DirSource) read(kind Kind) (*Batch, error) {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Patterns.forKind(kind)))
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s: %w", s.cfg.Dir, err)
	}
	sort.Strings(paths)

	batch := &Batch{Kind: kind}
	for _, p := range paths {
		rows, err := readFile(p, s.cfg.SkipHeader)
		if err != nil {
			return nil, err
		}
		batch.Add(p, rows)
	}
	s.log.Debug("source: read batch", "kind", kind, "dir", s.cfg.Dir, "files", len(batch.Objects), "rows", len(batch.Rows))
	return batch, nil
}

func readFile(p string, skipHeader bool) ([]scd2.RawRow, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()
	rows, err := ParseCSV(f, skipHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return rows, nil
}

func (s *DirSource) Ack(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	if err := os.MkdirAll(s.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	for _, p := range batch.Objects {
		if err := os.Rename(p, filepath.Join(s.cfg.ArchiveDir, filepath.Base(p))); err != nil {
			return fmt.Errorf("failed to archive %s: %w", p, err)
		}
	}
	s.log.Info("source: acknowledged batch", "kind", batch.Kind, "files", len(batch.Objects), "archive_dir", s.cfg.ArchiveDir)
	return nil
}

func (s *DirSource) Close() error {
	return nil
}
