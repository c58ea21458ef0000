package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// Kind identifies the two batch shapes a source can deliver.
type Kind string

const (
	KindFullLoad Kind = "full_load"
	KindCDC      Kind = "cdc"
)

const (
	DefaultFullLoadPattern = "*LOAD*.csv"
	DefaultCDCPattern      = "[0-9]*.csv"
)

// Batch is the raw content of every file of one kind found in a source.
// A batch with no objects means no matching files were present.
type Batch struct {
	Kind    Kind
	Objects []string
	Rows    []scd2.RawRow
	// Origins holds the index in Objects of the file each row came from.
	Origins []int
}

func (b *Batch) Empty() bool {
	return b == nil || len(b.Objects) == 0
}

// Add appends the rows read from one object.
func (b *Batch) Add(object string, rows []scd2.RawRow) {
	idx := len(b.Objects)
	b.Objects = append(b.Objects, object)
	b.Rows = append(b.Rows, rows...)
	for range rows {
		b.Origins = append(b.Origins, idx)
	}
}

// RowsExcluding returns the rows that did not come from any of the given
// objects. A batch without per-row origins is treated as a single unit: its
// rows are dropped only when every object is excluded.
func (b *Batch) RowsExcluding(objects []string) []scd2.RawRow {
	if b.Empty() {
		return nil
	}
	skip := make(map[int]bool, len(objects))
	for i, o := range b.Objects {
		if slices.Contains(objects, o) {
			skip[i] = true
		}
	}
	if len(skip) == 0 {
		return b.Rows
	}
	if len(b.Origins) != len(b.Rows) {
		if len(skip) == len(b.Objects) {
			return nil
		}
		return b.Rows
	}
	out := make([]scd2.RawRow, 0, len(b.Rows))
	for i, row := range b.Rows {
		if !skip[b.Origins[i]] {
			out = append(out, row)
		}
	}
	return out
}

// Source delivers full-load and CDC batches and acknowledges them once they
// have been reconciled.
type Source interface {
	ReadFullLoad(ctx context.Context) (*Batch, error)
	ReadCDCBatch(ctx context.Context) (*Batch, error)
	// Ack marks every object in the batch as consumed so later reads skip it.
	Ack(ctx context.Context, batch *Batch) error
	Close() error
}

// Patterns holds the file-name globs used to classify batch files.
type Patterns struct {
	FullLoad string
	CDC      string
}

func (p *Patterns) Validate() error {
	if p.FullLoad == "" {
		p.FullLoad = DefaultFullLoadPattern
	}
	if p.CDC == "" {
		p.CDC = DefaultCDCPattern
	}
	for _, pattern := range []string{p.FullLoad, p.CDC} {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid file pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func (p Patterns) forKind(kind Kind) string {
	if kind == KindFullLoad {
		return p.FullLoad
	}
	return p.CDC
}

// matches reports whether the base name of key matches pattern.
func matches(pattern, key string) bool {
	ok, _ := path.Match(pattern, path.Base(key))
	return ok
}

// ParseCSV reads every record of a headerless CSV stream. Records may have
// any number of fields; the normalizer rejects the wrong shapes.
func ParseCSV(r io.Reader, skipHeader bool) ([]scd2.RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var rows []scd2.RawRow
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}
		if first && skipHeader {
			first = false
			continue
		}
		first = false
		rows = append(rows, scd2.RawRow(rec))
	}
}
