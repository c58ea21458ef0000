package dataset

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Kind determines the table-name prefix of a dataset.
type Kind string

const (
	KindDimension Kind = "dim"
	KindFact      Kind = "fact"
)

// Schema describes a table written through a Dataset. Columns are given as
// "name:Type" in insert order.
type Schema interface {
	Name() string
	Kind() Kind
	Columns() []string
	UniqueKeyColumns() []string
}

type Dataset struct {
	log           *slog.Logger
	schema        Schema
	cols          []string
	uniqueKeyCols []string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	// If zero, defaults to 50,000 rows.
	WriteBatchSize int
}

func New(log *slog.Logger, schema Schema) (*Dataset, error) {
	if schema.Name() == "" {
		return nil, fmt.Errorf("table_name is required")
	}
	switch schema.Kind() {
	case KindDimension, KindFact:
	default:
		return nil, fmt.Errorf("unknown dataset kind %q", schema.Kind())
	}
	if len(schema.Columns()) == 0 {
		return nil, fmt.Errorf("columns is required")
	}

	cols, err := extractColumnNames(schema.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to extract column names: %w", err)
	}

	uniqueKeyCols := schema.UniqueKeyColumns()
	for _, uniqueKeyCol := range uniqueKeyCols {
		if !slices.Contains(cols, uniqueKeyCol) {
			return nil, fmt.Errorf("unique key column %q must be a subset of columns", uniqueKeyCol)
		}
	}

	return &Dataset{
		log:           log,
		schema:        schema,
		cols:          cols,
		uniqueKeyCols: uniqueKeyCols,
	}, nil
}

func (d *Dataset) TableName() string {
	return string(d.schema.Kind()) + "_" + d.schema.Name()
}

// ColumnNames returns the insert column names in order.
func (d *Dataset) ColumnNames() []string {
	return slices.Clone(d.cols)
}

// SelectList returns the column names joined for a SELECT clause.
func (d *Dataset) SelectList() string {
	return strings.Join(d.cols, ", ")
}

func extractColumnNames(defs []string) ([]string, error) {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		name, typ, ok := strings.Cut(def, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(typ) == "" {
			return nil, fmt.Errorf("invalid column definition %q, expected name:Type", def)
		}
		if slices.Contains(names, name) {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		names = append(names, name)
	}
	return names, nil
}
