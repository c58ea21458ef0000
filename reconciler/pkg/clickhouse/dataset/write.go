package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
)

const defaultWriteBatchSize = 50_000

// WriteBatch inserts count rows using PrepareBatch. writeRowFn returns the
// values of row i in column order. Large writes are split into sub-batches;
// a failed sub-batch leaves earlier ones in place, so callers that need
// all-or-nothing visibility must gate readers on a separate commit record.
//
// Cancellation is checked between sub-batches and again before each Send,
// not per row: Append only buffers locally. A sub-batch that is not sent is
// aborted, which discards its buffered rows and releases the connection.
func (d *Dataset) WriteBatch(
	ctx context.Context,
	conn clickhouse.Connection,
	count int,
	writeRowFn func(int) ([]any, error),
) error {
	if count == 0 {
		return nil
	}

	batchSize := defaultWriteBatchSize
	if d.WriteBatchSize > 0 {
		batchSize = d.WriteBatchSize
	}

	d.log.Debug("writing batch", "table", d.TableName(), "count", count, "batchSize", batchSize)

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s)", d.TableName(), strings.Join(d.cols, ", "))
	expectedColCount := len(d.cols)

	for start := 0; start < count; start += batchSize {
		end := min(start+batchSize, count)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
		default:
		}

		batch, err := conn.PrepareBatch(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i := start; i < end; i++ {
			row, err := writeRowFn(i)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to get row data %d: %w", i, err)
			}

			if len(row) != expectedColCount {
				batch.Abort()
				return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), expectedColCount)
			}

			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := ctx.Err(); err != nil {
			batch.Abort()
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}

		d.log.Debug("wrote sub-batch", "table", d.TableName(), "start", start, "end", end, "total", count)
	}

	return nil
}
