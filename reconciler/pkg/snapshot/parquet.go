package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// parquetSchema mirrors the silver customer table. Flags are stored as 0/1
// integers.
var parquetSchema = arrow.NewSchema([]arrow.Field{
	{Name: "customer_id", Type: arrow.BinaryTypes.String},
	{Name: "email", Type: arrow.BinaryTypes.String},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "loyalty_tier", Type: arrow.BinaryTypes.String},
	{Name: "address", Type: arrow.BinaryTypes.String},
	{Name: "city", Type: arrow.BinaryTypes.String},
	{Name: "state", Type: arrow.BinaryTypes.String},
	{Name: "phone", Type: arrow.BinaryTypes.String},
	{Name: "updated_at", Type: timestampType, Nullable: true},
	{Name: "effective_date", Type: timestampType, Nullable: true},
	{Name: "end_date", Type: timestampType, Nullable: true},
	{Name: "current_flag", Type: arrow.PrimitiveTypes.Int32},
	{Name: "is_deleted", Type: arrow.PrimitiveTypes.Int32},
}, nil)

// EncodeParquet writes records as a single snappy-compressed Parquet file.
func EncodeParquet(records []scd2.DimensionRecord) ([]byte, error) {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, parquetSchema)
	defer b.Release()

	strs := make([]*array.StringBuilder, 8)
	for i := range strs {
		strs[i] = b.Field(i).(*array.StringBuilder)
	}
	times := []*array.TimestampBuilder{
		b.Field(8).(*array.TimestampBuilder),
		b.Field(9).(*array.TimestampBuilder),
		b.Field(10).(*array.TimestampBuilder),
	}
	current := b.Field(11).(*array.Int32Builder)
	deleted := b.Field(12).(*array.Int32Builder)

	for _, r := range records {
		for i, v := range []string{r.Key, r.Email, r.Name, r.LoyaltyTier, r.Address, r.City, r.State, r.Phone} {
			strs[i].Append(v)
		}
		for i, t := range []*time.Time{r.UpdatedAt, r.EffectiveDate, r.EndDate} {
			if t == nil {
				times[i].AppendNull()
				continue
			}
			times[i].Append(arrow.Timestamp(t.UnixMicro()))
		}
		current.Append(int32(boolToUInt8(r.CurrentFlag)))
		deleted.Append(int32(boolToUInt8(r.IsDeleted)))
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(parquetSchema, &buf,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads records written by EncodeParquet.
func DecodeParquet(ctx context.Context, data []byte) ([]scd2.DimensionRecord, error) {
	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet table: %w", err)
	}
	defer tbl.Release()

	idx := make(map[string]int, parquetSchema.NumFields())
	for _, f := range parquetSchema.Fields() {
		found := tbl.Schema().FieldIndices(f.Name)
		if len(found) == 0 {
			return nil, fmt.Errorf("parquet file is missing column %q", f.Name)
		}
		idx[f.Name] = found[0]
	}

	records := make([]scd2.DimensionRecord, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, 0)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		str := func(name string) (*array.String, error) {
			col, ok := rec.Column(idx[name]).(*array.String)
			if !ok {
				return nil, fmt.Errorf("column %q is not a string column", name)
			}
			return col, nil
		}
		ts := func(name string) (*array.Timestamp, arrow.TimeUnit, error) {
			col, ok := rec.Column(idx[name]).(*array.Timestamp)
			if !ok {
				return nil, 0, fmt.Errorf("column %q is not a timestamp column", name)
			}
			return col, col.DataType().(*arrow.TimestampType).Unit, nil
		}
		i32 := func(name string) (*array.Int32, error) {
			col, ok := rec.Column(idx[name]).(*array.Int32)
			if !ok {
				return nil, fmt.Errorf("column %q is not an int32 column", name)
			}
			return col, nil
		}

		var strCols [8]*array.String
		for i, name := range []string{"customer_id", "email", "name", "loyalty_tier", "address", "city", "state", "phone"} {
			if strCols[i], err = str(name); err != nil {
				return nil, err
			}
		}
		var tsCols [3]*array.Timestamp
		var units [3]arrow.TimeUnit
		for i, name := range []string{"updated_at", "effective_date", "end_date"} {
			if tsCols[i], units[i], err = ts(name); err != nil {
				return nil, err
			}
		}
		currentCol, err := i32("current_flag")
		if err != nil {
			return nil, err
		}
		deletedCol, err := i32("is_deleted")
		if err != nil {
			return nil, err
		}

		for j := 0; j < int(rec.NumRows()); j++ {
			var times [3]*time.Time
			for i, col := range tsCols {
				if col.IsNull(j) {
					continue
				}
				t := col.Value(j).ToTime(units[i]).UTC()
				times[i] = &t
			}
			records = append(records, scd2.DimensionRecord{
				Key: strCols[0].Value(j),
				Attributes: scd2.Attributes{
					Email:       strCols[1].Value(j),
					Name:        strCols[2].Value(j),
					LoyaltyTier: strCols[3].Value(j),
					Address:     strCols[4].Value(j),
					City:        strCols[5].Value(j),
					State:       strCols[6].Value(j),
					Phone:       strCols[7].Value(j),
				},
				UpdatedAt:     times[0],
				EffectiveDate: times[1],
				EndDate:       times[2],
				CurrentFlag:   currentCol.Value(j) == 1,
				IsDeleted:     deletedCol.Value(j) == 1,
			})
		}
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate parquet table: %w", err)
	}
	return records, nil
}
