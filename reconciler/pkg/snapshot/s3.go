package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/objectstore"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

const pointerObject = "_CURRENT"

type S3StoreConfig struct {
	Logger *slog.Logger
	Client objectstore.API
	Clock  clockwork.Clock
	Bucket string
	// Prefix is the root of the silver layer, e.g. "silver/".
	Prefix string
}

func (cfg *S3StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// S3Store writes each snapshot as a Parquet object under a versioned key and
// then overwrites a small pointer object naming the current version. S3
// object writes are atomic, so readers see either the old or the new pointer.
type S3Store struct {
	log *slog.Logger
	cfg S3StoreConfig
}

var _ Store = (*S3Store)(nil)

func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{log: cfg.Logger, cfg: cfg}, nil
}

type pointer struct {
	Version     string    `json:"version"`
	Key         string    `json:"key"`
	RunID       string    `json:"run_id"`
	RowCount    int       `json:"row_count"`
	CommittedAt time.Time `json:"committed_at"`
	Sources     []string  `json:"sources,omitempty"`
}

func (s *S3Store) pointerKey(tableID string) string {
	return path.Join(s.cfg.Prefix, tableID, pointerObject)
}

func (s *S3Store) dataKey(tableID, version string) string {
	return path.Join(s.cfg.Prefix, tableID, "version="+version, "part-00000.parquet")
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, tableID string) (*Snapshot, error) {
	raw, err := s.get(ctx, s.pointerKey(tableID))
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot pointer: %w", err)
	}
	var p pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot pointer: %w", err)
	}

	data, err := s.get(ctx, p.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", p.Version, err)
	}
	records, err := DecodeParquet(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", p.Version, err)
	}
	if len(records) != p.RowCount {
		return nil, fmt.Errorf("snapshot %s has %d rows, pointer recorded %d", p.Version, len(records), p.RowCount)
	}
	scd2.SortRecords(records)

	s.log.Debug("snapshot: read", "table_id", tableID, "version", p.Version, "rows", len(records))
	return &Snapshot{
		Commit: Commit{
			TableID:     tableID,
			Version:     p.Version,
			RunID:       p.RunID,
			RowCount:    p.RowCount,
			CommittedAt: p.CommittedAt,
			Sources:     p.Sources,
		},
		Records: records,
	}, nil
}

func (s *S3Store) Write(ctx context.Context, tableID, runID string, records []scd2.DimensionRecord, sources []string) (*Commit, error) {
	data, err := EncodeParquet(records)
	if err != nil {
		return nil, err
	}

	version := uuid.NewString()
	key := s.dataKey(tableID, version)
	if err := s.put(ctx, key, "application/vnd.apache.parquet", data); err != nil {
		return nil, err
	}

	p := pointer{
		Version:     version,
		Key:         key,
		RunID:       runID,
		RowCount:    len(records),
		CommittedAt: s.cfg.Clock.Now().UTC(),
		Sources:     sources,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot pointer: %w", err)
	}
	if err := s.put(ctx, s.pointerKey(tableID), "application/json", raw); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.log.Info("snapshot: committed", "table_id", tableID, "version", version, "rows", len(records), "key", key)
	return &Commit{
		TableID:     tableID,
		Version:     version,
		RunID:       runID,
		RowCount:    len(records),
		CommittedAt: p.CommittedAt,
		Sources:     sources,
	}, nil
}
