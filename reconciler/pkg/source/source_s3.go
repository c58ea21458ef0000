package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/dimlake/reconciler/pkg/objectstore"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// S3SourceConfig configures the S3 source.
type S3SourceConfig struct {
	Logger *slog.Logger
	Client objectstore.API

	Bucket string
	// Prefix is the "directory" holding batch files, e.g. "bronze/customers/".
	Prefix string
	// ArchivePrefix receives acknowledged files. When empty, acknowledged
	// files are deleted.
	ArchivePrefix string
	Patterns      Patterns
	SkipHeader    bool
	// ReadConcurrency bounds parallel object downloads within one batch.
	ReadConcurrency int
}

const defaultReadConcurrency = 8

func (cfg *S3SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.ArchivePrefix != "" && !strings.HasSuffix(cfg.ArchivePrefix, "/") {
		cfg.ArchivePrefix += "/"
	}
	if cfg.ArchivePrefix != "" && cfg.ArchivePrefix == cfg.Prefix {
		return errors.New("archive prefix must differ from prefix")
	}
	if cfg.ReadConcurrency < 0 {
		return errors.New("read concurrency must be non-negative")
	}
	if cfg.ReadConcurrency == 0 {
		cfg.ReadConcurrency = defaultReadConcurrency
	}
	return cfg.Patterns.Validate()
}

// S3Source reads batch files from a single S3 prefix. Only direct children of
// the prefix are considered, so archived files under a nested prefix are
// never re-read.
type S3Source struct {
	log *slog.Logger
	cfg S3SourceConfig
}

var _ Source = (*S3Source)(nil)

func NewS3Source(cfg S3SourceConfig) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Source{log: cfg.Logger, cfg: cfg}, nil
}

func (s *S3Source) ReadFullLoad(ctx context.Context) (*Batch, error) {
	return s.read(ctx, KindFullLoad)
}

func (s *S3Source) ReadCDCBatch(ctx context.Context) (*Batch, error) {
	return s.read(ctx, KindCDC)
}

func (s *S3Source) read(ctx context.Context, kind Kind) (*Batch, error) {
	keys, err := s.list(ctx, s.cfg.Patterns.forKind(kind))
	if err != nil {
		return nil, err
	}

	objects := make([][]scd2.RawRow, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReadConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			rows, err := s.readObject(gctx, key)
			if err != nil {
				return err
			}
			objects[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{Kind: kind}
	for i, key := range keys {
		batch.Add(key, objects[i])
	}

	s.log.Debug("source: read batch", "kind", kind, "bucket", s.cfg.Bucket, "objects", len(batch.Objects), "rows", len(batch.Rows))
	return batch, nil
}

// list returns matching keys sorted ascending. File names carry their write
// time, so this is also arrival order.
func (s *S3Source) list(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.cfg.Client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(s.cfg.Prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in s3://%s/%s: %w", s.cfg.Bucket, s.cfg.Prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if matches(pattern, key) {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Source) readObject(ctx context.Context, key string) ([]scd2.RawRow, error) {
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	rows, err := ParseCSV(out.Body, s.cfg.SkipHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse object %s: %w", key, err)
	}
	return rows, nil
}

func (s *S3Source) Ack(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	for _, key := range batch.Objects {
		if s.cfg.ArchivePrefix != "" {
			dest := s.cfg.ArchivePrefix + strings.TrimPrefix(key, s.cfg.Prefix)
			if _, err := s.cfg.Client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.cfg.Bucket),
				CopySource: aws.String(url.PathEscape(s.cfg.Bucket + "/" + key)),
				Key:        aws.String(dest),
			}); err != nil {
				return fmt.Errorf("failed to archive object %s: %w", key, err)
			}
		}
		if _, err := s.cfg.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to delete object %s: %w", key, err)
		}
	}
	s.log.Info("source: acknowledged batch", "kind", batch.Kind, "objects", len(batch.Objects), "archive_prefix", s.cfg.ArchivePrefix)
	return nil
}

// Close releases resources. For S3Source, this is a no-op.
func (s *S3Source) Close() error {
	return nil
}
