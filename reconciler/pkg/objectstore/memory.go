package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MemoryAPI is an in-memory implementation of API for tests and local runs.
type MemoryAPI struct {
	mu      sync.Mutex
	objects map[string][]byte // bucket + "/" + key

	// PageSize limits keys per ListObjectsV2 page. Zero means 1000.
	PageSize int
	// PutErr, when set, is returned by PutObject.
	PutErr error
	// GetErr, when set, is returned by GetObject.
	GetErr error
}

var _ API = (*MemoryAPI)(nil)

func NewMemoryAPI() *MemoryAPI {
	return &MemoryAPI{objects: make(map[string][]byte)}
}

// Put stores an object directly.
func (m *MemoryAPI) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
}

// Get returns an object's contents.
func (m *MemoryAPI) Get(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}

// Keys returns the sorted keys in bucket under prefix.
func (m *MemoryAPI) Keys(bucket, prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	bucket := aws.ToString(in.Bucket)
	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)

	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	out := &s3.ListObjectsV2Output{}
	prefixes := make(map[string]struct{})
	for _, key := range m.Keys(bucket, prefix) {
		if after != "" && key <= after {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
				prefixes[key[:len(prefix)+i+len(delimiter)]] = struct{}{}
				continue
			}
		}
		if len(out.Contents) == pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
			break
		}
		size := int64(len(m.mustGet(bucket, key)))
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key), Size: aws.Int64(size)})
	}
	for p := range prefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(p)})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (m *MemoryAPI) mustGet(bucket, key string) []byte {
	data, _ := m.Get(bucket, key)
	return data
}

func (m *MemoryAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	getErr := m.GetErr
	m.mu.Unlock()
	if getErr != nil {
		return nil, getErr
	}
	data, ok := m.Get(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(aws.ToString(in.Key))}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *MemoryAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutErr != nil {
		return nil, m.PutErr
	}
	var data []byte
	if in.Body != nil {
		var err error
		data, err = io.ReadAll(in.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	}
	m.Put(aws.ToString(in.Bucket), aws.ToString(in.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (m *MemoryAPI) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, fmt.Errorf("invalid copy source: %w", err)
	}
	srcBucket, srcKey, ok := strings.Cut(src, "/")
	if !ok {
		return nil, fmt.Errorf("invalid copy source %q", src)
	}
	data, found := m.Get(srcBucket, srcKey)
	if !found {
		return nil, &types.NoSuchKey{Message: aws.String(srcKey)}
	}
	m.Put(aws.ToString(in.Bucket), aws.ToString(in.Key), data)
	return &s3.CopyObjectOutput{}, nil
}

func (m *MemoryAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
