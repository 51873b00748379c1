package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"yqhp/build-engine/pkg/types"
	"yqhp/build-engine/pkg/utils"
)

// BlobStore keeps one JSON object per document in a bucket.
// Works with local directories, S3-compatible storage and GCS.
type BlobStore struct {
	spec Spec

	mu     sync.RWMutex
	bucket *blob.Bucket
}

// NewBlobStore validates spec and returns an unconnected store.
func NewBlobStore(spec Spec) (*BlobStore, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("blob store %s: url is required", spec.Name)
	}
	if spec.Prefix != "" && !strings.HasSuffix(spec.Prefix, "/") {
		spec.Prefix += "/"
	}
	return &BlobStore{spec: spec}, nil
}

func (s *BlobStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucket != nil {
		return nil
	}
	bucket, err := blob.OpenBucket(ctx, s.spec.URL)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", s.spec.URL, err)
	}
	s.bucket = bucket
	return nil
}

func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucket == nil {
		return nil
	}
	err := s.bucket.Close()
	s.bucket = nil
	return err
}

func (s *BlobStore) Name() string             { return s.spec.Name }
func (s *BlobStore) KeyField() string         { return s.spec.ResolvedKey() }
func (s *BlobStore) LastUpdatedField() string { return s.spec.ResolvedLastUpdated() }

func (s *BlobStore) getBucket() (*blob.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bucket == nil {
		return nil, ErrNotConnected
	}
	return s.bucket, nil
}

func (s *BlobStore) objectKey(key any) string {
	return s.spec.Prefix + url.PathEscape(types.KeyString(key)) + ".json"
}

// load reads every document under the prefix.
func (s *BlobStore) load(ctx context.Context) ([]types.Document, error) {
	bucket, err := s.getBucket()
	if err != nil {
		return nil, err
	}

	var docs []types.Document
	iter := bucket.List(&blob.ListOptions{Prefix: s.spec.Prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.spec.Prefix, err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		doc := types.Document{}
		if err := utils.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", obj.Key, err)
		}
		if t, ok := types.ToTime(doc[s.LastUpdatedField()]); ok {
			doc[s.LastUpdatedField()] = t.UTC()
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *BlobStore) Query(ctx context.Context, q types.Query, fields []string) ([]types.Document, error) {
	docs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	docs, err = filter(docs, q)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		docs[i] = project(d, fields)
	}
	return docs, nil
}

func (s *BlobStore) Count(ctx context.Context, q types.Query) (int, error) {
	docs, err := s.Query(ctx, q, []string{})
	return len(docs), err
}

func (s *BlobStore) Distinct(ctx context.Context, field string, q types.Query) ([]any, error) {
	docs, err := s.Query(ctx, q, []string{field})
	if err != nil {
		return nil, err
	}
	return distinct(docs, field), nil
}

func (s *BlobStore) Update(ctx context.Context, docs []types.Document) error {
	bucket, err := s.getBucket()
	if err != nil {
		return err
	}
	for _, d := range docs {
		data, err := utils.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		key := s.objectKey(d[s.KeyField()])
		if err := bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

func (s *BlobStore) RemoveDocs(ctx context.Context, q types.Query) error {
	bucket, err := s.getBucket()
	if err != nil {
		return err
	}
	keys, err := s.Distinct(ctx, s.KeyField(), q)
	if err != nil {
		return err
	}
	for _, k := range keys {
		key := s.objectKey(k)
		if err := bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *BlobStore) LastUpdated(ctx context.Context) (time.Time, error) {
	docs, err := s.load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return maxWatermark(docs, s.LastUpdatedField()), nil
}
