package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/petrijr/sagaflow/pkg/api"
)

// Bucket is the subset of *blob.Bucket the archiving store needs.
type Bucket interface {
	WriteAll(ctx context.Context, key string, p []byte, opts *blob.WriterOptions) error
	ReadAll(ctx context.Context, key string) ([]byte, error)
}

var ErrBucketRequired = errors.New("bucket is required")

// ArchivingStore decorates a Store so that archived records are also written
// to a blob bucket (S3, GCS, local files, ...) as JSON documents keyed
// <prefix>/<workflow_id>/<instance_id>.json.
type ArchivingStore struct {
	Store

	bucket Bucket
	prefix string
}

var _ Store = (*ArchivingStore)(nil)

// NewArchivingStore wraps inner.
func NewArchivingStore(inner Store, bucket Bucket, prefix string) (*ArchivingStore, error) {
	if bucket == nil {
		return nil, ErrBucketRequired
	}
	return &ArchivingStore{Store: inner, bucket: bucket, prefix: prefix}, nil
}

// OpenArchivingStore opens the bucket at bucketURL (e.g. "s3://bucket",
// "file:///var/archive", "mem://") and wraps inner. The returned close
// function releases the bucket.
func OpenArchivingStore(ctx context.Context, inner Store, bucketURL, prefix string) (*ArchivingStore, func() error, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive bucket: %w", err)
	}
	s, err := NewArchivingStore(inner, bucket, prefix)
	if err != nil {
		_ = bucket.Close()
		return nil, nil, err
	}
	return s, bucket.Close, nil
}

func archiveKey(prefix, workflowID, instanceID string) string {
	key := workflowID + "/" + instanceID + ".json"
	if prefix == "" {
		return key
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + key
}

// ArchiveInstance writes the record to the bucket first and only then moves
// it out of the live set, so a failed upload leaves the instance in place.
func (s *ArchivingStore) ArchiveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	key := archiveKey(s.prefix, rec.WorkflowID, rec.InstanceID)
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return s.Store.ArchiveInstance(ctx, rec)
}

// LoadArchived reads an archived record back from the bucket.
func (s *ArchivingStore) LoadArchived(ctx context.Context, workflowID, instanceID string) (*api.InstanceRecord, error) {
	data, err := s.bucket.ReadAll(ctx, archiveKey(s.prefix, workflowID, instanceID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeRecord(data)
}
