package dstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/storacha/banyan/config"
)

// S3Datastore stores values as objects in an S3 bucket, one object per key.
// Keys map to object names under an optional prefix.
type S3Datastore struct {
	client *awss3.S3
	bucket string
	prefix string
}

var _ datastore.Batching = (*S3Datastore)(nil)

// NewS3Datastore connects to the bucket described by cfg. Credentials not set
// in cfg are read from the shared AWS config or environment. The bucket must
// already exist.
func NewS3Datastore(cfg config.S3) (*S3Datastore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("missing bucket name")
	}
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		return nil, errors.New("access key and secret key must be set together")
	}

	awscfg := aws.NewConfig()
	if cfg.Region != "" {
		awscfg = awscfg.WithRegion(cfg.Region)
	}
	if cfg.AccessKey != "" {
		awscfg = awscfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.Endpoint != "" {
		awscfg = awscfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awscfg = awscfg.WithS3ForcePathStyle(true)
	}
	opts := session.Options{SharedConfigState: session.SharedConfigEnable}
	opts.Config.MergeIn(awscfg)
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &S3Datastore{awss3.New(sess), cfg.Bucket, strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Datastore) objectKey(k datastore.Key) string {
	return path.Join(s.prefix, strings.TrimPrefix(k.String(), "/"))
}

func (s *S3Datastore) datastoreKey(obj string) datastore.Key {
	if s.prefix != "" {
		obj = strings.TrimPrefix(obj, s.prefix+"/")
	}
	return datastore.NewKey(obj)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) {
		return rerr.StatusCode() == http.StatusNotFound
	}
	return false
}

func (s *S3Datastore) Get(ctx context.Context, k datastore.Key) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, datastore.ErrNotFound
		}
		return nil, fmt.Errorf("getting object: %s: %w", k, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object: %s: %w", k, err)
	}
	return b, nil
}

func (s *S3Datastore) head(ctx context.Context, k datastore.Key) (*awss3.HeadObjectOutput, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, datastore.ErrNotFound
		}
		return nil, fmt.Errorf("heading object: %s: %w", k, err)
	}
	return out, nil
}

func (s *S3Datastore) Has(ctx context.Context, k datastore.Key) (bool, error) {
	_, err := s.head(ctx, k)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Datastore) GetSize(ctx context.Context, k datastore.Key) (int, error) {
	out, err := s.head(ctx, k)
	if err != nil {
		return -1, err
	}
	return int(aws.Int64Value(out.ContentLength)), nil
}

func (s *S3Datastore) Put(ctx context.Context, k datastore.Key, value []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(k)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("putting object: %s: %w", k, err)
	}
	return nil
}

// Delete removes the object for k. Deleting a missing key is not an error.
func (s *S3Datastore) Delete(ctx context.Context, k datastore.Key) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(k)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting object: %s: %w", k, err)
	}
	return nil
}

// Query lists objects under the query prefix and applies the rest of the
// query in memory.
func (s *S3Datastore) Query(ctx context.Context, q query.Query) (query.Results, error) {
	prefix := s.prefix
	if p := strings.Trim(q.Prefix, "/"); p != "" {
		prefix = path.Join(prefix, p)
	}
	if prefix != "" {
		prefix += "/"
	}

	var entries []query.Entry
	var ferr error
	err := s.client.ListObjectsV2PagesWithContext(ctx, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *awss3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			k := s.datastoreKey(aws.StringValue(obj.Key))
			e := query.Entry{Key: k.String(), Size: int(aws.Int64Value(obj.Size))}
			if !q.KeysOnly {
				v, err := s.Get(ctx, k)
				if err != nil {
					ferr = err
					return false
				}
				e.Value = v
			}
			entries = append(entries, e)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	if ferr != nil {
		return nil, ferr
	}
	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, entries)), nil
}

func (s *S3Datastore) Batch(ctx context.Context) (datastore.Batch, error) {
	return datastore.NewBasicBatch(s), nil
}

// Sync is a no-op; a successful Put is already durable.
func (s *S3Datastore) Sync(ctx context.Context, prefix datastore.Key) error {
	return nil
}

func (s *S3Datastore) Close() error {
	return nil
}
