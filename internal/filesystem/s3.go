package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"kozeki/internal/kozeki"
)

const (
	jsonContentType    = "application/json; charset=utf-8"
	defaultContentType = "application/octet-stream"
)

// S3API is the subset of *s3.Client used by S3Filesystem.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Filesystem is a kozeki.Filesystem backed by objects under a key prefix
// of an S3 bucket. It cannot watch for changes.
type S3Filesystem struct {
	client       S3API
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	delimiter    string
	cacheControl string
}

// NewS3Filesystem creates a filesystem over bucket. prefix is prepended
// verbatim to every key, so it usually ends with "/".
func NewS3Filesystem(client S3API, bucket, prefix, cacheControl string) *S3Filesystem {
	return &S3Filesystem{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		prefix:       prefix,
		delimiter:    kozeki.PathSeparator,
		cacheControl: cacheControl,
	}
}

func (f *S3Filesystem) key(path kozeki.Path) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	return f.prefix + strings.Join(path, f.delimiter), nil
}

func (f *S3Filesystem) Read(path kozeki.Path) ([]byte, error) {
	content, _, err := f.ReadWithMtime(path)
	return content, err
}

func (f *S3Filesystem) ReadWithMtime(path kozeki.Path) ([]byte, time.Time, error) {
	key, err := f.key(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	out, err := f.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, time.Time{}, fmt.Errorf("%w: s3://%s/%s", kozeki.ErrNotFound, f.bucket, key)
		}
		return nil, time.Time{}, fmt.Errorf("getting s3://%s/%s: %w", f.bucket, key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading s3://%s/%s: %w", f.bucket, key, err)
	}
	return content, aws.ToTime(out.LastModified), nil
}

func (f *S3Filesystem) Write(path kozeki.Path, content []byte) error {
	key, err := f.key(path)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentTypeFor(key)),
	}
	if f.cacheControl != "" {
		input.CacheControl = aws.String(f.cacheControl)
	}
	if _, err := f.uploader.Upload(context.Background(), input); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", f.bucket, key, err)
	}
	return nil
}

func (f *S3Filesystem) Delete(path kozeki.Path) error {
	key, err := f.key(path)
	if err != nil {
		return err
	}

	_, err = f.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting s3://%s/%s: %w", f.bucket, key, err)
	}
	return nil
}

// ListEntries pages through every object under the prefix.
func (f *S3Filesystem) ListEntries() ([]kozeki.Entry, error) {
	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket),
		Prefix: aws.String(f.prefix),
	})

	var entries []kozeki.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", f.bucket, f.prefix, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), f.prefix)
			path := kozeki.Path(strings.Split(rel, f.delimiter))
			if rel == "" || path.Validate() != nil {
				// Keys such as "dir/" markers do not map to files.
				continue
			}
			entries = append(entries, kozeki.Entry{Path: path, Mtime: aws.ToTime(obj.LastModified)})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func (f *S3Filesystem) List() ([]kozeki.Path, error) {
	return kozeki.ListPaths(f)
}

func (f *S3Filesystem) RetainOnly(keep []kozeki.Path) ([]kozeki.Path, error) {
	return kozeki.RetainOnly(f, keep)
}

// Flush is a no-op; uploads complete before Write returns.
func (f *S3Filesystem) Flush() error {
	return nil
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".json") {
		return jsonContentType
	}
	return defaultContentType
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

var _ kozeki.Filesystem = (*S3Filesystem)(nil)
