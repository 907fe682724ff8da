package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"kozeki/internal/kozeki"
)

type fakeObject struct {
	body         []byte
	contentType  string
	cacheControl string
	modified     time.Time
}

// fakeS3 is an in-memory S3API. ListObjectsV2 returns pageSize keys per
// page to exercise the paginator.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	now      time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string]fakeObject),
		pageSize: 2,
		now:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{
		body:         body,
		contentType:  aws.ToString(in.ContentType),
		cacheControl: aws.ToString(in.CacheControl),
		modified:     f.now,
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:         io.NopCloser(bytes.NewReader(obj.body)),
		LastModified: aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		n, err := strconv.Atoi(*in.ContinuationToken)
		if err != nil {
			return nil, err
		}
		start = n
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			LastModified: aws.Time(f.objects[k].modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestS3Filesystem_WriteRead(t *testing.T) {
	client := newFakeS3()
	f := NewS3Filesystem(client, "bucket", "site/", "max-age=60")

	if err := f.Write(kozeki.Path{"items", "1.json"}, []byte("{}\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	obj, ok := client.objects["site/items/1.json"]
	if !ok {
		t.Fatalf("object not stored under prefixed key, have %v", client.objects)
	}
	if obj.contentType != jsonContentType {
		t.Errorf("ContentType = %q, want %q", obj.contentType, jsonContentType)
	}
	if obj.cacheControl != "max-age=60" {
		t.Errorf("CacheControl = %q, want max-age=60", obj.cacheControl)
	}

	content, mtime, err := f.ReadWithMtime(kozeki.Path{"items", "1.json"})
	if err != nil {
		t.Fatalf("ReadWithMtime() error = %v", err)
	}
	if string(content) != "{}\n" {
		t.Errorf("content = %q, want {}", content)
	}
	if !mtime.Equal(client.now) {
		t.Errorf("mtime = %v, want %v", mtime, client.now)
	}
}

func TestS3Filesystem_NotFound(t *testing.T) {
	f := NewS3Filesystem(newFakeS3(), "bucket", "", "")

	if _, err := f.Read(kozeki.Path{"missing.json"}); !errors.Is(err, kozeki.ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
	if err := f.Delete(kozeki.Path{"missing.json"}); err != nil {
		t.Errorf("Delete() of missing object error = %v, want nil", err)
	}
}

func TestS3Filesystem_ListAndRetain(t *testing.T) {
	client := newFakeS3()
	client.objects["other/x.json"] = fakeObject{}
	client.objects["site/"] = fakeObject{}
	f := NewS3Filesystem(client, "bucket", "site/", "")

	for _, p := range []kozeki.Path{
		{"collections.json"},
		{"collections", "a.json"},
		{"items", "1.json"},
		{"items", "2.json"},
		{"items", "3.json"},
	} {
		if err := f.Write(p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := f.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 5 {
		t.Fatalf("List() = %v, want 5 paths", paths)
	}
	if paths[0].String() != "collections.json" || paths[4].String() != "items/3.json" {
		t.Errorf("List() = %v, want sorted paths", paths)
	}

	deleted, err := f.RetainOnly([]kozeki.Path{{"items", "2.json"}})
	if err != nil {
		t.Fatalf("RetainOnly() error = %v", err)
	}
	if len(deleted) != 4 {
		t.Errorf("RetainOnly() deleted = %v, want 4 paths", deleted)
	}
	if _, ok := client.objects["site/items/2.json"]; !ok {
		t.Error("retained object deleted")
	}
	if _, ok := client.objects["other/x.json"]; !ok {
		t.Error("object outside the prefix deleted")
	}
	if len(client.objects) != 3 {
		t.Errorf("objects left = %d, want 3", len(client.objects))
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"items/1.json", jsonContentType},
		{"feed.xml", defaultContentType},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.key); got != tt.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
