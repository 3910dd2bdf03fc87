package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teleclinic/consult/internal/spool"
)

type fakeS3 struct {
	mu        sync.Mutex
	creates   int
	completed [][]byte
	parts     map[int32][]byte
	failPart  int32
	aborted   int
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.parts = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(fmt.Sprintf("upload-%d", f.creates))}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	if n == f.failPart {
		f.failPart = 0
		return nil, errors.New("connection reset")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.parts[n] = b
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n != int32(i+1) {
			return nil, fmt.Errorf("part %d out of order", n)
		}
		if aws.ToString(p.ETag) != fmt.Sprintf("etag-%d", n) {
			return nil, fmt.Errorf("bad etag %q", aws.ToString(p.ETag))
		}
		out = append(out, f.parts[n]...)
	}
	f.completed = append(f.completed, out)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func openSpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.Open("", nil)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestS3UploadResumesAfterFailedPart(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 25)
	path := writeFile(t, "cam.ivf", data)
	api := &fakeS3{failPart: 2}
	sp := openSpool(t)
	u := NewS3Uploader(api, "records", 100, sp, nil)

	_, err := u.Upload(context.Background(), Blob{Key: "s1/cam.ivf", Path: path})
	if err == nil {
		t.Fatalf("expected first upload to fail")
	}
	progress, err := sp.GetMultipart("records", "s1/cam.ivf")
	if err != nil {
		t.Fatalf("GetMultipart: %v", err)
	}
	if got := progress.Uploaded(); got != 100 {
		t.Fatalf("uploaded=%d, want 100", got)
	}

	ref, err := u.Upload(context.Background(), Blob{Key: "s1/cam.ivf", Path: path})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "s3://records/s1/cam.ivf" {
		t.Fatalf("ref=%q", ref)
	}
	if api.creates != 1 {
		t.Fatalf("creates=%d, want 1", api.creates)
	}
	if len(api.completed) != 1 || !bytes.Equal(api.completed[0], data) {
		t.Fatalf("completed object does not match source")
	}
	if _, err := sp.GetMultipart("records", "s1/cam.ivf"); !errors.Is(err, spool.ErrNotFound) {
		t.Fatalf("journal after completion err=%v, want %v", err, spool.ErrNotFound)
	}
}

func TestS3UploadEmptyFileSendsOnePart(t *testing.T) {
	path := writeFile(t, "notes.json", nil)
	api := &fakeS3{}
	u := NewS3Uploader(api, "records", 100, nil, nil)
	if _, err := u.Upload(context.Background(), Blob{Key: "s1/notes.json", Path: path}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(api.parts) != 1 {
		t.Fatalf("parts=%d, want 1", len(api.parts))
	}
}

func TestS3UploadRestartsWhenFileShrank(t *testing.T) {
	path := writeFile(t, "mic.ogg", []byte("short"))
	api := &fakeS3{}
	sp := openSpool(t)
	if err := sp.PutMultipart(spool.MultipartProgress{
		Bucket: "records", Key: "s1/mic.ogg", UploadID: "stale",
		Parts: []spool.MultipartPart{{Number: 1, ETag: "x", Size: 1000}},
	}); err != nil {
		t.Fatalf("PutMultipart: %v", err)
	}
	u := NewS3Uploader(api, "records", 100, sp, nil)
	if _, err := u.Upload(context.Background(), Blob{Key: "s1/mic.ogg", Path: path}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if api.aborted != 1 || api.creates != 1 {
		t.Fatalf("aborted=%d creates=%d, want 1 and 1", api.aborted, api.creates)
	}
	if string(api.completed[0]) != "short" {
		t.Fatalf("completed=%q", api.completed[0])
	}
}

func TestDirUploadResumesPartialCopy(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyz")
	path := writeFile(t, "screen.ivf", data)
	root := t.TempDir()
	u, err := NewDirUploader(root)
	if err != nil {
		t.Fatalf("NewDirUploader: %v", err)
	}

	dest := filepath.Join(root, "s1", "screen.ivf")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest+".partial", data[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	ref, err := u.Upload(context.Background(), Blob{Key: "s1/screen.ivf", Path: path})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, "s1/screen.ivf") {
		t.Fatalf("ref=%q", ref)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("dest=%q, want %q", got, data)
	}
	if _, err := os.Stat(dest + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}
}

func TestUploadRejectsEscapingKeys(t *testing.T) {
	u, err := NewDirUploader(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirUploader: %v", err)
	}
	for _, key := range []string{"", "../x", "a/../../b", "a//b"} {
		if _, err := u.Upload(context.Background(), Blob{Key: key, Path: "unused"}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q err=%v, want %v", key, err, ErrInvalidKey)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("x/cam.ivf"); got != "video/x-ivf" {
		t.Fatalf("ivf=%q", got)
	}
	path := writeFile(t, "manifest.json", []byte(`{"a":1}`))
	if got := ContentType(path); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("json=%q", got)
	}
}
