package artifacts

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type capturePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (c *capturePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.body = body
	return &s3.PutObjectOutput{}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUploadArchivesWorkspace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "README.md"), "hello")
	writeFile(t, filepath.Join(dir, "src", "main.go"), "package main")

	putter := &capturePutter{}
	u := &Uploader{
		client: putter,
		bucket: "devhook-artifacts",
		prefix: "tasks",
		now:    func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}

	key, err := u.Upload(context.Background(), dir, "octo/widgets", "t1", "eamonn")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := "tasks/octo-widgets/t1-eamonn-20250601T120000Z.tar.gz"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
	if got := *putter.input.Bucket; got != "devhook-artifacts" {
		t.Fatalf("bucket = %q", got)
	}

	names := map[string]string{}
	gz, err := gzip.NewReader(bytes.NewReader(putter.body))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		names[hdr.Name] = string(content)
	}
	if names["README.md"] != "hello" {
		t.Fatalf("README = %q", names["README.md"])
	}
	if names["src/main.go"] != "package main" {
		t.Fatalf("main.go = %q", names["src/main.go"])
	}
	if _, ok := names["src/"]; !ok {
		t.Fatalf("missing dir entry, got %v", names)
	}
}

func TestUploadKeyWithoutPrefix(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f"), "x")

	putter := &capturePutter{}
	u := &Uploader{
		client: putter,
		bucket: "b",
		now:    func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) },
	}

	key, err := u.Upload(context.Background(), dir, "o/r", "t2", "harry")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "o-r/t2-harry-20250601T000000Z.tar.gz" {
		t.Fatalf("key = %q", key)
	}
}

func TestUploadMissingDirectory(t *testing.T) {
	t.Parallel()
	u := &Uploader{client: &capturePutter{}, bucket: "b", now: time.Now}
	if _, err := u.Upload(context.Background(), "/does/not/exist", "o/r", "t", "s"); err == nil {
		t.Fatal("expected error")
	}
}
