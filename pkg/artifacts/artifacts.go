// Package artifacts archives completed task workspaces to S3.
package artifacts

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Putter is the slice of the S3 API the uploader needs.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the destination bucket.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// Uploader archives workspace directories as tar.gz objects. Uploads are
// best effort; callers log failures and move on.
type Uploader struct {
	client s3Putter
	bucket string
	prefix string
	now    func() time.Time
}

// New builds an uploader using the ambient AWS credential chain.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts bucket not configured")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}, nil
}

// Upload archives dir and puts it at
// {prefix}/{owner-repo}/{taskID}-{slot}-{timestamp}.tar.gz.
// It returns the object key.
func (u *Uploader) Upload(ctx context.Context, dir, repoName, taskID, slot string) (string, error) {
	archive, err := tarDirectory(dir)
	if err != nil {
		return "", fmt.Errorf("archive workspace %s: %w", dir, err)
	}

	key := u.objectKey(repoName, taskID, slot)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(archive),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return key, nil
}

func (u *Uploader) objectKey(repoName, taskID, slot string) string {
	repo := strings.ReplaceAll(repoName, "/", "-")
	name := fmt.Sprintf("%s-%s-%s.tar.gz", taskID, slot, u.now().UTC().Format("20060102T150405Z"))
	if u.prefix == "" {
		return filepath.ToSlash(filepath.Join(repo, name))
	}
	return filepath.ToSlash(filepath.Join(u.prefix, repo, name))
}

// tarDirectory builds a gzipped tarball of dir with paths relative to
// its root. Symlinks are stored as links, not followed.
func tarDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
