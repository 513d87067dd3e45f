package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink persists extracted text and returns a pointer to it.
// Writing the same path twice replaces the earlier output.
type Sink interface {
	Write(ctx context.Context, sourcePath, text string) (pointer string, err error)
}

// SidecarSink writes <name>.txt next to the input, or, when Dir is set,
// mirrors the input's location relative to Root under Dir.
type SidecarSink struct {
	Root string
	Dir  string
}

var _ Sink = SidecarSink{}

func (s SidecarSink) Write(_ context.Context, sourcePath, text string) (string, error) {
	target := textPath(sourcePath)
	if s.Dir != "" {
		target = filepath.Join(s.Dir, filepath.FromSlash(relativeKey(s.Root, sourcePath)))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(target), ".ocr-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename output: %w", err)
	}
	return target, nil
}

// Uploader is the subset of the S3 transfer manager used here.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink uploads text to s3://Bucket/Prefix/<relative path>.txt.
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
	root     string
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates an S3 sink with credentials from the environment.
func NewS3Sink(ctx context.Context, region, bucket, prefix, root string) (*S3Sink, error) {
	if bucket == "" {
		return nil, errors.New("S3 bucket name not set")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SinkWithUploader(manager.NewUploader(s3.NewFromConfig(awsCfg)), bucket, prefix, root), nil
}

// NewS3SinkWithUploader wraps an existing uploader.
func NewS3SinkWithUploader(u Uploader, bucket, prefix, root string) *S3Sink {
	return &S3Sink{uploader: u, bucket: bucket, prefix: strings.Trim(prefix, "/"), root: root}
}

func (s *S3Sink) Write(ctx context.Context, sourcePath, text string) (string, error) {
	key := relativeKey(s.root, sourcePath)
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.uploader.Upload(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// textPath appends .txt to the full source name so page.png and page.tif
// never share an output.
func textPath(p string) string {
	return p + ".txt"
}

// relativeKey returns the slash-separated .txt key for sourcePath below root.
// Paths outside root keep their full path without the leading separator.
func relativeKey(root, sourcePath string) string {
	rel := sourcePath
	if root != "" {
		if r, err := filepath.Rel(root, sourcePath); err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
		}
	}
	rel = strings.TrimPrefix(filepath.ToSlash(textPath(rel)), "/")
	// Windows volume names are not valid key segments
	return strings.ReplaceAll(rel, ":", "")
}
