package extract

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecarSinkNextToInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.TIF")

	ptr, err := SidecarSink{}.Write(context.Background(), src, "first")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scan.TIF.txt"), ptr)

	// Rewrites replace the earlier output
	ptr, err = SidecarSink{}.Write(context.Background(), src, "second")
	require.NoError(t, err)
	data, err := os.ReadFile(ptr)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".ocr-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSidecarSinkMirrorsUnderDir(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(root, "box1", "folder", "page.png")

	ptr, err := SidecarSink{Root: root, Dir: out}.Write(context.Background(), src, "text")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "box1", "folder", "page.png.txt"), ptr)
	assert.FileExists(t, ptr)
}

func TestSidecarSinkKeepsSameStemInputsApart(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "page.png")
	tif := filepath.Join(dir, "page.tif")

	pngPtr, err := SidecarSink{}.Write(context.Background(), png, "PNG TEXT")
	require.NoError(t, err)
	tifPtr, err := SidecarSink{}.Write(context.Background(), tif, "TIF TEXT LONGER")
	require.NoError(t, err)
	assert.NotEqual(t, pngPtr, tifPtr)

	data, err := os.ReadFile(pngPtr)
	require.NoError(t, err)
	assert.Equal(t, "PNG TEXT", string(data))
	data, err = os.ReadFile(tifPtr)
	require.NoError(t, err)
	assert.Equal(t, "TIF TEXT LONGER", string(data))
}

type fakeUploader struct {
	bucket, key string
	body        string
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &manager.UploadOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	up := &fakeUploader{}
	sink := NewS3SinkWithUploader(up, "archive", "/ocr/", "/corpus")

	ptr, err := sink.Write(context.Background(), "/corpus/box1/page.jpeg", "hello")
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/ocr/box1/page.jpeg.txt", ptr)
	assert.Equal(t, "archive", up.bucket)
	assert.Equal(t, "ocr/box1/page.jpeg.txt", up.key)
	assert.Equal(t, "hello", up.body)
}

func TestS3SinkError(t *testing.T) {
	sink := NewS3SinkWithUploader(&fakeUploader{err: errors.New("denied")}, "b", "", "")
	_, err := sink.Write(context.Background(), "/a.png", "x")
	assert.ErrorContains(t, err, "denied")
}

func TestRelativeKey(t *testing.T) {
	tests := []struct {
		root, path, want string
	}{
		{"/corpus", "/corpus/a/b.png", "a/b.png.txt"},
		{"/corpus", "/elsewhere/c.png", "elsewhere/c.png.txt"},
		{"", "/x/y.tiff", "x/y.tiff.txt"},
		{"/corpus", "/corpus/..hidden/d.png", "..hidden/d.png.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, relativeKey(tt.root, tt.path))
		})
	}
}
