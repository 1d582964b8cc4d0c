package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	testutils "github.com/atzemis13/sd-dreambooth-extension/pkg/testing"
)

type fakeUploader struct {
	objects map[string]string
	fail    map[string]error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	key := aws.ToString(input.Key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[aws.ToString(input.Bucket)+"/"+key] = string(data)
	return &manager.UploadOutput{}, nil
}

func TestArtifactsFor(t *testing.T) {
	got := ArtifactsFor("/models/person",
		"/models/person/samples/sample_10-0.png",
		"/loras/person_10.pt",
		"",
		"/models/person/samples/sample_10-0.png",
	)
	want := []Artifact{
		{Path: "/models/person/samples/sample_10-0.png", Key: "samples/sample_10-0.png"},
		{Path: "/loras/person_10.pt", Key: "person_10.pt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ArtifactsFor() mismatch (-want +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	p, err := New(context.Background(), Config{}, afero.NewMemMapFs(), logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = New(context.Background(), Config{Type: TypeDir, Directory: "/out"}, afero.NewMemMapFs(), logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &DirPublisher{}, p)

	_, err = New(context.Background(), Config{Type: "ftp"}, afero.NewMemMapFs(), logging.Discard())
	assert.Error(t, err)
}

func TestS3PublisherPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/models/person/samples/sample_10-0.png", []byte("png"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/loras/person_10.pt", []byte("lora"), 0o644))

	up := &fakeUploader{fail: map[string]error{
		"runs/person_10.pt": &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
	}}
	p := newS3Publisher(up, fs, "bucket", "runs", logging.Discard())

	locations, err := p.Publish(context.Background(), ArtifactsFor("/models/person",
		"/models/person/samples/sample_10-0.png",
		"/loras/person_10.pt",
		"/models/person/missing.png",
	))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Contains(t, err.Error(), "missing.png")
	assert.Equal(t, []string{"s3://bucket/runs/samples/sample_10-0.png"}, locations)
	assert.Equal(t, map[string]string{"bucket/runs/samples/sample_10-0.png": "png"}, up.objects)
}

func TestDirPublisherPublish(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	sample := filepath.Join(src, "samples", "sample_4-0.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(sample), 0o755))
	require.NoError(t, os.WriteFile(sample, []byte("png"), 0o644))

	logger := testutils.SetupMockLogger()
	p := NewDirPublisher(dest, logger)
	locations, err := p.Publish(context.Background(), ArtifactsFor(src, sample))
	require.NoError(t, err)
	logger.AssertCalled(t, "Debugf", "Copied %s", []interface{}{sample})

	want := filepath.Join(dest, "samples", "sample_4-0.png")
	assert.Equal(t, []string{want}, locations)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}
