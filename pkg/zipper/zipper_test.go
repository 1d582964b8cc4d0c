package zipper

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFs(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/model/working/model_index.json":          `{"name":"person"}`,
		"/model/working/unet/weights.json":         "unet",
		"/model/working/text_encoder/weights.json": "text",
		"/lora/person_40.pt":                       "adapter",
	}
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
	return fs
}

func readZip(t *testing.T, fs afero.Fs, name string) map[string]string {
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func names(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestZipEntriesAtRoot(t *testing.T) {
	fs := setupFs(t)

	require.NoError(t, ZipEntries(fs, "/model/person.zip", []Entry{{Path: "/model/working"}}))

	files := readZip(t, fs, "/model/person.zip")
	assert.Equal(t, []string{
		"model_index.json",
		"text_encoder/",
		"text_encoder/weights.json",
		"unet/",
		"unet/weights.json",
	}, names(files))
	assert.Equal(t, "unet", files["unet/weights.json"])
}

func TestZipEntries(t *testing.T) {
	fs := setupFs(t)

	err := ZipEntries(fs, "/out.zip", []Entry{
		{Name: "model", Path: "/model/working"},
		{Name: "lora/person_40.pt", Path: "/lora/person_40.pt"},
	})
	require.NoError(t, err)

	files := readZip(t, fs, "/out.zip")
	assert.Equal(t, "adapter", files["lora/person_40.pt"])
	assert.Equal(t, `{"name":"person"}`, files["model/model_index.json"])
}

func TestZipSkipsItsOwnOutput(t *testing.T) {
	fs := setupFs(t)

	require.NoError(t, ZipEntries(fs, "/model/working/self.zip", []Entry{{Path: "/model/working"}}))
	files := readZip(t, fs, "/model/working/self.zip")
	assert.NotContains(t, files, "self.zip")
}

func TestZipErrors(t *testing.T) {
	fs := setupFs(t)

	err := ZipEntries(fs, "/model/error.zip", []Entry{{Path: "/model/missing"}})
	require.Error(t, err)
	exists, _ := afero.Exists(fs, "/model/error.zip")
	assert.False(t, exists, "no archive is left behind")

	ro := afero.NewReadOnlyFs(fs)
	assert.Error(t, ZipEntries(ro, "/model/ro.zip", []Entry{{Path: "/model/working"}}))
}
