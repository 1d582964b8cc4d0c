package testing

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// TempDir will return a temporary directory and a closer func for deleting
// the directory tree.
func TempDir() (string, func(), error) {
	tmp, err := os.MkdirTemp("", "dreambooth-")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { _ = os.RemoveAll(tmp) }, nil
}

// MemFs returns an in-memory filesystem seeded with files, keyed by path.
// Parent directories are created as needed.
func MemFs(files map[string][]byte) (afero.Fs, error) {
	fs := afero.NewMemMapFs()
	for path, data := range files {
		if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// PerformRequest will make the given request to the supplied handler and return
// an httptest.ResponseRecorder representing the result of making the request.
func PerformRequest(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// PerformSimpleRequest will make the given request with an optional body to
// the supplied handler.
func PerformSimpleRequest(h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, body)
	return PerformRequest(h, r)
}
