package zipper

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// Entry places a file or directory tree at Name inside the archive. An empty
// Name puts a directory's contents at the archive root.
type Entry struct {
	Name string
	Path string
}

// ZipEntries writes every entry into a new archive at outputFilename. A
// partially written archive is removed on failure.
func ZipEntries(fs afero.Fs, outputFilename string, entries []Entry) (err error) {
	for _, e := range entries {
		if _, err := fs.Stat(e.Path); err != nil {
			return fmt.Errorf("error reading %s: %w", e.Path, err)
		}
	}

	outFile, err := fs.Create(outputFilename)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = fs.Remove(outputFilename)
		}
	}()

	zipWriter := zip.NewWriter(outFile)
	for _, e := range entries {
		if err = addEntry(fs, zipWriter, e, outputFilename); err != nil {
			_ = zipWriter.Close()
			return err
		}
	}
	return zipWriter.Close()
}

func addEntry(fs afero.Fs, zw *zip.Writer, e Entry, skip string) error {
	return afero.Walk(fs, e.Path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filepath.Clean(filePath) == filepath.Clean(skip) {
			return nil
		}

		relPath, err := filepath.Rel(e.Path, filePath)
		if err != nil {
			return err
		}
		name := path.Join(e.Name, filepath.ToSlash(relPath))
		if name == "." || name == "" {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := fs.Open(filePath)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}
