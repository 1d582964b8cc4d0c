// Package afero picks the filesystem the agent works on and adds the few
// helpers spf13's afero lacks.
package afero

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// ConfigKey is the viper key of the filesystem section.
const ConfigKey = "filesystem"

// Config selects the filesystem.
type Config struct {
	// Root confines every path below a directory of the host filesystem.
	Root string `mapstructure:"root"`
	// InMemory keeps everything in memory. Used for dry runs.
	InMemory bool `mapstructure:"in_memory"`
}

// FromViper reads the filesystem section of v.
func FromViper(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.UnmarshalKey(ConfigKey, &c); err != nil {
		return c, fmt.Errorf("error occurred when unmarshalling key %s: %w", ConfigKey, err)
	}
	return c, nil
}

// New builds the filesystem described by c.
func New(c Config) afero.Fs {
	switch {
	case c.InMemory:
		return afero.NewMemMapFs()
	case c.Root != "":
		return afero.NewBasePathFs(afero.NewOsFs(), c.Root)
	default:
		return afero.NewOsFs()
	}
}

// WriteFileAtomic replaces path with data through a temp file in the same
// directory, so readers never see a partial file.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+name+"~")
	if err != nil {
		return fmt.Errorf("creating tmp file for atomic write: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()

	if err := afero.WriteFile(fs, tmpName, data, perm); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("error writing into a temp file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
