package runconfig

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
)

// ConfigKey is the viper key of the run configuration section.
const ConfigKey = "training"

// Path is the location of the persisted configuration of a model.
func Path(modelDir string) string {
	return filepath.Join(modelDir, constants.ConfigFileName)
}

// Load reads the persisted configuration of modelDir. Fields absent from
// the file keep their defaults.
func Load(fs afero.Fs, modelDir string) (*Config, error) {
	data, err := afero.ReadFile(fs, Path(modelDir))
	if err != nil {
		return nil, errors.Wrapf(err, "reading run config of %s", modelDir)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", Path(modelDir))
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = modelDir
	}
	return &cfg, nil
}

// Save persists c to <model_dir>/db_config.json. The file is replaced
// atomically so a crash mid-save never leaves a truncated config behind.
func (c *Config) Save(fs afero.Fs) error {
	if err := fs.MkdirAll(c.ModelDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating model dir %s", c.ModelDir)
	}

	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding run config")
	}

	path := Path(c.ModelDir)
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// FromViper decodes the training section of v over the defaults. When the
// model directory already holds a persisted configuration its lifetime
// counters win, so restarting a run never rewinds Revision or Epoch.
func FromViper(fs afero.Fs, v *viper.Viper) (*Config, error) {
	cfg := Default()
	if v.IsSet(ConfigKey) {
		if err := v.UnmarshalKey(ConfigKey, &cfg); err != nil {
			return nil, errors.Wrap(err, "decoding training config")
		}
	}

	if cfg.ModelDir != "" {
		stored, err := Load(fs, cfg.ModelDir)
		switch {
		case err == nil:
			cfg.Revision = max(cfg.Revision, stored.Revision)
			cfg.Epoch = max(cfg.Epoch, stored.Epoch)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	return &cfg, nil
}
