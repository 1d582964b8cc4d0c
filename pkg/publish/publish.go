// Package publish ships finished run artifacts (preview images, LoRA
// adapters, compiled checkpoints) to a destination outside the model dir.
package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

// Destination types.
const (
	TypeNone = ""
	TypeS3   = "s3"
	TypeDir  = "dir"
)

// Artifact is a local file and the key it is published under.
type Artifact struct {
	Path string
	Key  string
}

// Publisher uploads artifacts and returns the locations they were written to.
type Publisher interface {
	Publish(ctx context.Context, artifacts []Artifact) ([]string, error)
}

// Config selects and configures the destination.
type Config struct {
	Type string `mapstructure:"type" validate:"omitempty,oneof=s3 dir"`

	// Dir destination.
	Directory string `mapstructure:"directory" validate:"required_if=Type dir"`

	// S3 destination.
	Bucket          string `mapstructure:"bucket" validate:"required_if=Type s3"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PartSize        int64  `mapstructure:"part_size"`
	Concurrency     int    `mapstructure:"concurrency"`
}

// New returns the publisher for cfg, or nil when publishing is disabled.
func New(ctx context.Context, cfg Config, fs afero.Fs, logger logging.Interface) (Publisher, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeDir:
		return NewDirPublisher(cfg.Directory, logger), nil
	case TypeS3:
		return NewS3Publisher(ctx, cfg, fs, logger)
	default:
		return nil, fmt.Errorf("unknown publish type %q", cfg.Type)
	}
}

// ArtifactsFor keys every path relative to base. Paths outside base are
// keyed by their file name.
func ArtifactsFor(base string, paths ...string) []Artifact {
	artifacts := make([]Artifact, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true

		key := filepath.Base(p)
		if rel, err := filepath.Rel(base, p); err == nil && !strings.HasPrefix(rel, "..") {
			key = rel
		}
		artifacts = append(artifacts, Artifact{Path: p, Key: filepath.ToSlash(key)})
	}
	return artifacts
}
