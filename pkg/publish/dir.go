package publish

import (
	"context"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

// DirPublisher copies artifacts into a directory on the local disk.
type DirPublisher struct {
	dir    string
	logger logging.Interface
}

func NewDirPublisher(dir string, logger logging.Interface) *DirPublisher {
	return &DirPublisher{dir: dir, logger: logger}
}

func (p *DirPublisher) Publish(ctx context.Context, artifacts []Artifact) ([]string, error) {
	var (
		locations []string
		result    error
	)
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return locations, multierror.Append(result, err)
		}

		dest := filepath.Join(p.dir, filepath.FromSlash(a.Key))
		if err := copy.Copy(a.Path, dest, copy.Options{PreserveTimes: true, Sync: true}); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to copy %s", a.Path))
			continue
		}
		p.logger.WithField("dest", dest).Debugf("Copied %s", a.Path)
		locations = append(locations, dest)
	}
	return locations, result
}
