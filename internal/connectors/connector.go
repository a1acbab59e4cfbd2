// Package connectors stores relayed videos in their hosted destination.
package connectors

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// Object is one video handed to a destination.
type Object struct {
	SessionID   string
	FileName    string
	ContentType string
	Size        int64
	Body        io.ReadSeeker
}

// Destination copies relayed videos to an external target (cloud/object store/etc).
type Destination interface {
	Name() string
	Store(ctx context.Context, obj Object) error
}

// Open instantiates the destination named by kind. localDir is only used by
// the local destination.
func Open(ctx context.Context, kind, localDir string, logger zerolog.Logger) (Destination, error) {
	var (
		dest Destination
		err  error
	)
	switch strings.TrimSpace(strings.ToLower(kind)) {
	case "", "local":
		dest, err = NewLocal(localDir)
	case "s3":
		dest, err = NewS3Destination(ctx)
	case "azure":
		dest, err = NewAzureBlobDestination()
	case "sftp":
		dest, err = NewSFTPDestination()
	case "ftps":
		dest, err = NewFTPSDestination()
	default:
		err = fmt.Errorf("unknown destination %q", kind)
	}
	if err != nil {
		logger.Error().Err(err).Str("destination", kind).Msg("failed to init destination")
		return nil, err
	}
	logger.Info().Str("destination", dest.Name()).Msg("initialized destination")
	return dest, nil
}

// objectKey places obj under prefix/<session>/<file>.
func objectKey(prefix string, obj Object) string {
	name := path.Base(strings.ReplaceAll(obj.FileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "video"
	}
	if strings.TrimSpace(prefix) == "" {
		return path.Join(obj.SessionID, name)
	}
	return path.Join(strings.TrimSuffix(prefix, "/"), obj.SessionID, name)
}
