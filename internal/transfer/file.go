package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/eduflow/platform/mediaupload/internal/failure"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// File is a video selected for upload. Open may be called more than once.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FromPath describes a file on disk.
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FromBytes describes an in-memory file.
func FromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// Validate rejects files that must never reach the network: empty files,
// files above maxBytes (when positive) and content that does not sniff as video.
func Validate(f File, maxBytes int64) error {
	if f.Open == nil || f.Size <= 0 {
		return failure.New(failure.CodeInvalidInput, "The selected video is empty.")
	}
	if maxBytes > 0 && f.Size > maxBytes {
		return failure.New(failure.CodeInvalidInput,
			fmt.Sprintf("The selected video is %s; the limit is %s.", humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(maxBytes))))
	}
	mt, err := sniff(f)
	if err != nil {
		return failure.Wrap(failure.CodeInvalidInput, "The selected video could not be read.", err)
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		return failure.Wrap(failure.CodeInvalidInput, "The selected file is not a supported video format.",
			fmt.Errorf("detected content type %s", mt.String()))
	}
	return nil
}

func sniff(f File) (*mimetype.MIME, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return mimetype.Detect(buf[:n]), nil
}
