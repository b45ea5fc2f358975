package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/1ureka/pipeline/internal/protocol"
)

const fallbackMimeType = "application/octet-stream"

// Source is a file selected for sending. Each call to Metadata produces a
// fresh offer id so that a retried offer is distinguishable from the first.
type Source struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// OpenSource stats path and detects its content type.
func OpenSource(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mimeType := fallbackMimeType
	if mt, err := mimetype.DetectFile(path); err == nil {
		mimeType = mt.String()
	}

	return &Source{
		Path:     path,
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
	}, nil
}

// Metadata builds the offer for this source.
func (s *Source) Metadata() protocol.FileMetadata {
	return protocol.FileMetadata{
		ID:       uuid.NewString(),
		Name:     s.Name,
		Size:     s.Size,
		MimeType: s.MimeType,
	}
}

// Open opens the file for sequential reading.
func (s *Source) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSource, err)
	}
	return f, nil
}
