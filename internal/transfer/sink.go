package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/1ureka/pipeline/internal/protocol"
)

const defaultFileName = "download"

// DirOpener writes received files into Dir. Data goes to a hidden ".part"
// file that is renamed on Commit, so an interrupted transfer never leaves a
// file with the final name behind.
type DirOpener struct {
	Dir string
}

// Open creates the partial file for meta.
func (o DirOpener) Open(meta protocol.FileMetadata) (Sink, error) {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, err
	}

	name := SafeFileName(meta.Name)
	f, err := os.CreateTemp(o.Dir, "."+name+".*.part")
	if err != nil {
		return nil, err
	}

	return &fileSink{file: f, dir: o.Dir, name: name}, nil
}

type fileSink struct {
	file  *os.File
	dir   string
	name  string
	final string
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *fileSink) Commit() error {
	if err := s.file.Close(); err != nil {
		os.Remove(s.file.Name())
		return err
	}

	final, err := availablePath(s.dir, s.name)
	if err != nil {
		os.Remove(s.file.Name())
		return err
	}
	if err := os.Rename(s.file.Name(), final); err != nil {
		os.Remove(s.file.Name())
		return err
	}
	s.final = final
	return nil
}

func (s *fileSink) Abort() error {
	return errors.Join(s.file.Close(), os.Remove(s.file.Name()))
}

// Path returns the final location after a successful Commit.
func (s *fileSink) Path() string { return s.final }

// SafeFileName reduces a peer-supplied name to a plain base name. Both
// slash styles are treated as separators since the sender may be on any OS.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return defaultFileName
	}
	return name
}

// availablePath returns dir/name, or dir/"name (n).ext" for the first n
// that does not exist yet.
func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)
	for n := 1; n < 10000; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}
