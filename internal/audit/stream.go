package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/toolgate/toolgate/internal/fileutil"
)

// rotatingStream is one append-only log file with size-based rotation and a
// bounded backup count. All writes serialize through a single mutex so the
// byte offset, rotation decisions and counters stay consistent with what
// actually hit the disk.
type rotatingStream struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64

	maxSize  int64
	backups  int
	compress bool

	// onRotate, when set, is called after each completed rotation.
	onRotate func()
}

// openStream opens (creating if needed) a rotating stream at path.
func openStream(path string, maxSize int64, backups int, compress bool) (*rotatingStream, error) {
	f, err := fileutil.SecureAppendFile(path)
	if err != nil {
		return nil, fmt.Errorf("open audit stream %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingStream{
		path:     path,
		file:     f,
		size:     info.Size(),
		maxSize:  maxSize,
		backups:  backups,
		compress: compress,
	}, nil
}

// write appends one line, rotating first if the write would cross the size
// ceiling. Returns only after the bytes are handed to the OS.
func (s *rotatingStream) write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && s.size+int64(len(line)) > s.maxSize && s.size > 0 {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	s.size += int64(n)
	return err
}

// rotateLocked shifts backups (.1 .. .N, oldest dropped) and starts a fresh
// file. Caller must hold s.mu.
func (s *rotatingStream) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	ext := ""
	if s.compress {
		ext = ".zst"
	}

	// Drop the oldest backup, then shift the rest up by one.
	oldest := fmt.Sprintf("%s.%d%s", s.path, s.backups, ext)
	_ = os.Remove(oldest)
	for i := s.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d%s", s.path, i, ext)
		to := fmt.Sprintf("%s.%d%s", s.path, i+1, ext)
		_ = os.Rename(from, to)
	}

	first := s.path + ".1" + ext
	if s.compress {
		if err := compressFile(s.path, first); err != nil {
			// Compression failure must not lose the backup; fall back to a
			// plain rename.
			_ = os.Rename(s.path, s.path+".1")
		} else {
			_ = os.Remove(s.path)
		}
	} else {
		if err := os.Rename(s.path, first); err != nil {
			return err
		}
	}

	f, err := fileutil.SecureAppendFile(s.path)
	if err != nil {
		return err
	}
	s.file = f
	s.size = 0
	if s.onRotate != nil {
		s.onRotate()
	}
	return nil
}

// close flushes and closes the stream.
func (s *rotatingStream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// compressFile writes a zstd-compressed copy of src to dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fileutil.SecureOpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// streamPath returns the on-disk path for a stream under dir.
func streamPath(dir string, stream Stream) string {
	return filepath.Join(dir, string(stream)+".log")
}
