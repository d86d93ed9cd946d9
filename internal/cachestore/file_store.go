package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/giantswarm/deskauth/internal/publicclient"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// FileStore persists the token cache in a single file.
//
// SECURITY: the cache holds refresh tokens. The file is created with 0600
// and its directory with 0700; token values are never logged.
//
// BeforeAccess takes a process-wide mutex plus an advisory lock on a
// "<path>.lock" sibling, and AfterAccess releases both, so one client call's
// read-modify-write never interleaves with another's, in this process or
// another.
type FileStore struct {
	Path string

	mu       sync.Mutex
	lockFile *os.File
}

// NewFileStore creates a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// BeforeAccess locks the store and loads the file into the cache. A missing
// file empties the cache and is created holding it.
func (s *FileStore) BeforeAccess(_ context.Context, cc *publicclient.CacheContext) error {
	s.mu.Lock()
	if err := s.acquireFileLock(); err != nil {
		s.mu.Unlock()
		return err
	}

	data, err := os.ReadFile(s.Path)
	switch {
	case err == nil:
		if err := cc.Cache.Unmarshal(data); err != nil {
			logReadFailure(&CacheIOError{Op: "decode", Path: s.Path, Err: err})
		}
	case errors.Is(err, fs.ErrNotExist):
		// the file was never written or was removed; drop what this process holds
		_ = cc.Cache.Unmarshal(nil)
		seed, err := cc.Cache.Marshal()
		if err != nil {
			s.release()
			return fmt.Errorf("failed to serialize empty token cache: %w", err)
		}
		if err := writeFileAtomic(s.Path, seed); err != nil {
			logReadFailure(&CacheIOError{Op: "create", Path: s.Path, Err: err})
		} else {
			slog.Info("SECURITY_AUDIT: token cache created",
				"event", "token_cache_created",
				"path", s.Path,
			)
		}
	default:
		logReadFailure(&CacheIOError{Op: "read", Path: s.Path, Err: err})
		_ = cc.Cache.Unmarshal(nil)
	}
	return nil
}

// AfterAccess writes the cache back when the call changed it, then unlocks.
func (s *FileStore) AfterAccess(_ context.Context, cc *publicclient.CacheContext) error {
	defer s.release()

	if !cc.HasChanged {
		return nil
	}

	data, err := cc.Cache.Marshal()
	if err != nil {
		return &CacheIOError{Op: "encode", Path: s.Path, Err: err}
	}
	if err := writeFileAtomic(s.Path, data); err != nil {
		slog.Warn("SECURITY_AUDIT: token cache write failed",
			"event", "token_cache_write_failed",
			"path", s.Path,
			"error", err.Error(),
		)
		return &CacheIOError{Op: "write", Path: s.Path, Err: err}
	}
	slog.Debug("Token cache written", "path", s.Path, "bytes", len(data))
	return nil
}

// Clear deletes the cache file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &CacheIOError{Op: "remove", Path: s.Path, Err: err}
	}
	slog.Info("SECURITY_AUDIT: token cache removed",
		"event", "token_cache_removed",
		"path", s.Path,
	)
	return nil
}

func (s *FileStore) acquireFileLock() error {
	if err := os.MkdirAll(filepath.Dir(s.Path), dirMode); err != nil {
		return &CacheIOError{Op: "mkdir", Path: filepath.Dir(s.Path), Err: err}
	}
	f, err := os.OpenFile(s.Path+".lock", os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return &CacheIOError{Op: "lock", Path: s.Path, Err: err}
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return &CacheIOError{Op: "lock", Path: s.Path, Err: err}
	}
	s.lockFile = f
	return nil
}

// release drops the file lock and the mutex. Callers hold s.mu.
func (s *FileStore) release() {
	if s.lockFile != nil {
		_ = unlockFile(s.lockFile)
		_ = s.lockFile.Close()
		s.lockFile = nil
	}
	s.mu.Unlock()
}

func logReadFailure(err *CacheIOError) {
	slog.Warn("Token cache unreadable, continuing with an empty cache",
		"op", err.Op,
		"path", err.Path,
		"error", err.Err.Error(),
	)
}

// writeFileAtomic replaces path with data through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

var _ publicclient.CacheAccessor = (*FileStore)(nil)
