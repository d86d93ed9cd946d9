package cachestore

import "fmt"

// CacheIOError reports a failed read or write of the persisted cache.
// Read failures are logged and the cache is treated as empty; write
// failures are returned from AfterAccess.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("token cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }
