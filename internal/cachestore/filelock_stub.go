//go:build !unix

package cachestore

import "os"

// lockFile is a no-op outside unix; only the in-process mutex applies.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
