// Package cachestore persists the token cache through the before/after
// access hooks of publicclient.
//
// FileStore keeps the cache in a JSON file (0600, directory 0700) written
// atomically, guarded by a process mutex and an advisory fcntl lock on a
// ".lock" sibling so that concurrent processes never interleave their
// read-modify-write cycles. KeyringStore keeps the same blob in the OS
// keychain. Watcher notices when another process rewrites the cache file.
//
// A cache that cannot be read is logged and treated as empty; a cache that
// cannot be written fails the client call with *CacheIOError.
package cachestore
