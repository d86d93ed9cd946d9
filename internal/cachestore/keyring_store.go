package cachestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/giantswarm/deskauth/internal/publicclient"
)

// KeyringStore persists the token cache in the operating system keychain
// (Keychain, Secret Service or Windows Credential Manager).
//
// The blob is stored base64 encoded, since some backends reject raw JSON
// control characters. Hooks are serialized by a process mutex only; the
// keychain itself serializes writers across processes.
type KeyringStore struct {
	Service string
	User    string

	mu sync.Mutex
}

// NewKeyringStore creates a store for the given keychain item.
func NewKeyringStore(service, user string) *KeyringStore {
	return &KeyringStore{Service: service, User: user}
}

func (s *KeyringStore) location() string {
	return fmt.Sprintf("keyring:%s/%s", s.Service, s.User)
}

// BeforeAccess locks the store and loads the keychain item into the cache.
// A missing item empties the cache and is created holding it.
func (s *KeyringStore) BeforeAccess(_ context.Context, cc *publicclient.CacheContext) error {
	s.mu.Lock()

	secret, err := keyring.Get(s.Service, s.User)
	switch {
	case err == nil:
		data, decodeErr := base64.StdEncoding.DecodeString(secret)
		if decodeErr == nil {
			decodeErr = cc.Cache.Unmarshal(data)
		}
		if decodeErr != nil {
			logReadFailure(&CacheIOError{Op: "decode", Path: s.location(), Err: decodeErr})
			_ = cc.Cache.Unmarshal(nil)
		}
	case errors.Is(err, keyring.ErrNotFound):
		_ = cc.Cache.Unmarshal(nil)
		seed, err := cc.Cache.Marshal()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to serialize empty token cache: %w", err)
		}
		if err := keyring.Set(s.Service, s.User, base64.StdEncoding.EncodeToString(seed)); err != nil {
			logReadFailure(&CacheIOError{Op: "create", Path: s.location(), Err: err})
		}
	default:
		logReadFailure(&CacheIOError{Op: "read", Path: s.location(), Err: err})
		_ = cc.Cache.Unmarshal(nil)
	}
	return nil
}

// AfterAccess writes the cache back when the call changed it, then unlocks.
func (s *KeyringStore) AfterAccess(_ context.Context, cc *publicclient.CacheContext) error {
	defer s.mu.Unlock()

	if !cc.HasChanged {
		return nil
	}

	data, err := cc.Cache.Marshal()
	if err != nil {
		return &CacheIOError{Op: "encode", Path: s.location(), Err: err}
	}
	if err := keyring.Set(s.Service, s.User, base64.StdEncoding.EncodeToString(data)); err != nil {
		slog.Warn("SECURITY_AUDIT: token cache write failed",
			"event", "token_cache_write_failed",
			"path", s.location(),
			"error", err.Error(),
		)
		return &CacheIOError{Op: "write", Path: s.location(), Err: err}
	}
	return nil
}

// Clear deletes the keychain item.
func (s *KeyringStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.Service, s.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &CacheIOError{Op: "remove", Path: s.location(), Err: err}
	}
	return nil
}

var _ publicclient.CacheAccessor = (*KeyringStore)(nil)
