// Package auth provides API-key authentication for the Foreman control
// plane. Keys are issued once in plaintext and stored hashed; workers and
// operators present them in the X-API-Key header.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyPrefix marks Foreman API keys so leaked tokens are recognizable.
const keyPrefix = "fmk_"

// Key is one issued API key. Only the SHA256 of the token is stored.
type Key struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Hash      string     `json:"hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt != nil
}

// Keyring manages API keys in a JSON file shared between the daemon and
// the CLI. The daemon re-reads the file when it changes, so issuing or
// revoking a key does not require a restart.
type Keyring struct {
	path string

	mu     sync.Mutex
	keys   []Key
	loaded time.Time
}

// Open loads (or initializes) the keyring at path.
func Open(path string) (*Keyring, error) {
	k := &Keyring{path: path}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Issue creates a new key and returns it with the plaintext token. The
// token is not recoverable afterwards.
func (k *Keyring) Issue(name string) (*Key, string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	token := keyPrefix + hex.EncodeToString(secret)

	key := Key{
		ID:        uuid.New().String(),
		Name:      name,
		Hash:      hashToken(token),
		CreatedAt: time.Now().UTC(),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.reloadLocked(); err != nil {
		return nil, "", err
	}
	k.keys = append(k.keys, key)
	if err := k.saveLocked(); err != nil {
		return nil, "", err
	}
	return &key, token, nil
}

// Revoke marks a key unusable. The ID may be any unique prefix.
func (k *Keyring) Revoke(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.reloadLocked(); err != nil {
		return err
	}

	match := -1
	for i := range k.keys {
		if !strings.HasPrefix(k.keys[i].ID, id) {
			continue
		}
		if match >= 0 {
			return fmt.Errorf("key id %s is ambiguous", id)
		}
		match = i
	}
	if match < 0 {
		return fmt.Errorf("key %s not found", id)
	}
	if k.keys[match].Revoked() {
		return fmt.Errorf("key %s already revoked", id)
	}
	now := time.Now().UTC()
	k.keys[match].RevokedAt = &now
	return k.saveLocked()
}

// List returns all keys, revoked included.
func (k *Keyring) List() ([]Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.reloadLocked(); err != nil {
		return nil, err
	}
	out := make([]Key, len(k.keys))
	copy(out, k.keys)
	return out, nil
}

// Verify reports whether the token matches an active key.
func (k *Keyring) Verify(token string) bool {
	if !strings.HasPrefix(token, keyPrefix) {
		return false
	}
	hash := hashToken(token)

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.reloadLocked(); err != nil {
		return false
	}
	for i := range k.keys {
		if k.keys[i].Revoked() {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k.keys[i].Hash), []byte(hash)) == 1 {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key. The health endpoint
// stays open for probes.
func (k *Keyring) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-API-Key")
		if token == "" {
			if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
				token = strings.TrimPrefix(v, "Bearer ")
			}
		}
		if !k.Verify(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (k *Keyring) reload() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reloadLocked()
}

// reloadLocked re-reads the file when its mtime moved past the last load.
func (k *Keyring) reloadLocked() error {
	info, err := os.Stat(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			k.keys = nil
			return nil
		}
		return fmt.Errorf("stat keyring: %w", err)
	}
	if !info.ModTime().After(k.loaded) {
		return nil
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read keyring: %w", err)
	}
	var keys []Key
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse keyring: %w", err)
	}
	k.keys = keys
	k.loaded = info.ModTime()
	return nil
}

func (k *Keyring) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}
	data, err := json.MarshalIndent(k.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	if info, err := os.Stat(k.path); err == nil {
		k.loaded = info.ModTime()
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
