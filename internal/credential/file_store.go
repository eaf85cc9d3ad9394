package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long Update waits to acquire the sidecar file
// lock, mirroring stacklok-toolhive's config.Store.Update.
const lockTimeout = 1 * time.Second

// fileCredential is the on-disk JSON shape for one credential record.
type fileCredential struct {
	ID           string `json:"id,omitempty"`
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	Region       string `json:"region,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
}

// FileStore is the file-backed Credential Store. It auto-detects, on each
// load, whether the document on disk is a single legacy object or an array,
// matching the original Kiro credential file's two accepted shapes. Unlike
// that original, every Update/write upgrades the file to the array shape
// (spec requires writes to "always emit the array shape"), written
// atomically via temp-file-then-rename and serialized across processes by a
// ".lock" sidecar file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore constructs a FileStore over path. The file need not exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) List(_ context.Context) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() ([]Credential, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential: read file store: %w", err)
	}

	var list []fileCredential
	if err := json.Unmarshal(raw, &list); err != nil {
		var single fileCredential
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("credential: file store is neither a single object nor an array: %w", err)
		}
		list = []fileCredential{single}
	}

	creds := make([]Credential, 0, len(list))
	for i, fc := range list {
		c, err := fc.toCredential(i)
		if err != nil {
			return nil, fmt.Errorf("credential: invalid record in file store: %w", err)
		}
		creds = append(creds, c)
	}
	sortByPriorityThenID(creds)
	return creds, nil
}

func (fc fileCredential) toCredential(index int) (Credential, error) {
	c := Credential{
		ID:           fc.ID,
		RefreshToken: fc.RefreshToken,
		AccessToken:  fc.AccessToken,
		ProfileARN:   fc.ProfileARN,
		AuthMethod:   AuthMethod(fc.AuthMethod),
		ClientID:     fc.ClientID,
		ClientSecret: fc.ClientSecret,
		Priority:     fc.Priority,
		Region:       fc.Region,
		MachineID:    fc.MachineID,
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("%d", index)
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthSocial
	}
	if fc.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, fc.ExpiresAt)
		if err != nil {
			return Credential{}, fmt.Errorf("expiresAt: %w", err)
		}
		c.ExpiresAt = t
	}
	return c, nil
}

func (c Credential) toFileCredential() fileCredential {
	fc := fileCredential{
		ID:           c.ID,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ProfileARN:   c.ProfileARN,
		AuthMethod:   string(c.AuthMethod),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Priority:     c.Priority,
		Region:       c.Region,
		MachineID:    c.MachineID,
	}
	if !c.ExpiresAt.IsZero() {
		fc.ExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fc
}

func (s *FileStore) Update(ctx context.Context, id string, patch Patch) error {
	lockPath := s.path + ".lock"
	fileLock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("credential: acquire file store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("credential: acquire file store lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.loadLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range creds {
		if creds[i].ID == id {
			creds[i].AccessToken = patch.AccessToken
			if patch.ExpiresAt != "" {
				t, err := time.Parse(time.RFC3339, patch.ExpiresAt)
				if err != nil {
					return fmt.Errorf("credential: patch expiresAt: %w", err)
				}
				creds[i].ExpiresAt = t
			}
			if patch.ProfileARN != nil {
				creds[i].ProfileARN = *patch.ProfileARN
			}
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	return s.writeLocked(creds)
}

func (s *FileStore) writeLocked(creds []Credential) error {
	list := make([]fileCredential, 0, len(creds))
	for _, c := range creds {
		list = append(list, c.toFileCredential())
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal file store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("credential: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("credential: rename temp file into place: %w", err)
	}
	return nil
}

func (s *FileStore) Fingerprint(_ context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return "absent", nil
	}
	if err != nil {
		return "", fmt.Errorf("credential: stat file store: %w", err)
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}
