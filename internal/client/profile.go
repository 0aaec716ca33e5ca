package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"securechat/internal/protocol"
)

// Profile is the signed-in user remembered between runs.
type Profile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// Credentials is what the session sends in its authenticate event.
func (p Profile) Credentials() protocol.Credentials {
	creds := protocol.Credentials{
		ID:   protocol.UserID(strconv.FormatInt(p.ID, 10)),
		Name: p.Name,
	}
	if p.Email != "" {
		email := p.Email
		creds.Email = &email
	}
	return creds
}

// LoadProfile reads a saved profile. A missing file surfaces as fs.ErrNotExist.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// SaveProfile writes p to path, creating the parent directory.
func SaveProfile(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", filepath.Dir(path), err)
	}

	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// ClearProfile forgets the saved user (logout). A missing file is fine.
func ClearProfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile: %w", err)
	}
	return nil
}
