package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/oauth2"
)

const sessionFile = "session.json"

// loadSession reads the token saved by login. A missing file returns nil, nil.
func loadSession(fsys afero.Fs, dir string) (*oauth2.Token, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(dir, sessionFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, nil
	}
	return &tok, nil
}

// saveSession stores tok with owner-only permissions.
func saveSession(fsys afero.Fs, dir string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return afero.WriteFile(fsys, filepath.Join(dir, sessionFile), data, 0600)
}

func clearSession(fsys afero.Fs, dir string) error {
	err := fsys.Remove(filepath.Join(dir, sessionFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// syncSession saves after when it differs from the token the run started with, so a
// refresh (and a rotated refresh token) survives to the next run.
func syncSession(fsys afero.Fs, dir string, before, after *oauth2.Token) error {
	if after == nil {
		return nil
	}
	if before != nil && before.AccessToken == after.AccessToken && before.RefreshToken == after.RefreshToken {
		return nil
	}
	return saveSession(fsys, dir, after)
}
