// Package keyring manages the recipient key file used for artifact encryption.
package keyring

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/openpgp" //nolint:staticcheck // only used to read key metadata, gpg does the encryption
)

// KeyInfo describes a parsed recipient key.
type KeyInfo struct {
	Fingerprint string
	Identities  []string
}

// Service defines the interface for recipient key operations.
type Service interface {
	Check(path string) error
	Install(path, material string) error
	Inspect(path string) (*KeyInfo, error)
}

// Impl implements the keyring Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new keyring service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Check verifies that the key file exists and is readable. It returns a
// *models.MissingKeyFileError otherwise.
func (s *Impl) Check(path string) error {
	if path == "" {
		return &models.MissingKeyFileError{Path: path, Err: fmt.Errorf("no key file configured")}
	}
	f, err := os.Open(path) //nolint:gosec // path from config
	if err != nil {
		return &models.MissingKeyFileError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return &models.MissingKeyFileError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &models.MissingKeyFileError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	if info.Size() == 0 {
		return &models.MissingKeyFileError{Path: path, Err: fmt.Errorf("file is empty")}
	}
	return nil
}

// Install writes key material to path with mode 0600, replacing any previous key.
func (s *Impl) Install(path, material string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(material); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install key file: %w", err)
	}

	s.logger.Info().Str("key_file", path).Msg("recipient key installed")
	return nil
}

// Inspect parses the key file (armored or binary) and returns metadata of the
// first key. Keys using algorithms the parser does not know yield an error;
// gpg may still accept them.
func (s *Impl) Inspect(path string) (*KeyInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from config
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var entities openpgp.EntityList
	if bytes.Contains(data, []byte("-----BEGIN PGP")) {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found in %s", path)
	}

	entity := entities[0]
	info := &KeyInfo{
		Fingerprint: strings.ToUpper(fmt.Sprintf("%x", entity.PrimaryKey.Fingerprint)),
	}
	for name := range entity.Identities {
		info.Identities = append(info.Identities, name)
	}
	sort.Strings(info.Identities)
	return info, nil
}
