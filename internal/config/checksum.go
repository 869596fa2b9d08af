package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to a locked config file.
const ChecksumFile = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of config files by
// base name. The config holds the app secret and AES key, so a locked
// deployment refuses to start on a file that changed underneath it.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock writes a manifest pinning the current contents of configPath and
// returns the recorded hash.
func Lock(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(filepath.Dir(configPath), ChecksumFile)
	manifest := ChecksumManifest{Hashes: map[string]string{}}
	if existing, err := LoadChecksums(filepath.Dir(configPath)); err == nil {
		manifest = *existing
	}
	manifest.Version = 1
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[filepath.Base(configPath)] = hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return hash, nil
}

// LoadChecksums reads the manifest from a config directory. A missing
// manifest is reported with os.ErrNotExist.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	return &manifest, nil
}

// VerifyChecksum checks configPath against the manifest in its directory.
// Files without a manifest, or not listed in it, are not checked.
func VerifyChecksum(configPath string) error {
	manifest, err := LoadChecksums(filepath.Dir(configPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	expected, ok := manifest.Hashes[filepath.Base(configPath)]
	if !ok {
		return nil
	}

	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("config file verification failed: hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: wecom-gw config lock",
			filepath.Base(configPath), expected, actual)
	}
	return nil
}
