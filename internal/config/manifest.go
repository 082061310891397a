package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strikebot/strikebot/internal/errs"
)

// Manifest is the launch manifest. It is loaded once at startup and
// treated as immutable for the process lifetime; only the upgrade
// tooling rewrites it, atomically.
type Manifest struct {
	Strategies          []string `json:"strategies"`
	PositionSizeDollars float64  `json:"position_size_dollars"`
	MaxExposureDollars  float64  `json:"max_exposure_dollars"`
	Symbols             []string `json:"symbols"`
	KillSwitchEnabled   bool     `json:"kill_switch_enabled"`
}

// LoadManifest reads and validates the launch manifest at path. Reads
// are jailed to root: paths that resolve outside it are rejected.
func LoadManifest(root, path string) (*Manifest, error) {
	resolved, err := resolveWithin(root, path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.ManifestNotFound, err,
				fmt.Sprintf("manifest not found at %s", path))
		}
		return nil, errs.Wrap(errs.ManifestNotFound, err,
			fmt.Sprintf("manifest unreadable at %s", path))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.ManifestInvalidSchema, err, "manifest is not valid JSON")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// SaveManifest writes the manifest atomically: the content lands in a
// temp file in the target directory and is renamed into place, so a
// reader never observes a partial manifest.
func SaveManifest(root, path string, m *Manifest) error {
	resolved, err := resolveWithin(root, path)
	if err != nil {
		return err
	}

	if err := m.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to encode manifest")
	}
	data = append(data, '\n')

	dir := filepath.Dir(resolved)
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to create temp manifest")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to write temp manifest")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to sync temp manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to close temp manifest")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to set manifest permissions")
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.ManifestWriteFailed, err, "failed to replace manifest")
	}

	return nil
}

// Validate checks the manifest schema. Strategy names are checked
// against the registry separately, once it is loaded.
func (m *Manifest) Validate() error {
	if len(m.Strategies) == 0 {
		return errs.New(errs.ManifestInvalidSchema, "manifest must list at least one strategy")
	}
	for _, s := range m.Strategies {
		if strings.TrimSpace(s) == "" {
			return errs.New(errs.ManifestInvalidSchema, "manifest strategy names must be non-empty")
		}
	}
	if m.PositionSizeDollars <= 0 {
		return errs.Newf(errs.ManifestInvalidSchema,
			"position_size_dollars must be > 0, got %.2f", m.PositionSizeDollars)
	}
	if m.MaxExposureDollars <= m.PositionSizeDollars {
		return errs.Newf(errs.ManifestInvalidSchema,
			"max_exposure_dollars (%.2f) must exceed position_size_dollars (%.2f)",
			m.MaxExposureDollars, m.PositionSizeDollars)
	}
	if len(m.Symbols) == 0 {
		return errs.New(errs.ManifestInvalidSchema, "manifest must list at least one symbol")
	}
	for i, s := range m.Symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			return errs.New(errs.ManifestInvalidSchema, "manifest symbols must be non-empty")
		}
		// Window ids are lowercase; the manifest is normalized to match
		// so "BTC" and "btc" name the same market everywhere.
		m.Symbols[i] = strings.ToLower(s)
	}
	return nil
}

// CheckStrategies verifies every manifest strategy against the known
// set. exists is typically backed by the strategy store.
func (m *Manifest) CheckStrategies(exists func(id string) bool) error {
	for _, id := range m.Strategies {
		if !exists(id) {
			return errs.Newf(errs.ManifestUnknownStrategy, "manifest references unknown strategy %q", id)
		}
	}
	return nil
}

// Lists reports whether the manifest names the given strategy.
func (m *Manifest) Lists(strategyID string) bool {
	for _, id := range m.Strategies {
		if id == strategyID {
			return true
		}
	}
	return false
}

// resolveWithin turns path into an absolute path and rejects anything
// that escapes root after symlink-free lexical resolution.
func resolveWithin(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.ConfigInvalid, err, "cannot resolve project root")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootAbs, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Newf(errs.ConfigInvalid, "manifest path %q escapes the project root", path)
	}

	return abs, nil
}
