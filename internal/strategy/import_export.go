package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/strikebot/strikebot/internal/errs"
)

// ExportFormat selects the bundle encoding.
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// Bundle is the portable form of a strategy: identity, slot bindings
// and config under a schema version importers check for compatibility.
type Bundle struct {
	Metadata   BundleMetadata    `yaml:"metadata" json:"metadata"`
	Components map[string]string `yaml:"components" json:"components"`
	Config     map[string]any    `yaml:"config" json:"config"`
}

// BundleMetadata identifies an exported strategy.
type BundleMetadata struct {
	SchemaVersion  string    `yaml:"schema_version" json:"schema_version"`
	ID             string    `yaml:"id,omitempty" json:"id,omitempty"`
	Name           string    `yaml:"name" json:"name"`
	BaseStrategyID string    `yaml:"base_strategy_id,omitempty" json:"base_strategy_id,omitempty"`
	ExportedAt     time.Time `yaml:"exported_at,omitempty" json:"exported_at,omitempty"`
	Source         string    `yaml:"source,omitempty" json:"source,omitempty"`
}

// NewBundle renders an instance into its portable form.
func NewBundle(inst *Instance) *Bundle {
	bundle := &Bundle{
		Metadata: BundleMetadata{
			SchemaVersion: BundleSchemaVersion,
			ID:            inst.ID.String(),
			Name:          inst.Name,
			ExportedAt:    time.Now().UTC(),
			Source:        "export",
		},
		Components: make(map[string]string, len(inst.Components)),
		Config:     cloneConfig(inst.Config),
	}
	if inst.BaseStrategyID != nil {
		bundle.Metadata.BaseStrategyID = inst.BaseStrategyID.String()
	}
	for slot, id := range inst.Components {
		bundle.Components[string(slot)] = id
	}
	return bundle
}

// Export encodes a strategy bundle in the requested format.
func Export(inst *Instance, format ExportFormat) ([]byte, error) {
	bundle := NewBundle(inst)
	switch format {
	case FormatYAML:
		return exportYAML(bundle)
	case FormatJSON:
		return json.MarshalIndent(bundle, "", "  ")
	default:
		return nil, errs.Newf(errs.StrategyValidationFailed, "unsupported export format %q", format)
	}
}

func exportYAML(bundle *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# Strikebot strategy bundle\n")
	fmt.Fprintf(&buf, "# Name: %s\n", bundle.Metadata.Name)
	fmt.Fprintf(&buf, "# Exported: %s\n\n", bundle.Metadata.ExportedAt.Format(time.RFC3339))

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(bundle); err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish bundle encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportToFile writes a bundle in the format its extension implies;
// unknown extensions get YAML.
func ExportToFile(inst *Instance, path string) error {
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}

	data, err := Export(inst, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	return nil
}

// DecodeBundle parses bundle bytes in either encoding. JSON is sniffed
// by the first non-whitespace byte with a cross-format fallback, since
// flow-style YAML can open with a brace too.
func DecodeBundle(data []byte) (*Bundle, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errs.New(errs.StrategyValidationFailed, "empty bundle")
	}

	var bundle Bundle
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if err := json.Unmarshal(data, &bundle); err != nil {
			if yerr := yaml.Unmarshal(data, &bundle); yerr != nil {
				return nil, errs.Wrap(errs.StrategyValidationFailed, err, "bundle is neither valid JSON nor YAML")
			}
		}
		return &bundle, nil
	}
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		if jerr := json.Unmarshal(data, &bundle); jerr != nil {
			return nil, errs.Wrap(errs.StrategyValidationFailed, err, "bundle is neither valid YAML nor JSON")
		}
	}
	return &bundle, nil
}

// ImportOptions adjust how a bundle is taken in.
type ImportOptions struct {
	// GenerateNewID mints a fresh strategy id instead of keeping the
	// bundle's, for importing a copy alongside the original.
	GenerateNewID bool

	// Rename overrides the bundle's strategy name.
	Rename string
}

// Import validates a bundle against the live catalog and persists it
// as a new instance. The schema version must be compatible and every
// referenced component must exist here; the config revalidates in
// full, so a bundle from a build with different validators cannot
// smuggle in a config this one rejects.
func (c *Composer) Import(ctx context.Context, bundle *Bundle, opts ImportOptions) (*Instance, error) {
	if err := checkBundleSchema(bundle.Metadata.SchemaVersion); err != nil {
		return nil, err
	}

	name := bundle.Metadata.Name
	if opts.Rename != "" {
		name = opts.Rename
	}
	if name == "" {
		return nil, errs.New(errs.StrategyValidationFailed, "bundle has no strategy name")
	}

	components := make(map[Type]string, len(bundle.Components))
	for slot, id := range bundle.Components {
		components[Type(slot)] = id
	}

	view := c.catalog.View()
	resolved, err := view.resolveSlots(components)
	if err != nil {
		return nil, err
	}
	cfg := cloneConfig(bundle.Config)
	if ve := validateConfig(resolved, cfg); len(ve) > 0 {
		return nil, configError(ve)
	}

	id := uuid.New()
	if !opts.GenerateNewID && bundle.Metadata.ID != "" {
		parsed, err := uuid.Parse(bundle.Metadata.ID)
		if err != nil {
			return nil, errs.Wrap(errs.StrategyValidationFailed, err, "bundle strategy id")
		}
		id = parsed
	}

	var base *uuid.UUID
	if bundle.Metadata.BaseStrategyID != "" {
		parsed, err := uuid.Parse(bundle.Metadata.BaseStrategyID)
		if err != nil {
			return nil, errs.Wrap(errs.StrategyValidationFailed, err, "bundle base strategy id")
		}
		base = &parsed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set := *c.instances.Load()
	if _, exists := set[id]; exists {
		return nil, errs.Newf(errs.StrategyValidationFailed,
			"strategy %s already exists; import with a new id", id)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:             id,
		Name:           name,
		BaseStrategyID: base,
		Components:     components,
		Config:         cfg,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.persister.InsertStrategy(ctx, inst); err != nil {
		return nil, err
	}
	c.publish(inst)

	c.logger.Info().
		Str("strategy_id", id.String()).
		Str("name", name).
		Msg("Strategy imported")
	return inst.clone(), nil
}

// ImportFile reads and imports one bundle file.
func (c *Composer) ImportFile(ctx context.Context, path string, opts ImportOptions) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	bundle, err := DecodeBundle(data)
	if err != nil {
		return nil, err
	}
	return c.Import(ctx, bundle, opts)
}
