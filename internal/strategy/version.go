package strategy

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/strikebot/strikebot/internal/errs"
)

// versionIDPattern is the wire form of a component version id: a slot
// prefix, a lowercase kebab name, and a positive version number.
var versionIDPattern = regexp.MustCompile(`^(prob|entry|exit|sizing)-([a-z0-9]+(?:-[a-z0-9]+)*)-v([1-9][0-9]*)$`)

var componentNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var prefixByType = map[Type]string{
	TypeProbability: "prob",
	TypeEntry:       "entry",
	TypeSizing:      "sizing",
	TypeExit:        "exit",
}

var typeByPrefix = map[string]Type{
	"prob":   TypeProbability,
	"entry":  TypeEntry,
	"sizing": TypeSizing,
	"exit":   TypeExit,
}

// GenerateVersionID renders the canonical id for a component version.
// It is the exact inverse of ParseVersionID: every id it produces
// parses back to the same triple, and every parseable id regenerates
// byte for byte.
func GenerateVersionID(typ Type, name string, version int) (string, error) {
	prefix, ok := prefixByType[typ]
	if !ok {
		return "", errs.Newf(errs.ComponentInterfaceInvalid, "unknown component type %q", typ)
	}
	if !componentNamePattern.MatchString(name) {
		return "", errs.Newf(errs.ComponentInterfaceInvalid, "component name %q is not lowercase kebab-case", name)
	}
	if version < 1 {
		return "", errs.Newf(errs.ComponentInterfaceInvalid, "component version must be positive, got %d", version)
	}
	return fmt.Sprintf("%s-%s-v%d", prefix, name, version), nil
}

// ParseVersionID decomposes a version id into type, name and version.
func ParseVersionID(id string) (Type, string, int, error) {
	m := versionIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", 0, errs.Newf(errs.ComponentInterfaceInvalid, "malformed version id %q", id)
	}
	version, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, errs.Wrap(errs.ComponentInterfaceInvalid, err, fmt.Sprintf("version number in %q", id))
	}
	return typeByPrefix[m[1]], m[2], version, nil
}

// versionID computes the id for a component's metadata, surfacing
// contract violations as structured errors.
func versionID(m Metadata) (string, error) {
	return GenerateVersionID(m.Type, m.Name, m.Version)
}

// BundleSchemaVersion is the current strategy bundle schema. Importers
// accept any bundle with the same major version that is not newer than
// this build.
const BundleSchemaVersion = "1.0.0"

func checkBundleSchema(v string) error {
	if v == "" {
		return errs.New(errs.StrategyValidationFailed, "bundle schema version missing")
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		// Tolerate the short "1.0" form older exports used.
		parsed, err = semver.NewVersion(v + ".0")
		if err != nil {
			return errs.Wrap(errs.StrategyValidationFailed, err, fmt.Sprintf("bundle schema version %q", v))
		}
	}
	current := semver.MustParse(BundleSchemaVersion)
	if parsed.Major() != current.Major() {
		return errs.Newf(errs.StrategyValidationFailed,
			"bundle schema %s is incompatible with %s", v, BundleSchemaVersion)
	}
	if parsed.GreaterThan(current) {
		return errs.Newf(errs.StrategyValidationFailed,
			"bundle schema %s is newer than this build supports (%s)", v, BundleSchemaVersion)
	}
	return nil
}
