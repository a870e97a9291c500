package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up under a model base path.
const ManifestFile = "model.yaml"

// Manifest describes a speech model asset bundle.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Runtime  RuntimeSpec `yaml:"runtime"`
	Files    Files       `yaml:"files"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Backend  string `yaml:"backend"`
	Language string `yaml:"language"`
}

// Files lists assets relative to the model base path.
type Files struct {
	Config    string `yaml:"config,omitempty"`
	Tokenizer string `yaml:"tokenizer,omitempty"`
	Weights   string `yaml:"weights"`
}

// Assets is a validated model bundle with resolved file paths.
type Assets struct {
	Base     string
	Manifest Manifest
}

// MissingAssetsError names every asset that was expected but not found.
type MissingAssetsError struct {
	Base    string
	Missing []string
}

func (e *MissingAssetsError) Error() string {
	return fmt.Sprintf("model assets missing under %s: %s", e.Base, strings.Join(e.Missing, ", "))
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return errors.New("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return errors.New("metadata.version is required")
	}
	switch m.Runtime.Backend {
	case "":
		return errors.New("runtime.backend is required")
	case "whisper", "exec", "mock":
	default:
		return fmt.Errorf("runtime.backend %q not supported", m.Runtime.Backend)
	}
	if m.Files.Weights == "" {
		return errors.New("files.weights is required")
	}
	for _, name := range m.Files.names() {
		if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("asset %q must be relative to the model directory", name)
		}
	}
	return nil
}

// Open loads, validates and checks every asset under base.
func Open(base string) (Assets, error) {
	if base == "" {
		return Assets{}, errors.New("model path is empty")
	}
	manifestPath := filepath.Join(base, ManifestFile)
	m, err := Load(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Assets{}, &MissingAssetsError{Base: base, Missing: []string{ManifestFile}}
		}
		return Assets{}, fmt.Errorf("load model manifest: %w", err)
	}
	if err := Validate(m); err != nil {
		return Assets{}, fmt.Errorf("invalid model manifest: %w", err)
	}
	var missing []string
	for _, name := range m.Files.names() {
		info, err := os.Stat(filepath.Join(base, name))
		if err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Assets{}, &MissingAssetsError{Base: base, Missing: missing}
	}
	return Assets{Base: base, Manifest: m}, nil
}

// Path resolves an asset name against the bundle base.
func (a Assets) Path(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(a.Base, name)
}

func (a Assets) WeightsPath() string { return a.Path(a.Manifest.Files.Weights) }

func (f Files) names() []string {
	var out []string
	for _, name := range []string{f.Config, f.Tokenizer, f.Weights} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
