package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// ManifestFile is the optional TOML override for the worker configuration.
//
//	version = "v3"
//	manifest = ["/", "/agenda"]
//
//	[rules]
//	api_patterns = ["/rest/v1/"]
type ManifestFile struct {
	Version  string    `toml:"version"`
	Prefix   string    `toml:"prefix"`
	Manifest []string  `toml:"manifest"`
	Rules    FileRules `toml:"rules"`
}

// FileRules mirrors Rules in the manifest file.
type FileRules struct {
	APIPatterns      []string `toml:"api_patterns"`
	ImageExtensions  []string `toml:"image_extensions"`
	StaticExtensions []string `toml:"static_extensions"`
}

// LoadManifestFile reads and parses a manifest file.
func LoadManifestFile(path string) (*ManifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest file contents.
func ParseManifest(data []byte) (*ManifestFile, error) {
	var file ManifestFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse manifest file: %w", err)
	}
	return &file, nil
}

// Apply overrides the fields of w that are set in the file.
func (f *ManifestFile) Apply(w Worker) Worker {
	if f.Version != "" {
		w.Version = f.Version
	}
	if f.Prefix != "" {
		w.Prefix = f.Prefix
	}
	if len(f.Manifest) > 0 {
		w.Manifest = append([]string(nil), f.Manifest...)
	}
	if len(f.Rules.APIPatterns) > 0 {
		w.Rules.APIPatterns = append([]string(nil), f.Rules.APIPatterns...)
	}
	if len(f.Rules.ImageExtensions) > 0 {
		w.Rules.ImageExtensions = append([]string(nil), f.Rules.ImageExtensions...)
	}
	if len(f.Rules.StaticExtensions) > 0 {
		w.Rules.StaticExtensions = append([]string(nil), f.Rules.StaticExtensions...)
	}
	return w
}
