package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VariantPreset is one entry of the variant catalog. MaxDimension 0 means the
// original bytes are kept unresized.
type VariantPreset struct {
	Name         string `yaml:"name"`
	MaxDimension int    `yaml:"max_dimension"`
}

// catalogFile is the on-disk layout of VARIANT_CATALOG_FILE:
//
//	variants:
//	  - name: original
//	  - name: 256px
//	    max_dimension: 256
type catalogFile struct {
	Variants []VariantPreset `yaml:"variants"`
}

// DefaultCatalog returns the built-in catalog: original plus three resize tiers.
func DefaultCatalog() []VariantPreset {
	return []VariantPreset{
		{Name: "original"},
		{Name: "256px", MaxDimension: 256},
		{Name: "512px", MaxDimension: 512},
		{Name: "1024px", MaxDimension: 1024},
	}
}

// Catalog returns the configured variant catalog, reading CatalogFile when set.
func (c *VariantsConfig) Catalog() ([]VariantPreset, error) {
	if c.CatalogFile == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalog(c.CatalogFile)
}

// LoadCatalog reads and validates a YAML variant catalog.
func LoadCatalog(path string) ([]VariantPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML variant catalog.
func ParseCatalog(data []byte) ([]VariantPreset, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := ValidateCatalog(f.Variants); err != nil {
		return nil, err
	}
	return f.Variants, nil
}

// ValidateCatalog checks names are non-empty and unique and sizes non-negative.
func ValidateCatalog(presets []VariantPreset) error {
	if len(presets) == 0 {
		return fmt.Errorf("variant catalog is empty")
	}

	var errs []string
	seen := make(map[string]bool, len(presets))
	for i, p := range presets {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("variant %d has no name", i))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("variant %q is listed twice", name))
		}
		seen[name] = true
		if p.MaxDimension < 0 {
			errs = append(errs, fmt.Sprintf("variant %q has negative max_dimension", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid variant catalog:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
