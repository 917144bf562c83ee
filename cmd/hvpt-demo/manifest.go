package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// regionManifest is the YAML-driven replay input: a flat list of ranges to
// identity-map, in the order they should be applied.
type regionManifest struct {
	Arch    string         `yaml:"arch"`
	Regions []regionConfig `yaml:"regions"`
}

type regionConfig struct {
	Name  string `yaml:"name"`
	Begin uint64 `yaml:"begin"`
	End   uint64 `yaml:"end"`
	Mode  string `yaml:"mode"`
}

func loadManifest(path string) (*regionManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hvpt-demo: read manifest: %w", err)
	}

	var m regionManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("hvpt-demo: parse manifest: %w", err)
	}
	return &m, nil
}

// parseMode converts the manifest's letter-coded mode string ("RWX", "R",
// "RW", "D") into a pgtable.Mode bitset.
func parseMode(s string) (pgtable.Mode, error) {
	var m pgtable.Mode
	for _, c := range s {
		switch c {
		case 'R', 'r':
			m |= pgtable.ModeR
		case 'W', 'w':
			m |= pgtable.ModeW
		case 'X', 'x':
			m |= pgtable.ModeX
		case 'D', 'd':
			m |= pgtable.ModeD
		default:
			return 0, fmt.Errorf("hvpt-demo: unknown mode letter %q", c)
		}
	}
	return m, nil
}
