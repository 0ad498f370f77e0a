package resolver

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voicekeep/internal/domain"
)

// QuirkTableVersion is the only table format this build understands.
const QuirkTableVersion = 1

// QuirkEntry lists a vendor whose OS suspends silent background playback
// from MinOSVersion onwards (up to MaxOSVersion when non-zero).
type QuirkEntry struct {
	Vendor       string `yaml:"vendor"`
	MinOSVersion int    `yaml:"minOSVersion"`
	MaxOSVersion int    `yaml:"maxOSVersion,omitempty"`
	Note         string `yaml:"note,omitempty"`
}

// QuirkTable is the device allowlist that forces fake capture.
type QuirkTable struct {
	Version int          `yaml:"version"`
	Entries []QuirkEntry `yaml:"entries"`
}

// DefaultQuirkTable returns the built-in allowlist.
func DefaultQuirkTable() *QuirkTable {
	return &QuirkTable{
		Version: QuirkTableVersion,
		Entries: []QuirkEntry{
			{Vendor: "xiaomi", MinOSVersion: 31, Note: "MIUI/HyperOS freezes muted AudioTrack in background"},
			{Vendor: "redmi", MinOSVersion: 31},
			{Vendor: "poco", MinOSVersion: 31},
			{Vendor: "huawei", MinOSVersion: 29, Note: "PowerGenie kills silent playback"},
			{Vendor: "honor", MinOSVersion: 29},
			{Vendor: "oppo", MinOSVersion: 31},
			{Vendor: "realme", MinOSVersion: 31},
			{Vendor: "oneplus", MinOSVersion: 31},
			{Vendor: "vivo", MinOSVersion: 31},
		},
	}
}

// Affects reports whether the device matches any entry. A nil table matches nothing.
func (t *QuirkTable) Affects(device domain.DeviceProfile) bool {
	if t == nil {
		return false
	}
	vendor := device.NormalizedVendor()
	if vendor == "" {
		return false
	}
	for _, entry := range t.Entries {
		if strings.ToLower(strings.TrimSpace(entry.Vendor)) != vendor {
			continue
		}
		if device.OSVersion < entry.MinOSVersion {
			continue
		}
		if entry.MaxOSVersion > 0 && device.OSVersion > entry.MaxOSVersion {
			continue
		}
		return true
	}
	return false
}

// LoadQuirkTable reads a YAML allowlist. An empty path or a missing file
// yields the built-in table.
func LoadQuirkTable(path string) (*QuirkTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultQuirkTable(), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultQuirkTable(), nil
		}
		return nil, fmt.Errorf("failed to read quirk table %q: %w", path, err)
	}

	table, err := ParseQuirkTable(contents)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quirk table %q: %w", path, err)
	}
	return table, nil
}

// ParseQuirkTable decodes and validates a YAML allowlist.
func ParseQuirkTable(contents []byte) (*QuirkTable, error) {
	var table QuirkTable
	if err := yaml.Unmarshal(contents, &table); err != nil {
		return nil, err
	}
	if table.Version != QuirkTableVersion {
		return nil, fmt.Errorf("unsupported table version %d", table.Version)
	}
	for index, entry := range table.Entries {
		if strings.TrimSpace(entry.Vendor) == "" {
			return nil, fmt.Errorf("entry %d: vendor cannot be empty", index+1)
		}
		if entry.MinOSVersion < 0 {
			return nil, fmt.Errorf("entry %d: minOSVersion cannot be negative", index+1)
		}
		if entry.MaxOSVersion > 0 && entry.MaxOSVersion < entry.MinOSVersion {
			return nil, fmt.Errorf("entry %d: maxOSVersion below minOSVersion", index+1)
		}
	}
	return &table, nil
}
