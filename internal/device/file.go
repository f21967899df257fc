package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/yanniks/ghome-fhem/internal/mapping"
)

// File is a devices file. It supplies mappings for devices that carry no
// homebridgeMapping attribute and overrides listing details.
type File struct {
	Devices []FileDevice `json:"devices" yaml:"devices" toml:"devices"`
}

// FileDevice is one devices file entry.
type FileDevice struct {
	// Name is the FHEM device name. Required.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Connection restricts the entry to one FHEM connection. Empty
	// matches every connection.
	Connection string `json:"connection,omitempty" yaml:"connection,omitempty" toml:"connection,omitempty"`

	Alias string `json:"alias,omitempty" yaml:"alias,omitempty" toml:"alias,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	Room  string `json:"room,omitempty" yaml:"room,omitempty" toml:"room,omitempty"`

	// Mappings are keyed by characteristic.
	Mappings map[string][]mapping.Rules `json:"mappings,omitempty" yaml:"mappings,omitempty" toml:"mappings,omitempty"`

	// HomebridgeMapping is applied over Mappings in the attribute text
	// syntax.
	HomebridgeMapping string `json:"homebridge_mapping,omitempty" yaml:"homebridge_mapping,omitempty" toml:"homebridge_mapping,omitempty"`
}

// LoadFile reads a devices file. The format follows the extension:
// .yaml/.yml, .toml or .json.
//
// Parameters:
//   - path: Path to the devices file
//
// Returns:
//   - *File: Parsed and validated file
//   - error: ErrUnsupportedFile, ErrInvalidFile or a read/decode error
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("reading devices file: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		_, err = toml.Decode(string(data), &f)
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing devices file %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that every entry is named and names are unique per
// connection.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrInvalidFile, i)
		}
		key := d.Connection + "/" + d.Name
		if seen[key] {
			return fmt.Errorf("%w: duplicate entry %s", ErrInvalidFile, key)
		}
		seen[key] = true
	}
	return nil
}

// Lookup returns the entry for a device on a connection. An entry bound to
// the connection wins over an unbound one.
func (f *File) Lookup(connection, name string) (FileDevice, bool) {
	if f == nil {
		return FileDevice{}, false
	}
	var fallback *FileDevice
	for i := range f.Devices {
		d := &f.Devices[i]
		if d.Name != name {
			continue
		}
		if d.Connection == connection {
			return *d, true
		}
		if d.Connection == "" {
			fallback = d
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return FileDevice{}, false
}

// Set builds a fresh, unprepared mapping set from the entry.
func (d FileDevice) Set(log Logger) (mapping.Set, error) {
	set := make(mapping.Set, len(d.Mappings))
	for characteristic, rules := range d.Mappings {
		for _, r := range rules {
			r.Characteristic = characteristic
			set[characteristic] = append(set[characteristic], mapping.New(r))
		}
	}
	if d.HomebridgeMapping == "" {
		return set, nil
	}
	return mapping.ParseHomebridge(d.HomebridgeMapping, set, log)
}
