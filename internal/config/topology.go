package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TopologyFileName is the name of the room description inside a recording
// directory.
const TopologyFileName = "room.json"

// Topology describes the room extent and the stations deployed in it.
// Dimensions and positions are in centimetres.
type Topology struct {
	Width    float64         `json:"width" yaml:"width"`
	Height   float64         `json:"height" yaml:"height"`
	Stations []StationConfig `json:"stations" yaml:"stations"`
}

// StationConfig is one station entry of room.json.
type StationConfig struct {
	HWAddress string           `json:"hw_address" yaml:"hw_address"`
	Address   string           `json:"address" yaml:"address"` // host[:port] or a serial device path
	Name      string           `json:"name,omitempty" yaml:"name,omitempty"`
	DataType  string           `json:"data_type" yaml:"data_type"`
	Position  PositionConfig   `json:"position" yaml:"position"`
	Estimator *EstimatorConfig `json:"estimator,omitempty" yaml:"estimator,omitempty"`
}

// PositionConfig is a point in room coordinates.
type PositionConfig struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// EstimatorConfig selects and parameterises the RSSI to distance model.
// Type is "log_distance" (uses RefRSSI and PathLossExponent) or
// "interpolation" (uses Table, RSSI in dBm against distance in cm).
type EstimatorConfig struct {
	Type             string       `json:"type" yaml:"type"`
	RefRSSI          *float64     `json:"ref_rssi,omitempty" yaml:"ref_rssi,omitempty"`
	PathLossExponent *float64     `json:"path_loss_exponent,omitempty" yaml:"path_loss_exponent,omitempty"`
	Table            [][2]float64 `json:"table,omitempty" yaml:"table,omitempty"`
}

// LoadTopology reads and validates a room description. A directory path is
// resolved to the room.json inside it; files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON.
func LoadTopology(path string) (*Topology, error) {
	cleanPath := filepath.Clean(path)
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		cleanPath = filepath.Join(cleanPath, TopologyFileName)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	var topo Topology
	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &topo); err != nil {
			return nil, fmt.Errorf("failed to parse topology YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &topo); err != nil {
			return nil, fmt.Errorf("failed to parse topology JSON: %w", err)
		}
	}
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology %s: %w", cleanPath, err)
	}
	return &topo, nil
}

// SaveTopology writes the topology as indented JSON.
func SaveTopology(path string, topo *Topology) error {
	data, err := json.MarshalIndent(topo, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write topology: %w", err)
	}
	return nil
}

// Validate checks the room extent and that hardware addresses are unique.
func (t *Topology) Validate() error {
	if t.Width < 0 || t.Height < 0 {
		return fmt.Errorf("room extent must not be negative, got %fx%f", t.Width, t.Height)
	}
	seen := make(map[string]bool, len(t.Stations))
	for i, s := range t.Stations {
		hw := strings.ToLower(s.HWAddress)
		if hw == "" {
			return fmt.Errorf("station %d: hw_address is required", i)
		}
		if _, err := net.ParseMAC(hw); err != nil {
			return fmt.Errorf("station %d: invalid hw_address %q: %w", i, s.HWAddress, err)
		}
		if seen[hw] {
			return fmt.Errorf("station %d: duplicate hw_address %q", i, s.HWAddress)
		}
		seen[hw] = true
		if s.DataType == "" {
			return fmt.Errorf("station %s: data_type is required", s.HWAddress)
		}
		if s.Estimator != nil {
			switch s.Estimator.Type {
			case "log_distance":
			case "interpolation":
				if len(s.Estimator.Table) < 2 {
					return fmt.Errorf("station %s: interpolation table needs at least 2 points", s.HWAddress)
				}
			default:
				return fmt.Errorf("station %s: unknown estimator type %q", s.HWAddress, s.Estimator.Type)
			}
		}
	}
	return nil
}

// Station returns the entry for hwAddress, matching case-insensitively.
func (t *Topology) Station(hwAddress string) (StationConfig, bool) {
	for _, s := range t.Stations {
		if strings.EqualFold(s.HWAddress, hwAddress) {
			return s, true
		}
	}
	return StationConfig{}, false
}
