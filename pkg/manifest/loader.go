// Package manifest loads agent definitions from YAML or JSON files into
// agent.AgentConfig values and keeps them current as the files change.
//
// A manifest file holds either a single agent at the top level or a list
// under "agents". Files in a manifests directory are loaded in name order.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ironsail-llc/robothor/pkg/agent"
)

// File is the on-disk shape of a manifest with several agents.
type File struct {
	Agents []agent.AgentConfig `json:"agents" yaml:"agents"`
}

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile reads the agents defined in one file.
func LoadFile(path string) ([]agent.AgentConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfgs []agent.AgentConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		cfgs, err = ParseJSON(data)
	case ".yaml", ".yml":
		cfgs, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s (supported: .json, .yaml, .yml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfgs, nil
}

// ParseYAML decodes a single agent or an "agents" list.
func ParseYAML(data []byte) ([]agent.AgentConfig, error) {
	var top map[string]any
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("failed to parse YAML manifest: %w", err)
	}
	if _, ok := top["agents"]; ok {
		var f File
		if err := decodeYAML(data, &f); err != nil {
			return nil, err
		}
		return f.Agents, nil
	}
	if len(top) == 0 {
		return nil, nil
	}
	var cfg agent.AgentConfig
	if err := decodeYAML(data, &cfg); err != nil {
		return nil, err
	}
	return []agent.AgentConfig{cfg}, nil
}

func decodeYAML(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to parse YAML manifest: %w", err)
	}
	return nil
}

// ParseJSON decodes a single agent or an "agents" list.
func ParseJSON(data []byte) ([]agent.AgentConfig, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("failed to parse JSON manifest: %w", err)
	}
	if raw, ok := top["agents"]; ok {
		var cfgs []agent.AgentConfig
		if err := json.Unmarshal(raw, &cfgs); err != nil {
			return nil, fmt.Errorf("failed to parse JSON manifest: %w", err)
		}
		return cfgs, nil
	}
	var cfg agent.AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON manifest: %w", err)
	}
	return []agent.AgentConfig{cfg}, nil
}

// LoadDir loads every manifest file in dir and validates the result as a
// whole. Files that fail to parse or validate are left out and reported in
// the joined error; the agents that did load are still returned.
func LoadDir(dir string) ([]agent.AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifests directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsManifest(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		out  []agent.AgentConfig
		errs []error
		seen = make(map[string]string)
	)
	for _, name := range names {
		cfgs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, cfg := range cfgs {
			cfg = ApplyDefaults(cfg)
			if err := Validate(cfg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if prev, dup := seen[cfg.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate agent ID %s (first defined in %s)", name, cfg.ID, prev))
				continue
			}
			seen[cfg.ID] = name
			out = append(out, cfg)
		}
	}
	if err := checkReferences(out); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// ValidateConfigs validates a list of configs, including duplicate ids and
// references between agents.
func ValidateConfigs(cfgs []agent.AgentConfig) error {
	seen := make(map[string]bool, len(cfgs))
	var errs []error
	for i, cfg := range cfgs {
		if err := Validate(cfg); err != nil {
			errs = append(errs, fmt.Errorf("agent config at index %d is invalid: %w", i, err))
			continue
		}
		if seen[cfg.ID] {
			errs = append(errs, fmt.Errorf("duplicate agent ID found: %s", cfg.ID))
		}
		seen[cfg.ID] = true
	}
	if err := checkReferences(cfgs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ApplyDefaults fills in fields a manifest may omit.
func ApplyDefaults(cfg agent.AgentConfig) agent.AgentConfig {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Delivery.Mode == "" {
		cfg.Delivery.Mode = agent.DeliveryAnnounce
	}
	return cfg
}

func checkReferences(cfgs []agent.AgentConfig) error {
	known := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		known[c.ID] = true
	}
	var errs []error
	for _, c := range cfgs {
		for _, d := range c.Downstream {
			if !known[d] {
				errs = append(errs, fmt.Errorf("agent %s: unknown downstream agent %s", c.ID, d))
			}
		}
		for _, p := range c.Warmup.PeerAgents {
			if !known[p] {
				errs = append(errs, fmt.Errorf("agent %s: unknown warm-up peer %s", c.ID, p))
			}
		}
	}
	return errors.Join(errs...)
}
