package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// secretPaths are never echoed back by GetPath.
var secretPaths = map[string]bool{
	"mobrule.api_key": true,
	"webhook.secret":  true,
}

// GetPath retrieves a value from the effective configuration using a
// dot-notation path such as "api.listen". Credentials are redacted.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	redactSecrets(m)

	return getValue(m, strings.Trim(path, "."))
}

func redactSecrets(m map[string]any) {
	for p := range secretPaths {
		section, key, _ := strings.Cut(p, ".")
		sub, ok := m[section].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := sub[key].(string); ok && v != "" {
			sub[key] = redacted
		}
	}
}

func getValue(m map[string]any, path string) (any, error) {
	if path == "" {
		return m, nil
	}
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node

	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}

		// Intermediate keys become mappings; the leaf is overwritten by the caller.
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, keyNode, valueNode)
		current = valueNode
	}

	return current, nil
}

// SetReport describes the outcome of SetPath.
type SetReport struct {
	Path     string
	Key      string
	Value    string
	Written  bool
	Relocked bool
}

// SetPath writes value at a dot-notation key in the config file at
// configPath, keeping comments and ordering of the rest of the document.
//
// The edited document must load and validate before anything is written. If
// the file was locked in .checksums the lock is refreshed so the next Load
// still verifies. A file that already fails verification is left alone.
func SetPath(configPath, key, value string, dryRun bool) (*SetReport, error) {
	key = strings.Trim(key, ".")
	if key == "" {
		return nil, fmt.Errorf("empty config key")
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	original, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(original, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("config file is not a YAML document")
	}

	target, err := findNode(doc.Content[0], key, true)
	if err != nil {
		return nil, fmt.Errorf("failed to navigate/create path %q: %w", key, err)
	}
	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	candidate, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, err
	}
	if err := validateCandidate(candidate); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	report := &SetReport{Path: absPath, Key: key, Value: value}
	if dryRun {
		return report, nil
	}

	mode := os.FileMode(0o600)
	if info, statErr := os.Stat(absPath); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(absPath, candidate, mode); err != nil {
		return nil, fmt.Errorf("failed to persist config change: %w", err)
	}
	report.Written = true

	if _, err := LoadChecksums(filepath.Dir(absPath)); err == nil {
		if _, err := Lock(absPath, false); err != nil {
			if restoreErr := os.WriteFile(absPath, original, mode); restoreErr != nil {
				return nil, fmt.Errorf("relock failed (%v) and rollback failed (%v)", err, restoreErr)
			}
			return nil, fmt.Errorf("relock failed: %w", err)
		}
		report.Relocked = true
	}
	return report, nil
}

// validateCandidate runs a document through the same pipeline as Load.
func validateCandidate(data []byte) error {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	merged := applyConfigDefaults(&cfg)
	applyEnvOverrides(merged)
	return validate(merged)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}
