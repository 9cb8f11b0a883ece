package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoNet Configuration File
#
# Environment variables override scalar settings of this file, using the
# DITTONET_ prefix and underscores (e.g. DITTONET_LOGGING_LEVEL=DEBUG).
`

// sectionComments are written above the top-level keys of generated files.
var sectionComments = map[string]string{
	"logging":   "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, path)",
	"server":    "Server-wide settings: graceful shutdown timeout and the Prometheus metrics server",
	"keystores": "Certificate sources shared by all endpoints (types: file, s3, badger)",
	"endpoints": "Listening sockets. backend is one of nio, native, async; max_connections -1 disables the limit",
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each section. Durations are written in their string form ("20s").
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	formatDurations(&doc, reflect.ValueOf(cfg))

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if c, ok := sectionComments[key.Value]; ok {
			key.HeadComment = c
		}
	}

	var b strings.Builder
	b.WriteString(configHeader)
	b.WriteString("\n")
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return b.String(), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// formatDurations walks node alongside v and rewrites duration scalars,
// which yaml encodes as nanoseconds, as duration strings.
func formatDurations(node *yaml.Node, v reflect.Value) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	switch {
	case v.Type() == durationType:
		if node.Kind == yaml.ScalarNode {
			node.Value = time.Duration(v.Int()).String()
			node.Tag = "!!str"
		}
	case v.Kind() == reflect.Struct && node.Kind == yaml.MappingNode:
		formatStruct(node, v)
	case v.Kind() == reflect.Slice && node.Kind == yaml.SequenceNode:
		for i := 0; i < v.Len() && i < len(node.Content); i++ {
			formatDurations(node.Content[i], v.Index(i))
		}
	}
}

func formatStruct(node *yaml.Node, v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if strings.Contains(opts, "inline") {
			if f.Type.Kind() == reflect.Struct {
				formatStruct(node, v.Field(i))
			}
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		if value := mappingValue(node, name); value != nil {
			formatDurations(value, v.Field(i))
		}
	}
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
