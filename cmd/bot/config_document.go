package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// readConfigDocument returns the config file as JSON. YAML files are
// converted so every section, including the raw driver payloads, is parsed
// by the same JSON decoders.
func readConfigDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var document any
		if err := yaml.Unmarshal(data, &document); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
		converted, err := json.Marshal(document)
		if err != nil {
			return nil, fmt.Errorf("convert yaml config %s: %w", path, err)
		}
		return converted, nil
	default:
		return data, nil
	}
}
