package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"gopkg.in/yaml.v3"
)

// YAMLLoader reads pipelines written as a YAML `tasks` list.
type YAMLLoader struct{}

// NewYAMLLoader creates a new YAML configuration loader.
func NewYAMLLoader() *YAMLLoader {
	return &YAMLLoader{}
}

type yamlRoot struct {
	Tasks []*TaskSpec `yaml:"tasks"`
}

// Load parses path. Unknown fields are rejected so typos surface at startup.
func (l *YAMLLoader) Load(ctx context.Context, path string) ([]*TaskSpec, error) {
	ctxlog.FromContext(ctx).Debug("YAML loader started.", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var root yamlRoot
	if err := dec.Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to decode YAML file %s: %w", ErrInvalid, path, err)
	}
	return root.Tasks, nil
}
