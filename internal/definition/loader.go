// Package definition reads workflow definitions from YAML or JSON files.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// Format is the encoding of a definition payload.
type Format string

const (
	FormatAuto Format = ""
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// File pairs a parsed definition with its on-disk source.
type File struct {
	Definition schema.WorkflowDefinition
	Path       string
}

// Loader decodes definitions and runs the full validation pipeline on them.
// It is safe for concurrent use.
type Loader struct {
	raw      *validation.JSONSchemaValidator
	workflow *validation.WorkflowValidator
}

// NewLoader compiles the validators.
func NewLoader() (*Loader, error) {
	raw, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{raw: raw, workflow: wv}, nil
}

// Parse decodes data and validates the result. FormatAuto treats a payload
// starting with '{' as JSON and anything else as YAML.
func (l *Loader) Parse(data []byte, format Format) (*schema.WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition payload is empty")
	}
	if format == FormatAuto {
		format = sniff(trimmed)
	}

	var def schema.WorkflowDefinition
	switch format {
	case FormatJSON:
		// Unknown fields are only visible before unmarshalling.
		if err := l.raw.ValidateRaw(trimmed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown definition format %q", format)
	}

	if err := l.workflow.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate runs the validation pipeline on def and returns every issue,
// warnings included.
func (l *Loader) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return l.workflow.Validate(def)
}

// LoadFile reads and parses one definition, picking the format from the
// file extension.
func (l *Loader) LoadFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := l.Parse(data, formatOf(path))
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return File{Definition: *def, Path: filepath.Clean(path)}, nil
}

// LoadDir parses every definition file directly under dir, sorted by path.
// A missing directory yields no definitions. Two files declaring the same
// workflow ID are an error.
func (l *Loader) LoadDir(dir string) ([]File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || formatOf(entry.Name()) == FormatAuto {
			continue
		}
		f, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	seen := make(map[string]string, len(files))
	for _, f := range files {
		if prev, ok := seen[f.Definition.ID]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q defined in both %s and %s", f.Definition.ID, prev, f.Path)
		}
		seen[f.Definition.ID] = f.Path
	}
	return files, nil
}

func formatOf(name string) Format {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

func sniff(data []byte) Format {
	if data[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}
