package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaCreateThread  = "create_thread"
	schemaEditMetadata  = "edit_metadata"
	schemaCreateComment = "create_comment"
	schemaEditComment   = "edit_comment"
	schemaMarkRead      = "mark_read"
	schemaQuery         = "query"
)

type schemaSet struct {
	schemas map[string]*jsonschema.Schema
}

func loadSchemas() (*schemaSet, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		url := "mem:///" + entry.Name()
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}
	set := &schemaSet{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := compiler.Compile("mem:///" + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.schemas[strings.TrimSuffix(name, ".json")] = sch
	}
	return set, nil
}

// validate checks data against the named schema.
func (s *schemaSet) validate(name string, data []byte) error {
	sch, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: malformed json", ErrInvalidInput)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// decode validates data and then unmarshals it into out.
func (s *schemaSet) decode(name string, data []byte, out any) error {
	if err := s.validate(name, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
