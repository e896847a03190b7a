package gateway

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.orbital.local/gateway/"

const (
	schemaSpaceXCollection   = "spacex-collection.json"
	schemaSpaceXDocument     = "spacex-document.json"
	schemaTechPortCollection = "techport-collection.json"
	schemaTechPortProject    = "techport-project.json"
)

var loadSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
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
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}
	compiled := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = sch
	}
	return compiled, nil
})

// validatePayload checks body against a named envelope schema. Any failure,
// including unparseable JSON, is reported as a MalformedError.
func validatePayload(source, schemaName string, body []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s is not registered", schemaName)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return newMalformedError(source, body, "invalid json: "+err.Error())
	}
	if err := sch.Validate(inst); err != nil {
		return newMalformedError(source, body, "unexpected shape: "+err.Error())
	}
	return nil
}
