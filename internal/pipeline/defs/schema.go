package defs

import (
	"embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type docKind string

const (
	kindChunk    docKind = "chunk"
	kindPipeline docKind = "pipeline"
	kindConfig   docKind = "config"
)

var (
	schemaOnce sync.Once
	schemas    map[docKind]*gojsonschema.Schema
	schemaErr  error
)

func compiledSchemas() (map[docKind]*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemas = map[docKind]*gojsonschema.Schema{}
		for _, k := range []docKind{kindChunk, kindPipeline, kindConfig} {
			raw, err := schemaFS.ReadFile("schemas/" + string(k) + ".schema.json")
			if err != nil {
				schemaErr = err
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", k, err)
				return
			}
			schemas[k] = s
		}
	})
	return schemas, schemaErr
}

// validateDoc returns the schema violations of raw; nil means valid.
func validateDoc(kind docKind, raw []byte) ([]string, error) {
	all, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	result, err := all[kind].Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", kind, err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
