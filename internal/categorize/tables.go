package categorize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed tables.json
var defaultTablesJSON string

//go:embed tables.schema.json
var tablesSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// parseTables validates raw JSON against the tables schema and decodes it.
func parseTables(raw []byte) (Tables, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return Tables{}, fmt.Errorf("decode tables JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return Tables{}, fmt.Errorf("load tables schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return Tables{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var tables Tables
	if err := json.Unmarshal(raw, &tables); err != nil {
		return Tables{}, fmt.Errorf("unmarshal tables: %w", err)
	}
	return tables, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("tables.schema.json", strings.NewReader(tablesSchemaJSON)); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("tables.schema.json")
	})
	return compiledSchema, compiledSchemaErr
}
