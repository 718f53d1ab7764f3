package ingest

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed notification.schema.json
var notificationSchemaJSON []byte

const notificationSchemaURL = "https://pallet-sync.local/schemas/notification.json"

// schemas holds the batch envelope and the per-item notification schema.
// An envelope failure rejects the request; an item failure drops that item.
type schemas struct {
	envelope *jsonschema.Schema
	item     *jsonschema.Schema
}

// compileSchemas compiles the embedded change-notification schema
func compileSchemas() (schemas, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(notificationSchemaJSON))
	if err != nil {
		return schemas{}, fmt.Errorf("parse notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(notificationSchemaURL, doc); err != nil {
		return schemas{}, fmt.Errorf("add notification schema: %w", err)
	}
	envelope, err := c.Compile(notificationSchemaURL)
	if err != nil {
		return schemas{}, fmt.Errorf("compile envelope schema: %w", err)
	}
	item, err := c.Compile(notificationSchemaURL + "#/$defs/notification")
	if err != nil {
		return schemas{}, fmt.Errorf("compile notification schema: %w", err)
	}
	return schemas{envelope: envelope, item: item}, nil
}

// validate checks raw against sch
func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return sch.Validate(inst)
}
