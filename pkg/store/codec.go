// Package store provides durable ledger.Store backends: a JSON file and SQL databases.
package store

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

//go:embed entries.schema.json
var entriesSchema string

const entriesSchemaURL = "https://routeledger.schemas.local/entries.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(entriesSchemaURL, bytes.NewReader([]byte(entriesSchema))); err != nil {
		return nil, fmt.Errorf("ledger schema load failed: %w", err)
	}
	return c.Compile(entriesSchemaURL)
})

// DecodeEntries parses a persisted ledger document: a JSON array of {"data", "hash"} objects.
// Anything that is not a well-formed document, including an empty input, is ErrCorruptStorage.
// Integrity is not checked here; that is ledger.Verify's job.
func DecodeEntries(raw []byte) ([]ledger.Entry, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ledger.ErrCorruptStorage)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrCorruptStorage, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after ledger array", ledger.ErrCorruptStorage)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrCorruptStorage, err)
	}

	var entries []ledger.Entry
	typed := json.NewDecoder(bytes.NewReader(raw))
	typed.UseNumber()
	if err := typed.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrCorruptStorage, err)
	}
	return entries, nil
}

// EncodeEntries renders entries as the persisted document, indented by four spaces.
func EncodeEntries(entries []ledger.Entry) ([]byte, error) {
	if entries == nil {
		entries = []ledger.Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("failed to encode ledger: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(raw []byte) (ledger.DecisionRecord, error) {
	var rec ledger.DecisionRecord
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return ledger.DecisionRecord{}, fmt.Errorf("%w: %w", ledger.ErrCorruptStorage, err)
	}
	return rec, nil
}
