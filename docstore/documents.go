package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/forgeit/jsoncmp"
)

// ErrNotFound is returned by Fetch for a missing document.
var ErrNotFound = errors.New("docstore: document not found")

// Documents is the test-facing document store facade.
type Documents struct {
	store Store
}

// NewDocuments wraps store.
func NewDocuments(store Store) *Documents {
	return &Documents{store: store}
}

// Store returns the backend.
func (d *Documents) Store() Store { return d.store }

// Create stores v, JSON encoded, as collection/id.
func (d *Documents) Create(ctx context.Context, collection, id string, v any) error {
	doc, err := toDoc(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	return d.store.Put(ctx, collection, id, doc)
}

// Fetch decodes collection/id into target.
func (d *Documents) Fetch(ctx context.Context, collection, id string, target any) error {
	doc, err := d.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("docstore: decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// All returns every document of collection with its id in IDField.
func (d *Documents) All(ctx context.Context, collection string) ([]map[string]any, error) {
	return d.store.List(ctx, collection)
}

// ExpectJSON compares collection/id with expected, ignoring jq paths.
func (d *Documents) ExpectJSON(ctx context.Context, collection, id string, expected any, ignore ...string) error {
	doc, err := d.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err := jsoncmp.Compare(expected, doc, ignore...); err != nil {
		return fmt.Errorf("docstore: %s/%s: %w", collection, id, err)
	}
	return nil
}

// Clean removes every document.
func (d *Documents) Clean(ctx context.Context) error {
	return d.store.Drop(ctx)
}

func toDoc(v any) (map[string]any, error) {
	if doc, ok := v.(map[string]any); ok {
		return doc, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return doc, nil
}
