// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Entity names a registered collection. Its value doubles as the remote
// collection name and is only ever bound as a query parameter.
type Entity string

func (e Entity) String() string { return string(e) }

type entitySpec struct {
	EntityConfig
	schema *jsonschema.Schema
}

type entityRegistry struct {
	specs map[Entity]*entitySpec
	order []Entity
}

func newEntityRegistry(cfgs []EntityConfig) (*entityRegistry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one entity must be configured")
	}
	r := &entityRegistry{specs: make(map[Entity]*entitySpec, len(cfgs))}
	compiler := jsonschema.NewCompiler()

	for _, cfg := range cfgs {
		if !lwwdocs.IsValidCollectionName(string(cfg.Name)) {
			return nil, fmt.Errorf("invalid entity name %q", cfg.Name)
		}
		if _, dup := r.specs[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", cfg.Name)
		}
		spec := &entitySpec{EntityConfig: cfg}

		if len(cfg.Schema) > 0 {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(cfg.Schema))
			if err != nil {
				return nil, fmt.Errorf("failed to parse schema for entity %s: %w", cfg.Name, err)
			}
			url := "https://go-lwwsync.local/entities/" + string(cfg.Name) + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("failed to add schema for entity %s: %w", cfg.Name, err)
			}
			spec.schema, err = compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("failed to compile schema for entity %s: %w", cfg.Name, err)
			}
		}

		r.specs[cfg.Name] = spec
		r.order = append(r.order, cfg.Name)
	}
	return r, nil
}

func (r *entityRegistry) lookup(e Entity) (*entitySpec, error) {
	spec, ok := r.specs[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, e)
	}
	return spec, nil
}

// synced returns sync-enabled entities in registration order.
func (r *entityRegistry) synced() []Entity {
	out := make([]Entity, 0, len(r.order))
	for _, e := range r.order {
		if r.specs[e].SyncEnabled {
			out = append(out, e)
		}
	}
	return out
}

func (r *entityRegistry) all() []Entity {
	return append([]Entity(nil), r.order...)
}

// validatePayload requires a JSON object and, when configured, schema conformance.
func (s *entitySpec) validatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: %s payload must be a JSON object", ErrInvalidPayload, s.Name)
	}
	if s.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, s.Name, err)
	}
	return nil
}
