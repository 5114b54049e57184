// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// projection trims listing responses down to requested fields. Paths use
// the JSON names of the record, dotted for nesting, e.g.
// "id,deviceId,stats.maxSpeed".
type projection struct {
	fields []projectedField
}

type projectedField struct {
	path string
	expr *jmespath.JMESPath
}

func compileProjection(spec string) (*projection, error) {
	var project projection
	for _, raw := range strings.Split(spec, ",") {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		expr, err := jmespath.Compile(path)
		if err != nil {
			return nil, Error.New("fields: %q: %v", path, err)
		}
		project.fields = append(project.fields, projectedField{path: path, expr: expr})
	}
	if len(project.fields) == 0 {
		return nil, Error.New("fields must name at least one field")
	}
	return &project, nil
}

// Apply evaluates every projected path against the record and assembles
// the result under the same paths. Missing fields are left out rather
// than reported.
func (project *projection) Apply(record interface{}) (map[string]interface{}, error) {
	// round-trip through JSON so the paths see the wire names
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var doc interface{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, Error.Wrap(err)
	}

	out := make(map[string]interface{})
	for _, field := range project.fields {
		value, err := field.expr.Search(doc)
		if err != nil || value == nil {
			continue
		}
		place(out, strings.Split(field.path, "."), value)
	}
	return out, nil
}

func place(out map[string]interface{}, segments []string, value interface{}) {
	for len(segments) > 1 {
		child, ok := out[segments[0]].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			out[segments[0]] = child
		}
		out = child
		segments = segments[1:]
	}
	out[segments[0]] = value
}
