package core

import (
	"path"
	"sort"
)

// FieldType constrains a usage field's JSON type
type FieldType string

const (
	FieldNumber FieldType = "number"
	FieldString FieldType = "string"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// FieldSpec describes one usage field within a schema
type FieldSpec struct {
	Type     FieldType
	Required bool
}

// UsageSchema validates the shape of a usage payload for matching service
// keys. Fields absent from the schema are treated as extra unless
// AllowExtra is set.
type UsageSchema struct {
	Fields     map[string]FieldSpec
	AllowExtra bool
}

// SchemaSet maps service-key patterns to schemas. Patterns use path.Match
// syntax ("openai::*" matches every OpenAI service key); an exact key match
// wins over a pattern match. An empty set validates nothing.
type SchemaSet map[string]UsageSchema

// SchemaFor returns the schema governing serviceKey, if any
func (ss SchemaSet) SchemaFor(serviceKey string) (UsageSchema, bool) {
	if s, ok := ss[serviceKey]; ok {
		return s, true
	}
	// Deterministic pattern scan: sorted so overlapping patterns resolve
	// the same way on every call.
	patterns := make([]string, 0, len(ss))
	for p := range ss {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if ok, err := path.Match(p, serviceKey); err == nil && ok {
			return ss[p], true
		}
	}
	return UsageSchema{}, false
}

// Validate checks usage against the schema. A nil return means the payload
// conforms; otherwise the error carries the full missing/extra/type lists.
func (s UsageSchema) Validate(serviceKey string, usage map[string]interface{}) error {
	verr := &ValidationError{ServiceKey: serviceKey}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := s.Fields[name]
		v, present := usage[name]
		if !present {
			if spec.Required {
				verr.Missing = append(verr.Missing, name)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			verr.TypeErrors = append(verr.TypeErrors, name)
		}
	}

	if !s.AllowExtra {
		extras := make([]string, 0)
		for name := range usage {
			if _, ok := s.Fields[name]; !ok {
				extras = append(extras, name)
			}
		}
		sort.Strings(extras)
		verr.Extra = extras
	}

	if len(verr.Missing) == 0 && len(verr.Extra) == 0 && len(verr.TypeErrors) == 0 {
		return nil
	}
	return verr
}

func typeMatches(ft FieldType, v interface{}) bool {
	if v == nil {
		return ft == FieldAny
	}
	switch ft {
	case FieldAny:
		return true
	case FieldNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case FieldArray:
		switch v.(type) {
		case []interface{}:
			return true
		}
		return false
	}
	return false
}
