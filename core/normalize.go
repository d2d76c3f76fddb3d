package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Usage payloads arrive from vendor SDK response objects, which may carry
// self-referential attributes, dynamically generated members or test doubles.
// Normalization reduces every value to plain JSON with bounded depth and
// cycle detection so serialization can never recurse without limit.

const (
	maxNormalizeDepth = 10

	// CycleMarker replaces a value whose traversal revisits an object
	CycleMarker = "<cycle>"

	// DepthMarker replaces values nested beyond maxNormalizeDepth
	DepthMarker = "<max depth>"
)

// UsageSerializer converts a vendor-specific value into a plain JSON value.
// Returning ok=false defers to the built-in fallback chain.
type UsageSerializer func(v interface{}) (interface{}, bool)

var (
	serializerMu sync.RWMutex
	serializers  []UsageSerializer
)

// RegisterUsageSerializer installs a serializer consulted before the built-in
// fallbacks when a usage value is not already plain JSON. Serializers run in
// registration order; the first to return ok wins.
func RegisterUsageSerializer(s UsageSerializer) {
	serializerMu.Lock()
	defer serializerMu.Unlock()
	serializers = append(serializers, s)
}

func runSerializers(v interface{}) (interface{}, bool) {
	serializerMu.RLock()
	defer serializerMu.RUnlock()
	for _, s := range serializers {
		if out, ok := s(v); ok {
			return out, true
		}
	}
	return nil, false
}

func normalizeMap(m map[string]interface{}, depth int, seen map[uintptr]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v, depth+1, seen)
	}
	return out
}

func normalizeValue(v interface{}, depth int, seen map[uintptr]bool) interface{} {
	if v == nil {
		return nil
	}
	if depth > maxNormalizeDepth {
		return DepthMarker
	}

	switch t := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	case map[string]interface{}:
		if marked, release := markVisited(t, seen); !marked {
			return CycleMarker
		} else {
			defer release()
		}
		return normalizeMap(t, depth, seen)
	case []interface{}:
		if marked, release := markVisited(t, seen); !marked {
			return CycleMarker
		} else {
			defer release()
		}
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e, depth+1, seen)
		}
		return out
	}

	if out, ok := runSerializers(v); ok {
		return normalizeValue(out, depth, seen)
	}

	if isMockObject(v) {
		return map[string]interface{}{}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			if marked, release := markPtr(rv.Pointer(), seen); !marked {
				return CycleMarker
			} else {
				defer release()
			}
		}
		return normalizeValue(rv.Elem().Interface(), depth, seen)
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = normalizeValue(iter.Value().Interface(), depth+1, seen)
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface(), depth+1, seen)
		}
		return out
	case reflect.Struct:
		return normalizeStruct(rv, depth, seen)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", rv.Kind())
	}

	// String coercion as last resort
	return fmt.Sprintf("%v", v)
}

// normalizeStruct copies exported scalar and nested fields of a struct,
// honoring json tags the way encoding/json would.
func normalizeStruct(rv reflect.Value, depth int, seen map[uintptr]bool) map[string]interface{} {
	rt := rv.Type()
	out := make(map[string]interface{})
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		out[name] = normalizeValue(rv.Field(i).Interface(), depth+1, seen)
	}
	return out
}

// isMockObject detects test doubles that advertise unbounded dynamic
// attribute access. Walking such objects field by field is unsafe, so they
// serialize as empty objects.
func isMockObject(v interface{}) bool {
	rt := reflect.TypeOf(v)
	if rt == nil {
		return false
	}
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	name := rt.Name()
	pkg := rt.PkgPath()
	if strings.HasPrefix(name, "Mock") || strings.HasSuffix(name, "Mock") {
		return true
	}
	if strings.Contains(pkg, "/mocks") || strings.HasSuffix(pkg, "/mock") || strings.Contains(pkg, "gomock") {
		return true
	}
	// testify-style mocks embed a Called/On surface
	type caller interface {
		Called(args ...interface{}) interface{}
	}
	if _, ok := v.(caller); ok {
		return true
	}
	return false
}

func markVisited(v interface{}, seen map[uintptr]bool) (bool, func()) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() || rv.Len() == 0 {
			return true, func() {}
		}
		return markPtr(rv.Pointer(), seen)
	}
	return true, func() {}
}

func markPtr(p uintptr, seen map[uintptr]bool) (bool, func()) {
	if seen[p] {
		return false, nil
	}
	seen[p] = true
	return true, func() { delete(seen, p) }
}
