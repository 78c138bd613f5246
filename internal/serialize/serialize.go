// Package serialize converts arbitrary nested estimator output into a
// JSON-safe tree: panels become ordered row-mappings, NaN and infinities
// become nulls, structs flatten to maps by json tag. Sanitize is pure,
// total and idempotent; Verify enforces the boundary invariant.
package serialize

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"portimpact/domain/core"
	"portimpact/domain/panel"
)

// Sanitize maps any value to a JSON-safe equivalent.
func Sanitize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case *panel.Panel:
		if x == nil {
			return nil
		}
		return sanitizePanel(x)
	case panel.Panel:
		return sanitizePanel(&x)
	case core.NullFloat:
		if !x.Valid || math.IsNaN(x.Value) || math.IsInf(x.Value, 0) {
			return nil
		}
		return x.Value
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case bool:
		return x
	case string:
		return x
	case int:
		return x
	case int8, int16, int32, int64:
		return int(reflect.ValueOf(x).Int())
	case uint, uint8, uint16, uint32, uint64:
		return int(reflect.ValueOf(x).Uint())
	case time.Time:
		return x.Format(time.RFC3339)
	case core.Timestamp:
		return x.Time().Format(time.RFC3339)
	case error:
		return x.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Sanitize(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = Sanitize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Sanitize(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		return sanitizeStruct(rv)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(rv.Uint())
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	default:
		return v
	}
}

func sanitizePanel(p *panel.Panel) []interface{} {
	rows := p.Rows()
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		m := make(map[string]interface{}, len(r.Values)+3)
		m[panel.ColUnitID] = r.UnitID
		m[panel.ColTimePeriod] = r.TimePeriod
		if r.Region != "" {
			m[panel.ColRegion] = r.Region
		}
		for name, v := range r.Values {
			m[name] = Sanitize(v)
		}
		out[i] = m
	}
	return out
}

func sanitizeStruct(rv reflect.Value) map[string]interface{} {
	t := rv.Type()
	out := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		name, omitEmpty := jsonName(field)
		if name == "-" {
			continue
		}
		fv := rv.Field(i)
		if field.Anonymous && field.Tag.Get("json") == "" {
			// Embedded fields flatten into the parent, as encoding/json does.
			if inner, ok := Sanitize(fv.Interface()).(map[string]interface{}); ok {
				for k, v := range inner {
					out[k] = v
				}
			}
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = Sanitize(fv.Interface())
	}
	return out
}

func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = field.Name
	}
	omitEmpty := false
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty
}

// Verify walks an already-sanitized tree and reports any NaN, infinity or
// panel value that survived. A non-nil error means the sanitizer has a
// gap, not that the input was invalid.
func Verify(v interface{}) error {
	return verify(v, "$")
}

func verify(v interface{}, path string) error {
	switch x := v.(type) {
	case nil, bool, string, int:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("non-finite float at %s", path)
		}
		return nil
	case *panel.Panel, panel.Panel:
		return fmt.Errorf("tabular value at %s", path)
	case map[string]interface{}:
		for k, val := range x {
			if err := verify(val, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for i, val := range x {
			if err := verify(val, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected %T at %s", v, path)
	}
}
