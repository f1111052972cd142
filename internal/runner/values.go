package runner

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Type tags reported for variables.
const (
	TypeNull     = "NULL"
	TypeBoolean  = "BOOLEAN"
	TypeNumber   = "NUMBER"
	TypeString   = "STRING"
	TypeList     = "LIST"
	TypeMap      = "MAP"
	TypeFunction = "FUNCTION"
	TypeFeature  = "FEATURE"
	TypeBytes    = "BYTES"
	TypeOther    = "OTHER"
)

// TypeOf classifies an exported variable value.
func TypeOf(v any) string {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	case []byte:
		return TypeBytes
	case *Feature:
		return TypeFeature
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Slice, reflect.Array:
		return TypeList
	case reflect.Map:
		return TypeMap
	case reflect.Func:
		return TypeFunction
	default:
		return TypeOther
	}
}

// Render formats a value for display. Containers render as compact JSON.
// An error means the value has no displayable form.
func Render(v any) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render %T: %v", v, r)
		}
	}()

	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []byte:
		return fmt.Sprintf("[%d bytes]", len(t)), nil
	case *Feature:
		return t.Path, nil
	}

	switch TypeOf(v) {
	case TypeNumber:
		return fmt.Sprint(v), nil
	case TypeList, TypeMap:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case TypeFunction:
		return "function", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
