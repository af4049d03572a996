// Package canonical produces the deterministic byte encoding that content
// identifiers are computed over.
//
// The encoding is JSON with object keys sorted by UTF-16 code units, no
// insignificant whitespace, NFC-normalised object keys, string values kept
// byte for byte without HTML escaping, and a single textual form per number. Two values that are equal as data always
// encode to identical bytes regardless of map insertion order or numeric Go
// type.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

// Metadata is a string-keyed map of scalars, arrays and nested maps.
type Metadata map[string]any

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Metadata:
		return val.Clone()
	case map[string]any:
		return map[string]any(Metadata(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func invalid(path, format string, args ...any) error {
	return fault.New(fault.ValidationError, "canonicalize", "%s: %s", path, fmt.Sprintf(format, args...))
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return encodeFloat(buf, float64(val), path)
	case float64:
		return encodeFloat(buf, val, path)
	case json.Number:
		return encodeNumber(buf, val, path)
	case Metadata:
		return encodeObject(buf, val, path)
	case map[string]any:
		return encodeObject(buf, val, path)
	case []any:
		return encodeArray(buf, len(val), func(i int) any { return val[i] }, path)
	default:
		return encodeReflect(buf, v, path)
	}
	return nil
}

// encodeReflect handles typed slices and string-keyed maps such as []string
// or map[string]string.
func encodeReflect(buf *bytes.Buffer, v any, path string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encodeArray(buf, rv.Len(), func(i int) any { return rv.Index(i).Interface() }, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return invalid(path, "map keys must be strings, got %s", rv.Type().Key())
		}
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeObject(buf, obj, path)
	case reflect.Pointer:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, rv.Elem().Interface(), path)
	}
	return invalid(path, "unsupported type %T", v)
}

func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid(path, "non-finite number %v", f)
	}
	if f == math.Trunc(f) {
		// Integral values print without exponent at any magnitude so a
		// float64 and an integer of equal value share one encoding.
		if math.Abs(f) < 1<<63 {
			buf.WriteString(strconv.FormatInt(int64(f), 10))
		} else {
			i, _ := big.NewFloat(f).Int(nil)
			buf.WriteString(i.String())
		}
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		buf.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	if i, ok := new(big.Int).SetString(string(n), 10); ok {
		buf.WriteString(i.String())
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return invalid(path, "malformed number %q", string(n))
	}
	return encodeFloat(buf, f, path)
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func encodeArray(buf *bytes.Buffer, n int, at func(int) any, path string) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, at(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject[M ~map[string]any](buf *bytes.Buffer, obj M, path string) error {
	keys := make([]string, 0, len(obj))
	normalized := make(map[string]string, len(obj))
	for k := range obj {
		nk := norm.NFC.String(k)
		if prev, dup := normalized[nk]; dup {
			return invalid(path, "keys %q and %q are equal after normalisation", prev, k)
		}
		normalized[nk] = k
		keys = append(keys, nk)
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	buf.WriteByte('{')
	for i, nk := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, nk); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[normalized[nk]], path+"."+nk); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
