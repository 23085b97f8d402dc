package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindUndefined is the zero Value: the field was absent.
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is an opaque JSON payload carried by a manifest (request bodies,
// response fragments). It is a tagged union: exactly one variant is live,
// selected by Kind. Numbers keep their JSON lexeme so re-encoding is lossless.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a JSON number lexeme. The lexeme is not validated here;
// MarshalJSON rejects invalid ones.
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Int wraps an integer.
func Int(i int64) Value { return Number(json.Number(strconv.FormatInt(i, 10))) }

// Float wraps a finite float.
func Float(f float64) Value {
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64)))
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array wraps an ordered sequence.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Object wraps a string-keyed map.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// Kind reports the live variant.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is undefined; used by the omitzero struct tag.
func (v Value) IsZero() bool { return v.kind == KindUndefined }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean variant.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number variant.
func (v Value) AsNumber() (json.Number, bool) { return v.num, v.kind == KindNumber }

// AsString returns the string variant.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// Items returns the array variant. The slice is shared, not copied.
func (v Value) Items() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Fields returns the object variant. The map is shared, not copied.
func (v Value) Fields() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Get returns an object member.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Path walks a sequence of object keys, as described by a response body.json path.
// Array elements are addressed by decimal index.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		switch cur.kind {
		case KindObject:
			next, ok := cur.obj[k]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Equal reports deep equality, including the variant. Numbers compare by lexeme.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, fv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Export converts v into plain Go values: nil, bool, int64 or float64,
// string, []any, map[string]any. Undefined and null both export as nil.
func (v Value) Export() any {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		if i, err := v.num.Int64(); err == nil {
			return i
		}
		if f, err := v.num.Float64(); err == nil {
			return f
		}
		return v.num.String()
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Export()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Export()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts a plain Go value into a Value. Anything encoding/json can
// marshal is accepted.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("manifest: non-finite number %v", t)
		}
		return Float(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			cv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			cv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = cv
		}
		return Object(fields), nil
	}

	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("manifest: cannot convert %T: %w", x, err)
	}
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler. Undefined encodes as null; struct
// fields holding an undefined Value are dropped via omitzero.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindUndefined, KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if !isNumberLiteral(string(v.num)) {
			return fmt.Errorf("manifest: invalid number literal %q", string(v.num))
		}
		buf.WriteString(string(v.num))
	case KindString:
		b, err := Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("manifest: cannot encode value of kind %s", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Duplicate object keys resolve to
// the last occurrence.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	parsed, err := decodeValue(dec)
	if err != nil {
		return fmt.Errorf("manifest: decode value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("manifest: decode value: trailing data")
	}
	*v = parsed
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Array(items...), nil
		case '{':
			fields := map[string]Value{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", keyTok)
				}
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields[key] = item
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Object(fields), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func isNumberLiteral(s string) bool {
	if s == "" {
		return false
	}
	if c := s[0]; c != '-' && (c < '0' || c > '9') {
		return false
	}
	return json.Valid([]byte(s))
}
