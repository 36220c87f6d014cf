// Package xjson writes large structured HTTP responses in bounded chunks,
// flushing after each one, and guards against pathological input
// (unbounded nesting, runaway strings) before it ever reaches the encoder.
// The whole sanitized value is encoded in memory before the first chunk
// is written.
package xjson

import (
	"bytes"
	"encoding/json"
	"net/http"
	"reflect"
)

const (
	// DefaultChunkSize is how much encoded JSON is written per Write call.
	DefaultChunkSize = 64 << 10
	// DefaultMaxDepth bounds how deep nested maps/slices/structs are
	// walked before being replaced with a placeholder.
	DefaultMaxDepth = 20
	// DefaultMaxString truncates any string value longer than this many
	// characters.
	DefaultMaxString = 10_000
)

// Options tunes Stream's behavior. The zero value is not usable directly;
// use DefaultOptions().
type Options struct {
	ChunkSize int
	MaxDepth  int
	MaxString int
}

// DefaultOptions returns the baseline limits: 64KiB chunks, max-depth 20,
// strings truncated at 10000 characters.
func DefaultOptions() Options {
	return Options{ChunkSize: DefaultChunkSize, MaxDepth: DefaultMaxDepth, MaxString: DefaultMaxString}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxString <= 0 {
		o.MaxString = DefaultMaxString
	}
	return o
}

// Stream writes v to w as JSON, sanitized by Options. The encoded body is
// built in memory, then written in ChunkSize pieces with a flush after
// each one when w supports http.Flusher.
func Stream(w http.ResponseWriter, v any, opts Options) error {
	opts = opts.withDefaults()

	sanitized := sanitize(reflect.ValueOf(v), 0, opts)
	body, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	flusher, canFlush := w.(http.Flusher)

	for offset := 0; offset < len(body); offset += opts.ChunkSize {
		end := offset + opts.ChunkSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := w.Write(body[offset:end]); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
	}
	return nil
}

// Marshal runs the same sanitization Stream does but returns the encoded
// bytes directly, for callers that need the bounded JSON form without an
// HTTP response to stream it through.
func Marshal(v any, opts Options) ([]byte, error) {
	opts = opts.withDefaults()
	sanitized := sanitize(reflect.ValueOf(v), 0, opts)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(sanitized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

const depthPlaceholder = "...(max depth exceeded)"
const truncationSuffix = "...(truncated)"

// sanitize walks v, replacing anything past maxDepth with a placeholder
// and truncating over-long strings, returning a plain value tree
// encoding/json can marshal without further reflection on our part.
func sanitize(v reflect.Value, depth int, opts Options) any {
	if !v.IsValid() {
		return nil
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if depth > opts.MaxDepth {
		switch v.Kind() {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
			return depthPlaceholder
		}
	}

	switch v.Kind() {
	case reflect.String:
		s := v.String()
		if r := []rune(s); len(r) > opts.MaxString {
			return string(r[:opts.MaxString]) + truncationSuffix
		}
		return s

	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, key := range v.MapKeys() {
			out[stringifyKey(key)] = sanitize(v.MapIndex(key), depth+1, opts)
		}
		return out

	case reflect.Slice, reflect.Array:
		n := v.Len()
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = sanitize(v.Index(i), depth+1, opts)
		}
		return out

	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = sanitize(v.Field(i), depth+1, opts)
		}
		return out

	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	default:
		return nil
	}
}

func stringifyKey(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return ""
	}
	return string(b)
}
