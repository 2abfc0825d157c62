// Package jsonpath reads values out of response bodies. Paths are either
// JSONPath-style ($.challenges[0].goalId) or native gjson syntax, which
// additionally supports queries such as challenges.#(challengeId=="daily").
package jsonpath

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrEmptyDocument is returned for an empty body.
	ErrEmptyDocument = errors.New("empty JSON document")
	// ErrPathNotFound is returned when a path selects nothing.
	ErrPathNotFound = errors.New("path not found")
)

// Lookup resolves path against doc.
func Lookup(doc []byte, path string) (gjson.Result, error) {
	if len(doc) == 0 {
		return gjson.Result{}, ErrEmptyDocument
	}
	if path == "" {
		return gjson.Result{}, errors.New("empty path")
	}
	res := gjson.GetBytes(doc, ToGjson(path))
	if !res.Exists() {
		return res, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return res, nil
}

// Extract returns the value at path as a string. JSON null is "null";
// objects and arrays are returned as raw JSON.
func Extract(doc []byte, path string) (string, error) {
	res, err := Lookup(doc, path)
	if err != nil {
		return "", err
	}
	if res.Type == gjson.Null {
		return "null", nil
	}
	return res.String(), nil
}

// ExtractAll extracts every named path. Values that resolve are returned
// even when others fail; the error joins every failure.
func ExtractAll(doc []byte, paths map[string]string) (map[string]string, error) {
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	results := make(map[string]string, len(paths))
	var errs []error
	for name, path := range paths {
		v, err := Extract(doc, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		results[name] = v
	}
	return results, errors.Join(errs...)
}

// Exists reports whether path selects a value.
func Exists(doc []byte, path string) bool {
	_, err := Lookup(doc, path)
	return err == nil
}

// Count returns the length of the array at path, 1 for a scalar or object,
// and 0 when nothing is selected.
func Count(doc []byte, path string) int {
	res, err := Lookup(doc, path)
	if err != nil {
		return 0
	}
	if res.IsArray() {
		return len(res.Array())
	}
	return 1
}

// ToGjson converts a JSONPath-style expression to gjson syntax. Paths that
// do not start with "$" are taken to be gjson already.
func ToGjson(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return "@this"
	}

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				b.WriteString(path[i:])
				return b.String()
			}
			key := strings.Trim(path[i+1:i+end], `'"`)
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(key)
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
