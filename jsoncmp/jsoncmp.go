// Package jsoncmp compares JSON documents structurally, optionally after
// deleting fields addressed by jq paths.
package jsoncmp

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/itchyny/gojq"
)

// MismatchError describes two documents that differ.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("jsoncmp: documents differ\nexpected: %s\nactual:   %s", e.Expected, e.Actual)
}

// Normalize converts v into the generic form encoding/json produces
// (map[string]any, []any, float64, string, bool, nil). Raw JSON may be given
// as []byte, json.RawMessage or string.
func Normalize(v any) (any, error) {
	var data []byte
	switch val := v.(type) {
	case []byte:
		data = val
	case json.RawMessage:
		data = val
	case string:
		data = []byte(val)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("jsoncmp: marshal %T: %w", v, err)
		}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("jsoncmp: decode: %w", err)
	}
	return out, nil
}

// Strip deletes every path in ignore (jq syntax, e.g. ".id" or
// ".items[].createdAt") from a normalized document.
func Strip(doc any, ignore ...string) (any, error) {
	if len(ignore) == 0 {
		return doc, nil
	}
	query, err := gojq.Parse("del(" + strings.Join(ignore, ", ") + ")")
	if err != nil {
		return nil, fmt.Errorf("jsoncmp: ignore paths %v: %w", ignore, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jsoncmp: ignore paths %v: %w", ignore, err)
	}
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("jsoncmp: strip: %w", err)
	}
	return v, nil
}

// Compare returns nil when expected and actual are structurally equal
// once the ignored paths are removed from both, or a *MismatchError.
func Compare(expected, actual any, ignore ...string) error {
	exp, err := prepare(expected, ignore)
	if err != nil {
		return err
	}
	act, err := prepare(actual, ignore)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(exp, act) {
		return nil
	}
	e, _ := json.Marshal(exp)
	a, _ := json.Marshal(act)
	return &MismatchError{Expected: string(e), Actual: string(a)}
}

// Equal is Compare reduced to a bool; malformed input is never equal.
func Equal(expected, actual any, ignore ...string) bool {
	return Compare(expected, actual, ignore...) == nil
}

func prepare(v any, ignore []string) (any, error) {
	doc, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return Strip(doc, ignore...)
}
