// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"math"
)

type undefined struct{}

// Undefined marks a field that must not be written at all. Sanitize removes
// it; nil is kept and written as null.
var Undefined any = undefined{}

// Sanitize returns a copy of doc with Undefined values and non-encodable
// numbers (NaN, ±Inf) removed at every depth. Inside slices such elements are
// dropped.
func Sanitize(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	out := make(Doc, len(doc))
	for k, v := range doc {
		if clean, keep := sanitizeValue(v); keep {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case undefined:
		return nil, false
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, false
		}
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
	case map[string]any:
		return Sanitize(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if clean, keep := sanitizeValue(item); keep {
				out = append(out, clean)
			}
		}
		return out, true
	}
	return v, true
}

// ErrUnencodable reports a document value that cannot be stored.
var ErrUnencodable = errors.New("unsupported field value")

// CheckDoc rejects documents that still hold Undefined or non-finite numbers.
// Stores call it before writing; writers are expected to Sanitize first.
func CheckDoc(d Doc) error {
	for k, v := range d {
		if err := checkValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(field string, v any) error {
	switch val := v.(type) {
	case undefined:
		return fmt.Errorf("%w: %s is undefined", ErrUnencodable, field)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrUnencodable, field)
		}
	case map[string]any:
		return CheckDoc(val)
	case []any:
		for _, item := range val {
			if err := checkValue(field, item); err != nil {
				return err
			}
		}
	}
	return nil
}
