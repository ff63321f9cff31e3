/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package receipt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const coseSign1Tag = 18

var ErrNotSign1 = errors.New("not a COSE_Sign1 message")

// Render decodes a COSE_Sign1 receipt without verifying it and renders the
// headers and payload as indented JSON for inspection.
func Render(signed []byte) (string, error) {
	var raw any
	if err := cbor.Unmarshal(signed, &raw); err != nil {
		return "", fmt.Errorf("decode receipt: %w", err)
	}
	if tag, ok := raw.(cbor.Tag); ok {
		if tag.Number != coseSign1Tag {
			return "", ErrNotSign1
		}
		raw = tag.Content
	}
	parts, ok := raw.([]any)
	if !ok || len(parts) != 4 {
		return "", ErrNotSign1
	}

	protected, err := decodeEmbedded(parts[0])
	if err != nil {
		return "", fmt.Errorf("protected header: %w", err)
	}
	payload, err := decodeEmbedded(parts[2])
	if err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}

	doc := map[string]any{
		"protected":   toJSONValue(protected),
		"unprotected": toJSONValue(parts[1]),
		"payload":     toJSONValue(payload),
		"signature":   toJSONValue(parts[3]),
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decodeEmbedded decodes a bstr wrapped CBOR item; an empty bstr stays empty.
func decodeEmbedded(v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errors.New("expected a byte string")
	}
	if len(b) == 0 {
		return map[any]any{}, nil
	}
	var decoded any
	if err := cbor.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// toJSONValue rewrites decoded CBOR into values encoding/json accepts:
// maps get string keys (encoding/json sorts them) and byte strings become
// h'..' notation.
func toJSONValue(v any) any {
	switch v := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = toJSONValue(e)
		}
		return out
	case []byte:
		return fmt.Sprintf("h'%x'", v)
	case cbor.Tag:
		return map[string]any{"tag": v.Number, "content": toJSONValue(v.Content)}
	default:
		return v
	}
}
