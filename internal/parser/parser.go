// Package parser decodes an opaque payload, classifies its kind, and
// validates its shape against the closed set of known event schemas
// (spec §4.3). Each pipeline stage succeeds or fails independently.
package parser

import (
	"encoding/json"

	"github.com/sawpanic/hcsindexer/internal/hcs"
)

// Result is the outcome of running the full pipeline over one payload.
type Result struct {
	// Decoded holds the parsed JSON document, nil if decoding failed or the
	// payload was valid JSON that wasn't an object (array, string, number,
	// bool, or null).
	Decoded map[string]any
	// Kind is the classification tag, empty if classification did not run
	// (invalid JSON) — note this differs from KindUnknown, which means
	// classification ran but recognized nothing (including a non-mapping
	// document, which always classifies as unknown).
	Kind hcs.Kind
	// Validated holds the schema-matched, strongly-typed event, nil if no
	// schema matched (or decode/classify failed).
	Validated any
}

// Parse runs decode, classify, and validate over a raw payload.
func Parse(payload []byte) Result {
	decoded, ok := decode(payload)
	if !ok {
		return Result{}
	}

	kind := classify(decoded)

	var validated any
	switch kind {
	case hcs.KindAgentInit, hcs.KindAgentCreated:
		if v, ok := validateAgentInit(decoded); ok {
			validated = v
		}
	case hcs.KindAction:
		if v, ok := validateAction(decoded); ok {
			validated = v
		}
	case hcs.KindTransaction:
		if v, ok := validateTransaction(decoded); ok {
			validated = v
		}
	case hcs.KindRentalInitiated:
		if v, ok := validateRentalInitiated(decoded); ok {
			validated = v
		}
	case hcs.KindRentalCompleted:
		if v, ok := validateRentalCompleted(decoded); ok {
			validated = v
		}
	case hcs.KindComms:
		if v, ok := validateComms(decoded); ok {
			validated = v
		}
	}

	return Result{Decoded: decoded, Kind: kind, Validated: validated}
}

// decode treats payload as UTF-8 JSON bytes. Only a JSON syntax error fails
// this stage; a syntactically valid document that isn't an object (an
// array, string, number, bool, or null) still decodes successfully, just
// to a nil map, which classify treats as unknown rather than failing the
// whole pipeline.
func decode(payload []byte) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, false
	}
	doc, _ := v.(map[string]any)
	return doc, true
}

// classify inspects discriminator fields to produce a kind tag. A `type`
// field wins outright (its literal string value is preserved verbatim,
// even if not one of the known kinds); otherwise the COMMS shape
// {from, text, timestamp} is detected structurally; otherwise unknown.
func classify(doc map[string]any) hcs.Kind {
	if t, ok := doc["type"]; ok {
		if s, ok := t.(string); ok && s != "" {
			return hcs.Kind(s)
		}
	}
	_, hasFrom := doc["from"]
	_, hasText := doc["text"]
	_, hasTimestamp := doc["timestamp"]
	if hasFrom && hasText && hasTimestamp {
		return hcs.KindComms
	}
	return hcs.KindUnknown
}
