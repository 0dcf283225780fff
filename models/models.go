// Package models is the model-selection utility: type- and
// capability-based filtering over an already-fetched model-catalog
// response, plus the type-filter normalization helper used before listing
// models. It does not fetch the catalog or page through listings.
//
// Grounded on internal/util/provider.go's predicate-over-record style and
// internal/runtime/executor/token_helpers.go's gjson-based field walking,
// applied here to model-catalog records instead of chat payloads.
package models

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Model is one record from the model catalog. Raw retains the full JSON so
// capability aliases and future fields are never lost in translation.
type Model struct {
	ID    string
	Type  string
	Raw   gjson.Result
	Beta  bool
	Traits []string
}

// capabilityAliases maps the API's two observed naming conventions —
// camelCase from newer catalog entries, snake_case from legacy SDK callers —
// onto one canonical gjson path list tried in order.
var capabilityAliases = map[string][]string{
	"supportsVision":         {"supportsVision", "supports_vision"},
	"supportsFunctionCalling": {"supportsFunctionCalling", "supports_function_calling"},
	"optimizedForCode":       {"optimizedForCode", "optimized_for_code"},
}

func hasCapability(m gjson.Result, canonical string) bool {
	paths, ok := capabilityAliases[canonical]
	if !ok {
		paths = []string{canonical}
	}
	for _, p := range paths {
		if v := m.Get(p); v.Exists() && v.Bool() {
			return true
		}
	}
	return false
}

// ParseCatalog parses a raw model-list JSON response (an array, or an
// object with a "data" array) into []Model.
func ParseCatalog(raw []byte) []Model {
	root := gjson.ParseBytes(raw)
	arr := root
	if root.IsObject() {
		if data := root.Get("data"); data.Exists() {
			arr = data
		}
	}
	var out []Model
	arr.ForEach(func(_, m gjson.Result) bool {
		mod := Model{
			ID:   m.Get("id").String(),
			Type: m.Get("type").String(),
			Raw:  m,
			Beta: m.Get("beta").Bool(),
		}
		m.Get("traits").ForEach(func(_, t gjson.Result) bool {
			mod.Traits = append(mod.Traits, t.String())
			return true
		})
		out = append(out, mod)
		return true
	})
	return out
}

// Filter is a set of predicates over a Model; a zero-value field means "no
// constraint on this dimension".
type Filter struct {
	Type                    string
	SupportsVision          *bool
	SupportsFunctionCalling *bool
	OptimizedForCode        *bool
	Quantization            string
	Beta                    *bool
	Trait                   string
}

func (f Filter) matches(m Model) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.SupportsVision != nil && hasCapability(m.Raw, "supportsVision") != *f.SupportsVision {
		return false
	}
	if f.SupportsFunctionCalling != nil && hasCapability(m.Raw, "supportsFunctionCalling") != *f.SupportsFunctionCalling {
		return false
	}
	if f.OptimizedForCode != nil && hasCapability(m.Raw, "optimizedForCode") != *f.OptimizedForCode {
		return false
	}
	if f.Quantization != "" {
		q := m.Raw.Get("quantization").String()
		if q == "" {
			q = m.Raw.Get("quantization_label").String()
		}
		if q != f.Quantization {
			return false
		}
	}
	if f.Beta != nil && m.Beta != *f.Beta {
		return false
	}
	if f.Trait != "" {
		found := false
		for _, t := range m.Traits {
			if t == f.Trait {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Select returns the subset of models matching f.
func Select(catalog []Model, f Filter) []Model {
	out := make([]Model, 0, len(catalog))
	for _, m := range catalog {
		if f.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// PrepareListParams maps an SDK-facing type label to the API's query value.
// An empty typeFilter maps to "all".
func PrepareListParams(typeFilter string) string {
	switch strings.ToLower(strings.TrimSpace(typeFilter)) {
	case "":
		return "all"
	case "chat":
		return "text"
	case "audio":
		return "tts"
	case "embedding", "image", "text", "tts", "upscale":
		return typeFilter
	default:
		return typeFilter
	}
}

func boolPtr(b bool) *bool { return &b }
