package recon

import (
	"sort"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// MergeExtensions combines the extension lists of a primary record and a
// duplicate being folded into it. Mismatch markers and source markers are
// each sorted and deduplicated; every other extension is kept verbatim,
// duplicates included, because the engine does not own their semantics.
// Order of the result is: others, then mismatch markers, then source
// markers.
func MergeExtensions(primary, duplicate []interface{}) []interface{} {
	var mismatches, sources, others []interface{}

	for _, list := range [][]interface{}{primary, duplicate} {
		for _, ext := range list {
			switch extensionURL(ext) {
			case fhirmodels.ExtMismatch:
				mismatches = append(mismatches, ext)
			case fhirmodels.ExtSource:
				sources = append(sources, ext)
			default:
				others = append(others, ext)
			}
		}
	}

	mismatches = sortDedupMismatches(mismatches)
	sources = sortDedupSources(sources)

	out := make([]interface{}, 0, len(others)+len(mismatches)+len(sources))
	out = append(out, others...)
	out = append(out, mismatches...)
	out = append(out, sources...)
	if len(out) == 0 {
		return nil
	}
	return out
}

// sortDedupMismatches orders mismatch markers by the reference they carry
// and drops markers naming the same record. Markers without a resolvable
// value sort last and collapse to one.
func sortDedupMismatches(exts []interface{}) []interface{} {
	if len(exts) < 2 {
		return exts
	}
	type keyed struct {
		value string
		ok    bool
	}
	key := func(ext interface{}) keyed {
		v, ok := mismatchValue(ext)
		return keyed{value: v, ok: ok}
	}
	sort.SliceStable(exts, func(i, j int) bool {
		ki, kj := key(exts[i]), key(exts[j])
		if ki.ok != kj.ok {
			return ki.ok
		}
		return ki.value < kj.value
	})
	out := exts[:1]
	for _, ext := range exts[1:] {
		if key(ext) != key(out[len(out)-1]) {
			out = append(out, ext)
		}
	}
	return out
}

// sortDedupSources orders source markers by date ascending, then reference,
// then description, and drops markers sharing that whole key. Two sources
// with the same date but different descriptions both survive.
func sortDedupSources(exts []interface{}) []interface{} {
	if len(exts) < 2 {
		return exts
	}
	sort.SliceStable(exts, func(i, j int) bool {
		di, ri, si := sourceKey(exts[i])
		dj, rj, sj := sourceKey(exts[j])
		if di != dj {
			return di < dj
		}
		if ri != rj {
			return ri < rj
		}
		return si < sj
	})
	out := exts[:1]
	for _, ext := range exts[1:] {
		d, r, s := sourceKey(ext)
		dp, rp, sp := sourceKey(out[len(out)-1])
		if d != dp || r != rp || s != sp {
			out = append(out, ext)
		}
	}
	return out
}

// mismatchValue extracts the record a mismatch marker names, accepting
// either a valueReference or a legacy valueString.
func mismatchValue(ext interface{}) (string, bool) {
	m, ok := ext.(map[string]interface{})
	if !ok {
		return "", false
	}
	if vr, ok := m["valueReference"].(map[string]interface{}); ok {
		if ref, ok := vr["reference"].(string); ok {
			return ref, true
		}
	}
	if s, ok := m["valueString"].(string); ok {
		return s, true
	}
	return "", false
}

// sourceKey extracts a source marker's identity: its date (valueDate,
// falling back to valueDateTime), reference and description sub-extensions.
func sourceKey(ext interface{}) (date, ref, description string) {
	m, ok := ext.(map[string]interface{})
	if !ok {
		return "", "", ""
	}
	nested, _ := m["extension"].([]interface{})
	for _, sub := range nested {
		sm, ok := sub.(map[string]interface{})
		if !ok {
			continue
		}
		switch sm["url"] {
		case fhirmodels.ExtSourceDate:
			if d, ok := sm["valueDate"].(string); ok {
				date = d
			} else if d, ok := sm["valueDateTime"].(string); ok {
				date = d
			}
		case fhirmodels.ExtSourceReference:
			if vr, ok := sm["valueReference"].(map[string]interface{}); ok {
				ref, _ = vr["reference"].(string)
			} else if s, ok := sm["valueString"].(string); ok {
				ref = s
			}
		case fhirmodels.ExtSourceDescription:
			description, _ = sm["valueString"].(string)
		}
	}
	return date, ref, description
}

func extensionURL(ext interface{}) string {
	m, ok := ext.(map[string]interface{})
	if !ok {
		return ""
	}
	url, _ := m["url"].(string)
	return url
}

// NewMismatchExtension builds a marker recording that the record must never
// be matched against the referenced one.
func NewMismatchExtension(ref string) map[string]interface{} {
	return map[string]interface{}{
		"url":            fhirmodels.ExtMismatch,
		"valueReference": map[string]interface{}{"reference": ref},
	}
}

// NewSourceExtension builds a provenance marker. Reference and description
// are optional and omitted when empty.
func NewSourceExtension(date, ref, description string) map[string]interface{} {
	nested := []interface{}{
		map[string]interface{}{
			"url":       fhirmodels.ExtSourceDate,
			"valueDate": date,
		},
	}
	if ref != "" {
		nested = append(nested, map[string]interface{}{
			"url":            fhirmodels.ExtSourceReference,
			"valueReference": map[string]interface{}{"reference": ref},
		})
	}
	if description != "" {
		nested = append(nested, map[string]interface{}{
			"url":         fhirmodels.ExtSourceDescription,
			"valueString": description,
		})
	}
	return map[string]interface{}{
		"url":       fhirmodels.ExtSource,
		"extension": nested,
	}
}
