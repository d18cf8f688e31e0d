package recon

import (
	"reflect"
	"sort"
	"strconv"
)

// EditKind classifies a single structural difference.
type EditKind int

const (
	EditAdded EditKind = iota
	EditDeleted
	EditEdited
)

func (k EditKind) String() string {
	switch k {
	case EditAdded:
		return "added"
	case EditDeleted:
		return "deleted"
	case EditEdited:
		return "edited"
	}
	return "unknown"
}

// Edit is one field-level difference between two records. Path segments
// include array indices; LHS/RHS carry the values on each side (nil for the
// side the field is absent from). Edits are produced fresh per comparison
// and never persisted.
type Edit struct {
	Kind EditKind      `json:"kind"`
	Path []string      `json:"path"`
	LHS  interface{}   `json:"lhs,omitempty"`
	RHS  interface{}   `json:"rhs,omitempty"`
}

// NormalizedPath joins the path segments with underscores, dropping array
// indices, producing the key shape used by match criteria tables
// (e.g. name.0.given.1 -> "name_given").
func (e Edit) NormalizedPath() string {
	return normalizePath(e.Path)
}

func normalizePath(path []string) string {
	out := ""
	for _, seg := range path {
		if _, err := strconv.Atoi(seg); err == nil {
			continue
		}
		if out != "" {
			out += "_"
		}
		out += seg
	}
	return out
}

// DefaultIgnore is the set of top-level fields excluded from comparison:
// identity, metadata and narrative text never count toward a match score.
func DefaultIgnore() map[string]bool {
	return map[string]bool{
		"id":        true,
		"meta":      true,
		"text":      true,
		"extension": true,
	}
}

// Diff compares two records structurally and returns the list of edits.
// Top-level fields named in ignore are skipped. An empty result means the
// records are identical after ignoring those fields. Edit order is
// deterministic for identical inputs (keys are walked sorted) but carries
// no other meaning.
func Diff(lhs, rhs Resource, ignore map[string]bool) []Edit {
	var edits []Edit
	diffMaps(nil, lhs, rhs, ignore, &edits)
	return edits
}

func diffMaps(path []string, lhs, rhs map[string]interface{}, ignore map[string]bool, edits *[]Edit) {
	keys := make(map[string]bool, len(lhs)+len(rhs))
	for k := range lhs {
		keys[k] = true
	}
	for k := range rhs {
		keys[k] = true
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		if len(path) == 0 && ignore[key] {
			continue
		}

		childPath := append(append([]string(nil), path...), key)
		lv, inL := lhs[key]
		rv, inR := rhs[key]

		switch {
		case !inL:
			*edits = append(*edits, Edit{Kind: EditAdded, Path: childPath, RHS: rv})
		case !inR:
			*edits = append(*edits, Edit{Kind: EditDeleted, Path: childPath, LHS: lv})
		default:
			diffValues(childPath, lv, rv, edits)
		}
	}
}

func diffValues(path []string, lv, rv interface{}, edits *[]Edit) {
	lm, lIsMap := lv.(map[string]interface{})
	rm, rIsMap := rv.(map[string]interface{})
	if lIsMap && rIsMap {
		diffMaps(path, lm, rm, nil, edits)
		return
	}

	ls, lIsSlice := lv.([]interface{})
	rs, rIsSlice := rv.([]interface{})
	if lIsSlice && rIsSlice {
		diffSlices(path, ls, rs, edits)
		return
	}

	if !reflect.DeepEqual(lv, rv) {
		*edits = append(*edits, Edit{Kind: EditEdited, Path: path, LHS: lv, RHS: rv})
	}
}

func diffSlices(path []string, lhs, rhs []interface{}, edits *[]Edit) {
	max := len(lhs)
	if len(rhs) > max {
		max = len(rhs)
	}

	for i := 0; i < max; i++ {
		childPath := append(append([]string(nil), path...), strconv.Itoa(i))
		switch {
		case i >= len(lhs):
			*edits = append(*edits, Edit{Kind: EditAdded, Path: childPath, RHS: rhs[i]})
		case i >= len(rhs):
			*edits = append(*edits, Edit{Kind: EditDeleted, Path: childPath, LHS: lhs[i]})
		default:
			diffValues(childPath, lhs[i], rhs[i], edits)
		}
	}
}
