package recon

import (
	"net/url"
	"strings"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// RuleKind selects the comparison strategy for a field.
type RuleKind int

const (
	RulePlain RuleKind = iota
	RuleLevenshtein
	RuleDate
	RuleReference
	RuleCode
)

// ComparisonRule is one entry of a match criteria table. Weights are
// penalties (non-positive): index 0 applies to added/deleted edits, index 1
// to edited ones. A perfect match scores exactly 100, so every weight pulls
// the score down from there.
type ComparisonRule struct {
	Kind    RuleKind
	Weights [2]float64

	// TargetField names the display sub-field extracted from a resolved
	// reference target (RuleReference only).
	TargetField string

	// OriginalField and DisplayField pair the coded side of a field with its
	// human-readable counterpart on the opposite record (RuleCode only).
	OriginalField string
	DisplayField  string

	// Scoring picks plain or levenshtein handling for in-place edits of a
	// code rule.
	Scoring RuleKind

	// IgnoreOnMatch discards a coded-side edit entirely when the code equals
	// the counterpart display value.
	IgnoreOnMatch bool
}

func (r ComparisonRule) weight(kind EditKind) float64 {
	if kind == EditEdited {
		return r.Weights[1]
	}
	return r.Weights[0]
}

// DefaultValueKey is the criteria table entry consulted for paths with no
// exact or first-segment match.
const DefaultValueKey = "default_value"

// MatchCriteria maps a normalized field path (array indices stripped,
// segments joined with underscores) to its comparison rule. Every table
// must carry a default_value entry.
type MatchCriteria map[string]ComparisonRule

// Resolve finds the rule for a path: exact normalized path first, then the
// path's first segment, then the table default.
func (mc MatchCriteria) Resolve(path []string) ComparisonRule {
	if rule, ok := mc[normalizePath(path)]; ok {
		return rule
	}
	if len(path) > 0 {
		if rule, ok := mc[path[0]]; ok {
			return rule
		}
	}
	return mc[DefaultValueKey]
}

// QueryBuilder produces the store queries used to fetch candidate records
// for one incoming resource within a reconciliation scope.
type QueryBuilder func(r Resource, scopeID string) []url.Values

// Definition binds a resource type to its candidate query builder and its
// weighted comparison table.
type Definition struct {
	BuildQueries QueryBuilder
	Criteria     MatchCriteria
}

// Registry is the immutable per-resource-type match definition lookup.
// Unregistered types resolve to the default definition; a missing registry
// entry is never an error.
type Registry struct {
	defs       map[string]Definition
	defaultDef Definition
}

// NewRegistry returns a registry loaded with the built-in definitions.
func NewRegistry() *Registry {
	rg := &Registry{defs: make(map[string]Definition), defaultDef: defaultDefinition()}
	for t, d := range builtinDefinitions() {
		rg.defs[t] = d
	}
	return rg
}

// Register installs or replaces the definition for a resource type.
func (rg *Registry) Register(resourceType string, d Definition) {
	rg.defs[resourceType] = d
}

// Definition returns the definition for a resource type, falling back to
// the default definition for unregistered types.
func (rg *Registry) Definition(resourceType string) Definition {
	if d, ok := rg.defs[resourceType]; ok {
		return d
	}
	return rg.defaultDef
}

func plain(add, edit float64) ComparisonRule {
	return ComparisonRule{Kind: RulePlain, Weights: [2]float64{add, edit}}
}

func lev(add, edit float64) ComparisonRule {
	return ComparisonRule{Kind: RuleLevenshtein, Weights: [2]float64{add, edit}}
}

func date(add, edit float64) ComparisonRule {
	return ComparisonRule{Kind: RuleDate, Weights: [2]float64{add, edit}}
}

func reference(target string, add, edit float64) ComparisonRule {
	return ComparisonRule{Kind: RuleReference, TargetField: target, Weights: [2]float64{add, edit}}
}

func code(original, display string, scoring RuleKind, ignoreOnMatch bool, add, edit float64) ComparisonRule {
	return ComparisonRule{
		Kind:          RuleCode,
		OriginalField: original,
		DisplayField:  display,
		Scoring:       scoring,
		IgnoreOnMatch: ignoreOnMatch,
		Weights:       [2]float64{add, edit},
	}
}

func defaultDefinition() Definition {
	return Definition{
		BuildQueries: func(r Resource, scopeID string) []url.Values {
			if scopeID == "" {
				return nil
			}
			q := url.Values{}
			q.Set("patient", fhirmodels.TypePatient+"/"+scopeID)
			q.Set("_count", "1000")
			return []url.Values{q}
		},
		Criteria: MatchCriteria{
			DefaultValueKey: plain(-1, -4),
		},
	}
}

func builtinDefinitions() map[string]Definition {
	return map[string]Definition{
		fhirmodels.TypePatient: {
			BuildQueries: patientQueries,
			Criteria: MatchCriteria{
				"birthDate":        date(-1, -2),
				"name_family":      lev(-1, -1),
				"name_given":       lev(-1, -1),
				"gender":           plain(0, -10),
				"identifier_value": plain(-2, -10),
				DefaultValueKey:    plain(-1, -2.5),
			},
		},
		fhirmodels.TypeMedication: {
			BuildQueries: codingQueries("code", "code"),
			Criteria: MatchCriteria{
				"code_coding_code": code("code_coding_code", "code_coding_display",
					RuleLevenshtein, true, -2, -5),
				"code_coding_display": lev(-1, -1),
				DefaultValueKey:       plain(-1, -4),
			},
		},
		fhirmodels.TypeMedicationStatement: {
			BuildQueries: scopeQueries(),
			Criteria: MatchCriteria{
				"medicationReference_reference": reference("code_coding_display", -2, -2),
				"effectiveDateTime":             date(-1, -2),
				"dateAsserted":                  date(0, 0),
				DefaultValueKey:                 plain(-1, -4),
			},
		},
		fhirmodels.TypeMedicationOrder: {
			BuildQueries: scopeQueries(),
			Criteria: MatchCriteria{
				"medicationReference_reference": reference("code_coding_display", -2, -2),
				"dateWritten":                   date(-1, -2),
				DefaultValueKey:                 plain(-1, -4),
			},
		},
		fhirmodels.TypeObservation: {
			BuildQueries: codingQueries("code", "code"),
			Criteria: MatchCriteria{
				"code_coding_code": code("code_coding_code", "code_coding_display",
					RuleLevenshtein, true, -2, -5),
				"effectiveDateTime":   date(-1, -2),
				"valueQuantity_value": plain(-5, -5),
				DefaultValueKey:       plain(-1, -4),
			},
		},
		fhirmodels.TypeImmunization: {
			BuildQueries: codingQueries("vaccineCode", "vaccine-code"),
			Criteria: MatchCriteria{
				"vaccineCode_coding_code": code("vaccineCode_coding_code", "vaccineCode_coding_display",
					RuleLevenshtein, true, -2, -5),
				"date":          date(-1, -2),
				DefaultValueKey: plain(-1, -4),
			},
		},
		fhirmodels.TypeAllergyIntolerance: {
			BuildQueries: codingQueries("code", "code"),
			Criteria: MatchCriteria{
				"code_coding_code": code("code_coding_code", "code_coding_display",
					RuleLevenshtein, true, -2, -5),
				"onsetDateTime":   date(-1, -1),
				DefaultValueKey:   plain(-1, -4),
			},
		},
		fhirmodels.TypeCondition: {
			BuildQueries: codingQueries("code", "code"),
			Criteria: MatchCriteria{
				"code_coding_code": code("code_coding_code", "code_coding_display",
					RuleLevenshtein, true, -2, -5),
				"onsetDateTime":   date(-1, -1),
				DefaultValueKey:   plain(-1, -4),
			},
		},
	}
}

// patientQueries searches by the record's own id and by each identifier
// system|value pair.
func patientQueries(r Resource, scopeID string) []url.Values {
	var queries []url.Values

	id := r.ID()
	if scopeID != "" {
		id = scopeID
	}
	if id != "" {
		q := url.Values{}
		q.Set("_id", id)
		queries = append(queries, q)
	}

	if pairs := systemValuePairs(r["identifier"], "value"); len(pairs) > 0 {
		q := url.Values{}
		q.Set("identifier", strings.Join(pairs, ","))
		q.Set("_count", "1000")
		queries = append(queries, q)
	}

	return queries
}

// codingQueries builds a token search over a CodeableConcept field: every
// coding's system|code pair is OR-ed into one query parameter.
func codingQueries(field, param string) QueryBuilder {
	return func(r Resource, scopeID string) []url.Values {
		concept, _ := r[field].(map[string]interface{})
		pairs := systemValuePairs(concept["coding"], "code")
		if len(pairs) == 0 {
			return defaultDefinition().BuildQueries(r, scopeID)
		}
		q := url.Values{}
		q.Set(param, strings.Join(pairs, ","))
		q.Set("_count", "1000")
		return []url.Values{q}
	}
}

// scopeQueries restricts candidates to the reconciliation scope's patient.
func scopeQueries() QueryBuilder {
	return func(r Resource, scopeID string) []url.Values {
		return defaultDefinition().BuildQueries(r, scopeID)
	}
}

// systemValuePairs extracts "system|value" search tokens from a list of
// {system, <valueField>} elements.
func systemValuePairs(raw interface{}, valueField string) []string {
	list, _ := raw.([]interface{})
	var pairs []string
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		value, _ := m[valueField].(string)
		if value == "" {
			continue
		}
		pairs = append(pairs, system+"|"+value)
	}
	return pairs
}

// fieldValue walks a record along a normalized underscore path, descending
// into the first element of any array met along the way. Used by the code
// rule to find the display counterpart of a coded field.
func fieldValue(r Resource, normalized string) interface{} {
	var cur interface{} = map[string]interface{}(r)
	for _, seg := range strings.Split(normalized, "_") {
		for {
			if list, ok := cur.([]interface{}); ok {
				if len(list) == 0 {
					return nil
				}
				cur = list[0]
				continue
			}
			break
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[seg]
		if cur == nil {
			return nil
		}
	}
	if list, ok := cur.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		cur = list[0]
	}
	return cur
}
