package recon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
)

// MatchMatrix maps a record's "Type/id" key to the canonical key of the
// cluster it has been absorbed into. Once a key is present the record is
// excluded from further pairwise comparison. A matrix is scoped to one
// reconciliation invocation.
type MatchMatrix map[string]string

/// ScoreResult is the outcome of comparing two records: a 100-based score
// and the list of meaningful (non-discarded) edits.
type ScoreResult struct {
	Score   float64 `json:"score"`
	Changes []Edit  `json:"changes,omitempty"`
}

// Exact reports whether the comparison found no meaningful difference.
func (r ScoreResult) Exact() bool {
	return len(r.Changes) == 0
}

// Scorer reduces the structural diff of two same-type records to a numeric
// score by re-interpreting each edit through the registered comparison rule
// for its field.
type Scorer struct {
	registry *Registry
}

// NewScorer creates a Scorer over a match definition registry.
func NewScorer(rg *Registry) *Scorer {
	return &Scorer{registry: rg}
}

// maxDistance caps the levenshtein penalty multiplier.
const maxDistance = 5

// Score compares orig against match. A mismatch extension on either side
// naming the other's id is a hard negative and short-circuits to zero.
// Otherwise the structural diff is normalized, weighted per field rule and
// summed from 100 down. Scores can go negative; callers threshold
// separately.
func (s *Scorer) Score(orig, match Resource, matrix MatchMatrix, index *RecordIndex) ScoreResult {
	if orig.MarksMismatch(match.Ref()) || match.MarksMismatch(orig.Ref()) {
		return ScoreResult{Score: 0}
	}

	edits := Diff(orig, match, DefaultIgnore())
	if len(edits) == 0 {
		return ScoreResult{Score: 100}
	}

	criteria := s.registry.Definition(orig.Type()).Criteria

	score := 100.0
	var changes []Edit

	queue := edits
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		discard, nested := normalizeEdit(e, matrix)
		if discard {
			continue
		}
		if nested != nil {
			queue = append(nested, queue...)
			continue
		}

		delta, keep := s.applyRule(criteria.Resolve(e.Path), e, orig, match, index)
		score += delta
		if keep {
			changes = append(changes, e)
		}
	}

	return ScoreResult{Score: score, Changes: changes}
}

// normalizeEdit applies value-shape normalization before weighting. It
// reports the edit as discarded, or replaces it with a nested diff when one
// side is a singleton list wrapping the other's scalar shape.
func normalizeEdit(e Edit, matrix MatchMatrix) (discard bool, nested []Edit) {
	if e.Kind != EditEdited {
		return false, nil
	}

	// Boolean equivalence across representations (true vs "true").
	if lb, lok := boolValue(e.LHS); lok {
		if rb, rok := boolValue(e.RHS); rok && lb == rb {
			return true, nil
		}
	}

	// Numeric equivalence across representations (4 vs "4.0").
	if lf, lok := numberValue(e.LHS); lok {
		if rf, rok := numberValue(e.RHS); rok && lf == rf {
			return true, nil
		}
	}

	// Singleton-array normalization: unwrap [x] against y and re-diff.
	if inner, ok := singleton(e.LHS); ok {
		if _, isList := e.RHS.([]interface{}); !isList {
			return rediff(e.Path, inner, e.RHS)
		}
	}
	if inner, ok := singleton(e.RHS); ok {
		if _, isList := e.LHS.([]interface{}); !isList {
			return rediff(e.Path, e.LHS, inner)
		}
	}

	// Indirect references already known to resolve to the same cluster.
	if ls, lok := e.LHS.(string); lok {
		if rs, rok := e.RHS.(string); rok {
			if canon := matrix[ls]; canon != "" && canon == matrix[rs] {
				return true, nil
			}
		}
	}

	return false, nil
}

func rediff(path []string, lv, rv interface{}) (bool, []Edit) {
	var edits []Edit
	diffValues(path, lv, rv, &edits)
	if len(edits) == 0 {
		return true, nil
	}
	return false, edits
}

func singleton(v interface{}) (interface{}, bool) {
	list, ok := v.([]interface{})
	if !ok || len(list) != 1 {
		return nil, false
	}
	return list[0], true
}

// applyRule weights one surviving edit. It returns the score delta and
// whether the edit remains in the meaningful-change list.
func (s *Scorer) applyRule(rule ComparisonRule, e Edit, orig, match Resource, index *RecordIndex) (float64, bool) {
	switch rule.Kind {
	case RuleLevenshtein:
		return levenshteinDelta(stringValue(e.LHS), stringValue(e.RHS), rule.weight(e.Kind))

	case RuleDate:
		return dateDelta(rule, e)

	case RuleReference:
		return s.referenceDelta(rule, e, index)

	case RuleCode:
		return codeDelta(rule, e, orig, match)

	default:
		return rule.weight(e.Kind), true
	}
}

func levenshteinDelta(a, b string, weight float64) (float64, bool) {
	d := levenshtein.ComputeDistance(a, b)
	if d == 0 {
		return 0, false
	}
	if d > maxDistance {
		d = maxDistance
	}
	return float64(d) * weight, true
}

func dateDelta(rule ComparisonRule, e Edit) (float64, bool) {
	if e.Kind != EditEdited {
		return rule.weight(e.Kind), true
	}

	a, b := stringValue(e.LHS), stringValue(e.RHS)
	if a == "" || b == "" {
		return rule.weight(e.Kind), true
	}

	// One being a prefix of the other means same instant at different
	// precision (2016 vs 2016-03).
	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		return 0, false
	}

	da, aok := approxDays(a)
	db, bok := approxDays(b)
	if !aok || !bok {
		return rule.weight(e.Kind), true
	}

	delta := da - db
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		return 0, false
	}
	return float64(delta) * rule.Weights[1], true
}

// approxDays converts the year/month/day components of a date string to an
// approximate day count (365/30/1 multipliers). Only the leading date
// portion is read; time-of-day is ignored.
func approxDays(s string) (int, bool) {
	if len(s) > 10 {
		s = s[:10]
	}
	parts := strings.SplitN(s, "-", 3)
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	days := year * 365
	if len(parts) > 1 {
		month, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, false
		}
		days += month * 30
	}
	if len(parts) > 2 {
		day, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, false
		}
		days += day
	}
	return days, true
}

func (s *Scorer) referenceDelta(rule ComparisonRule, e Edit, index *RecordIndex) (float64, bool) {
	if e.Kind != EditEdited {
		return rule.weight(e.Kind), true
	}

	lhs := index.Resolve(referenceString(e.LHS))
	rhs := index.Resolve(referenceString(e.RHS))
	if lhs == nil || rhs == nil {
		// Unresolvable target: degrade to default handling rather than fail.
		return rule.weight(e.Kind), true
	}

	a := stringValue(fieldValue(lhs, rule.TargetField))
	b := stringValue(fieldValue(rhs, rule.TargetField))

	d := displayDistance(a, b)
	if d == 0 {
		return 0, false
	}
	if d > maxDistance {
		d = maxDistance
	}
	return float64(d) * rule.Weights[1], true
}

// displayDistance compares two display strings: equality is 0, a prefix
// relation 1, a shared first word 2, anything else plain edit distance.
func displayDistance(a, b string) int {
	if a == b {
		return 0
	}
	if a != "" && b != "" {
		if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
			return 1
		}
		if firstWord(a) == firstWord(b) {
			return 2
		}
	}
	return levenshtein.ComputeDistance(a, b)
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func codeDelta(rule ComparisonRule, e Edit, orig, match Resource) (float64, bool) {
	if e.Kind == EditEdited {
		if rule.Scoring == RuleLevenshtein {
			return levenshteinDelta(stringValue(e.LHS), stringValue(e.RHS), rule.Weights[1])
		}
		return rule.Weights[1], true
	}

	// The coded side appeared on one record only; compare the code against
	// the display counterpart on the other record.
	var value string
	var other Resource
	if e.Kind == EditAdded {
		value, other = stringValue(e.RHS), orig
	} else {
		value, other = stringValue(e.LHS), match
	}

	display := stringValue(fieldValue(other, rule.DisplayField))
	d := levenshtein.ComputeDistance(value, display)
	if d == 0 {
		if rule.IgnoreOnMatch {
			return 0, false
		}
		return rule.Weights[1], true
	}
	if d > maxDistance {
		d = maxDistance
	}
	return float64(d) * rule.Weights[0], true
}

// referenceString extracts a "Type/id" reference from either a bare string
// or a Reference-shaped map.
func referenceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		ref, _ := val["reference"].(string)
		return ref
	}
	return ""
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func boolValue(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		if val == "true" {
			return true, true
		}
		if val == "false" {
			return false, true
		}
	}
	return false, false
}

func numberValue(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
