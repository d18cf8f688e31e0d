package recon

import (
	"sort"
	"strings"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// Resource is a FHIR resource in its generic map form, as returned by the
// store client. The engine never builds new resource identities; it only
// reads, rewrites and resubmits what the store handed out.
type Resource map[string]interface{}

// Type returns the resourceType tag, or "" when absent.
func (r Resource) Type() string {
	t, _ := r["resourceType"].(string)
	return t
}

// ID returns the resource id, or "" when absent.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Ref returns the local reference "Type/id" used as the resource's key in
// the record index and the match matrix.
func (r Resource) Ref() string {
	return r.Type() + "/" + r.ID()
}

// Extensions returns the top-level extension list, or nil.
func (r Resource) Extensions() []interface{} {
	ext, _ := r["extension"].([]interface{})
	return ext
}

// SetExtensions replaces the top-level extension list. An empty list removes
// the field entirely; FHIR forbids empty extension arrays.
func (r Resource) SetExtensions(ext []interface{}) {
	if len(ext) == 0 {
		delete(r, "extension")
		return
	}
	r["extension"] = ext
}

// MarksMismatch reports whether r carries a mismatch extension naming the
// referenced record. The marker may carry either a valueReference or a bare
// valueString; ids are compared when the stored form differs from ref.
func (r Resource) MarksMismatch(ref string) bool {
	if ref == "" || ref == "/" {
		return false
	}
	for _, raw := range r.Extensions() {
		ext, ok := raw.(map[string]interface{})
		if !ok || ext["url"] != fhirmodels.ExtMismatch {
			continue
		}
		target := ""
		if vr, ok := ext["valueReference"].(map[string]interface{}); ok {
			target, _ = vr["reference"].(string)
		} else if v, ok := ext["valueString"].(string); ok {
			target = v
		}
		if target == "" {
			continue
		}
		if target == ref || lastSegment(target) == lastSegment(ref) {
			return true
		}
	}
	return false
}

func lastSegment(ref string) string {
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// RecordIndex partitions the records of one reconciliation scope by resource
// type and keeps a flat "Type/id" lookup for indirect-reference resolution.
// An index is owned by a single reconciliation call and must not be shared.
type RecordIndex struct {
	ByType map[string][]Resource
	All    map[string]Resource
}

// NewRecordIndex returns an empty index.
func NewRecordIndex() *RecordIndex {
	return &RecordIndex{
		ByType: make(map[string][]Resource),
		All:    make(map[string]Resource),
	}
}

// Add files a record under its resource type and in the flat lookup.
// Records without a resourceType are ignored.
func (ix *RecordIndex) Add(r Resource) {
	t := r.Type()
	if t == "" {
		return
	}
	ix.ByType[t] = append(ix.ByType[t], r)
	ix.All[r.Ref()] = r
}

// Resolve returns the record a "Type/id" reference points at, or nil.
func (ix *RecordIndex) Resolve(ref string) Resource {
	if ix == nil {
		return nil
	}
	return ix.All[ref]
}

// Types returns the resource types present, sorted for deterministic
// iteration order during clustering.
func (ix *RecordIndex) Types() []string {
	types := make([]string, 0, len(ix.ByType))
	for t := range ix.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the total number of indexed records.
func (ix *RecordIndex) Len() int {
	n := 0
	for _, rs := range ix.ByType {
		n += len(rs)
	}
	return n
}

// SortByID orders each per-type list by id, records without an id first,
// so that what is new versus absorbed comes out the same on every run.
func (ix *RecordIndex) SortByID() {
	for _, rs := range ix.ByType {
		sort.SliceStable(rs, func(i, j int) bool {
			a, b := rs[i].ID(), rs[j].ID()
			if a == "" {
				return b != ""
			}
			if b == "" {
				return false
			}
			return a < b
		})
	}
}

// BuildIndex constructs a sorted index from a flat record list.
func BuildIndex(records []Resource) *RecordIndex {
	ix := NewRecordIndex()
	for _, r := range records {
		ix.Add(r)
	}
	ix.SortByID()
	return ix
}
