package recon

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// fakeGroup serves compartment searches and reference reads from an
// in-memory set, routed by resource type.
type fakeGroup struct {
	byType  map[string][]Resource
	records map[string]Resource
	errs    map[string]error
}

func (g *fakeGroup) SearchAll(ctx context.Context, queries []TypedQuery) []SearchResult {
	results := make([]SearchResult, len(queries))
	for i, q := range queries {
		if err := g.errs[q.ResourceType]; err != nil {
			results[i] = SearchResult{Err: err}
			continue
		}
		results[i] = SearchResult{Resources: g.byType[q.ResourceType]}
	}
	return results
}

func (g *fakeGroup) GetAll(ctx context.Context, refs []string) []SearchResult {
	results := make([]SearchResult, len(refs))
	for i, ref := range refs {
		res, ok := g.records[ref]
		if !ok {
			results[i] = SearchResult{Err: fmt.Errorf("get %s: %w", ref, ErrNotFound)}
			continue
		}
		results[i] = SearchResult{Resources: []Resource{res}}
	}
	return results
}

type capturedAudit struct {
	reports []RunReport
}

func (a *capturedAudit) RecordRun(ctx context.Context, report RunReport) {
	a.reports = append(a.reports, report)
}

func obs(id, code string) Resource {
	return Resource{"resourceType": "Observation", "id": id,
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": code, "display": code},
		}}}
}

func newTestService(store Store, group GroupSearcher, audit AuditSink) *Service {
	return NewService(store, group, NewRegistry(), 70, 40, audit, zerolog.Nop())
}

func TestDeduplicate_ReportsClustersWithoutWriting(t *testing.T) {
	store := newFakeStore()
	p := patient("p1", nil)
	o1 := obs("o1", "8480-6")
	o2 := obs("o2", "8480-6")

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient:     {p},
		fhirmodels.TypeObservation: {o1, o2},
	}}
	audit := &capturedAudit{}
	svc := newTestService(store, group, audit)

	result, err := svc.Deduplicate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("deduplicate failed: %v", err)
	}
	if len(result.Merges) != 1 || result.Merges[0].Duplicate.ID() != "o2" {
		t.Fatalf("expected o1 <- o2, got %+v", result.Merges)
	}
	if len(result.Matches) != 1 || result.Matches[0].Record.ID() != "o1" {
		t.Errorf("expected a match cluster headed by o1, got %+v", result.Matches)
	}
	// Classification only: the duplicate is reported, never removed here.
	if len(store.ops) != 0 {
		t.Errorf("expected no store writes, got %v", store.ops)
	}

	if len(audit.reports) != 1 {
		t.Fatalf("expected 1 audit report, got %d", len(audit.reports))
	}
	rep := audit.reports[0]
	if rep.Operation != "deduplicate" || rep.Subject != "Patient/p1" || rep.Matched != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestDeduplicate_NearDuplicatePatientsAreNotFolded(t *testing.T) {
	store := newFakeStore()
	a := patient("a", map[string]interface{}{"birthDate": "1974-12-14", "gender": "male"})
	b := patient("b", map[string]interface{}{"birthDate": "1974-12-15", "gender": "female"})

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient: {a, b},
	}}
	svc := newTestService(store, group, nil)

	// The pair scores 88, above the threshold of 70, but the differences
	// survive. It must surface as an update candidate, never as a merge.
	result, err := svc.Deduplicate(context.Background(), "a")
	if err != nil {
		t.Fatalf("deduplicate failed: %v", err)
	}
	if len(result.Merges) != 0 || len(result.Matches) != 0 {
		t.Fatalf("near-duplicates must not be consolidated, got merges %+v matches %+v",
			result.Merges, result.Matches)
	}
	if len(result.Updates) != 1 || result.Updates[0].Target.ID() != "b" {
		t.Fatalf("expected one update candidate toward b, got %+v", result.Updates)
	}
	if len(store.ops) != 0 || len(store.deletes) != 0 {
		t.Errorf("expected no writes and no deletes, got ops %v deletes %v", store.ops, store.deletes)
	}
}

func TestDeduplicate_MissingPatientFails(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGroup{byType: map[string][]Resource{}}, nil)

	if _, err := svc.Deduplicate(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing patient")
	}
}

func TestReconcile_ClassifiesWithoutWriting(t *testing.T) {
	store := newFakeStore()
	p := patient("p1", nil)
	existing := obs("o1", "8480-6")

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient:     {p},
		fhirmodels.TypeObservation: {existing},
	}}
	audit := &capturedAudit{}
	svc := newTestService(store, group, audit)

	exact := obs("", "8480-6")
	fresh := Resource{"resourceType": "Condition", "id": "",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": "J45.909", "display": "Asthma"},
		}}}

	result, err := svc.Reconcile(context.Background(), "p1", []Resource{exact, fresh})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	var match, created *Classification
	for i := range result.Classifications {
		cl := &result.Classifications[i]
		switch cl.Outcome {
		case OutcomeMatch:
			match = cl
		case OutcomeNew:
			created = cl
		}
	}
	if match == nil || match.Target.ID() != "o1" {
		t.Errorf("expected exact incoming to match o1, got %+v", result.Classifications)
	}
	if created == nil || created.Record.Type() != "Condition" {
		t.Fatalf("expected the condition classified as new, got %+v", result.Classifications)
	}

	// The caller decides what to do with the classifications; reconcile
	// itself touches nothing.
	if len(store.ops) != 0 {
		t.Errorf("expected no store writes, got %v", store.ops)
	}

	rep := audit.reports[0]
	if rep.Created != 1 || rep.Matched != 1 {
		t.Errorf("unexpected report counters %+v", rep)
	}
}

func TestReconcile_NearDuplicateIsClassifiedNotWritten(t *testing.T) {
	store := newFakeStore()
	p := patient("p1", nil)
	existing := Resource{"resourceType": "Observation", "id": "o1",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": "8480-6", "display": "Systolic blood pressure"},
		}},
		"effectiveDateTime": "2024-01-01"}

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient:     {p},
		fhirmodels.TypeObservation: {existing},
	}}
	svc := newTestService(store, group, nil)

	incoming := Resource{"resourceType": "Observation",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": "8480-6", "display": "Systolic blood pressure"},
		}},
		"effectiveDateTime": "2024-01-03"}

	result, err := svc.Reconcile(context.Background(), "p1", []Resource{incoming})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	cl := result.Classifications[0]
	if cl.Outcome != OutcomeUpdate || cl.Target.ID() != "o1" {
		t.Fatalf("expected update toward o1, got %+v", cl)
	}
	if len(cl.Changes) == 0 {
		t.Errorf("expected the surviving changes on the classification, got %+v", cl)
	}
	if len(store.ops) != 0 {
		t.Errorf("expected no store writes, got %v", store.ops)
	}
}

func TestRemoveMatches_FoldsExactDuplicatesOnly(t *testing.T) {
	store := newFakeStore()
	p := patient("p1", nil)
	o1 := obs("o1", "8480-6")
	o2 := obs("o2", "8480-6")
	near := obs("o3", "8480-7")
	store.records["Observation/o1"] = o1
	store.graphs["Observation/o2"] = []Resource{o2}

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient:     {p},
		fhirmodels.TypeObservation: {o1, o2, near},
	}}
	svc := newTestService(store, group, nil)

	result, err := svc.RemoveMatches(context.Background(), "p1")
	if err != nil {
		t.Fatalf("remove-matches failed: %v", err)
	}
	if len(result.Pairs) != 1 || result.Pairs[0].Duplicate.ID() != "o2" {
		t.Fatalf("expected only the exact duplicate folded, got %+v", result.Pairs)
	}
	if len(store.deletes) != 1 || store.deletes[0][0] != "Observation/o2" {
		t.Errorf("expected o2 deleted, got %+v", store.deletes)
	}
	// o3 scores above the threshold against o1 but still differs; it must
	// survive untouched.
	for _, refs := range store.deletes {
		for _, ref := range refs {
			if ref == "Observation/o3" {
				t.Error("near-duplicate o3 must not be removed")
			}
		}
	}
}

func TestRemoveMatches_StampsSurvivingPrimary(t *testing.T) {
	store := newFakeStore()
	p := patient("p1", nil)
	o1 := obs("o1", "8480-6")
	o2 := obs("o2", "8480-6")
	store.records["Observation/o1"] = o1
	store.graphs["Observation/o2"] = []Resource{o2}

	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypePatient:     {p},
		fhirmodels.TypeObservation: {o1, o2},
	}}
	svc := newTestService(store, group, nil)

	result, err := svc.RemoveMatches(context.Background(), "p1")
	if err != nil {
		t.Fatalf("remove-matches failed: %v", err)
	}
	if len(result.Pairs) != 1 {
		t.Fatalf("expected 1 pair, got %+v", result.Pairs)
	}

	exts := result.Pairs[0].Primary.Extensions()
	if len(exts) != 1 {
		t.Fatalf("expected a source stamp on the primary, got %v", exts)
	}
	found := false
	for _, sub := range exts[0].(map[string]interface{})["extension"].([]interface{}) {
		sm := sub.(map[string]interface{})
		if sm["url"] == fhirmodels.ExtSourceDescription && sm["valueString"] == "Deduplicated" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Deduplicated description, got %v", exts)
	}
}

func TestMarkMismatch_StampsBothDirections(t *testing.T) {
	store := newFakeStore()
	a := patient("a", nil)
	b := patient("b", nil)

	group := &fakeGroup{records: map[string]Resource{
		"Patient/a": a,
		"Patient/b": b,
	}}
	svc := newTestService(store, group, nil)

	if err := svc.MarkMismatch(context.Background(), "Patient/a", "Patient/b"); err != nil {
		t.Fatalf("mark mismatch failed: %v", err)
	}

	if !a.MarksMismatch("Patient/b") || !b.MarksMismatch("Patient/a") {
		t.Error("expected mismatch markers on both records")
	}
	if len(store.ops) != 2 || store.ops[0] != "update Patient/a" || store.ops[1] != "update Patient/b" {
		t.Errorf("expected both records written, got ops %v", store.ops)
	}
}

// provStore is a fakeStore whose updates carry provenance.
type provStore struct {
	*fakeStore
	agents []string
}

func (p *provStore) UpdateWithProvenance(ctx context.Context, res Resource, agent string) (Resource, error) {
	p.ops = append(p.ops, "update-prov "+res.Ref())
	p.agents = append(p.agents, agent)
	return res, nil
}

func TestMarkMismatch_UsesProvenanceWhenAvailable(t *testing.T) {
	store := &provStore{fakeStore: newFakeStore()}
	a := patient("a", nil)
	b := patient("b", nil)

	group := &fakeGroup{records: map[string]Resource{
		"Patient/a": a,
		"Patient/b": b,
	}}
	svc := newTestService(store, group, nil)

	if err := svc.MarkMismatch(context.Background(), "Patient/a", "Patient/b"); err != nil {
		t.Fatalf("mark mismatch failed: %v", err)
	}

	if len(store.ops) != 2 || store.ops[0] != "update-prov Patient/a" || store.ops[1] != "update-prov Patient/b" {
		t.Errorf("expected provenance-carrying updates, got ops %v", store.ops)
	}
	for _, agent := range store.agents {
		if agent != "recon-server" {
			t.Errorf("expected the engine named as agent, got %q", agent)
		}
	}
}

func TestMarkMismatch_MissingRecordFails(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGroup{records: map[string]Resource{
		"Patient/a": patient("a", nil),
	}}, nil)

	if err := svc.MarkMismatch(context.Background(), "Patient/a", "Patient/gone"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestReplaceDuplicate_StampsPrimary(t *testing.T) {
	store := newFakeStore()
	d := patient("d", nil)
	p := patient("p", nil)
	store.records["Patient/d"] = d
	store.records["Patient/p"] = p
	store.graphs["Patient/d"] = []Resource{d}

	svc := newTestService(store, &fakeGroup{}, nil)

	if err := svc.ReplaceDuplicate(context.Background(), "Patient/d", "Patient/p"); err != nil {
		t.Fatalf("replace duplicate failed: %v", err)
	}

	var written Resource
	for _, res := range store.upserts[0] {
		if res.Ref() == "Patient/p" {
			written = res
		}
	}
	if written == nil {
		t.Fatal("expected the primary in the upsert")
	}
	exts := written.Extensions()
	if len(exts) != 1 {
		t.Fatalf("expected one source stamp, got %v", exts)
	}
	var found bool
	for _, sub := range exts[0].(map[string]interface{})["extension"].([]interface{}) {
		sm := sub.(map[string]interface{})
		if sm["url"] == fhirmodels.ExtSourceDescription && sm["valueString"] == "Record Merged" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Record Merged description, got %v", exts)
	}
}

func TestReplaceDuplicate_MissingDuplicateIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.records["Patient/p"] = patient("p", nil)
	svc := newTestService(store, &fakeGroup{}, nil)

	if err := svc.ReplaceDuplicate(context.Background(), "Patient/gone", "Patient/p"); err != nil {
		t.Fatalf("expected nil for an already-replaced duplicate, got %v", err)
	}
	if len(store.upserts) != 0 {
		t.Errorf("no writes expected, got %+v", store.upserts)
	}
}

func TestReconcileResource_NewWhenNoCandidates(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGroup{byType: map[string][]Resource{}}, nil)

	cl, err := svc.ReconcileResource(context.Background(), obs("", "8480-6"), "p1")
	if err != nil {
		t.Fatalf("reconcile-resource failed: %v", err)
	}
	if cl.Outcome != OutcomeNew {
		t.Errorf("expected new, got %+v", cl)
	}
	if len(store.ops) != 0 {
		t.Errorf("expected no store writes, got %v", store.ops)
	}
}

func TestReconcileResource_ExactCandidateMatches(t *testing.T) {
	store := newFakeStore()
	existing := obs("o1", "8480-6")
	group := &fakeGroup{byType: map[string][]Resource{
		fhirmodels.TypeObservation: {existing},
	}}
	svc := newTestService(store, group, nil)

	cl, err := svc.ReconcileResource(context.Background(), obs("", "8480-6"), "p1")
	if err != nil {
		t.Fatalf("reconcile-resource failed: %v", err)
	}
	if cl.Outcome != OutcomeMatch || cl.Target.ID() != "o1" {
		t.Fatalf("expected a match against o1, got %+v", cl)
	}
	if len(store.ops) != 0 {
		t.Errorf("expected no store writes, got %v", store.ops)
	}
}
