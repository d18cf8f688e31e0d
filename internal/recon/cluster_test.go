package recon

import (
	"testing"
)

func TestDeduplicate_FoldsExactDuplicates(t *testing.T) {
	c := NewClusterer(newTestScorer(), 70)

	p1 := patient("p1", map[string]interface{}{"birthDate": "1980-01-01", "gender": "male"})
	p2 := patient("p2", map[string]interface{}{"birthDate": "1980-01-01", "gender": "male"})
	other := patient("p3", map[string]interface{}{"birthDate": "1955-06-30", "gender": "female",
		"name": []interface{}{map[string]interface{}{"family": "Unrelated"}}})

	res := c.Deduplicate([]Resource{p2, other, p1})
	if len(res.Merges) != 1 {
		t.Fatalf("expected 1 merge pair, got %d: %+v", len(res.Merges), res.Merges)
	}
	// Records sort by id, so p1 survives and p2 is absorbed.
	if res.Merges[0].Primary.ID() != "p1" || res.Merges[0].Duplicate.ID() != "p2" {
		t.Errorf("expected p1 <- p2, got %s <- %s",
			res.Merges[0].Primary.ID(), res.Merges[0].Duplicate.ID())
	}
	if len(res.Matches) != 1 || res.Matches[0].Record.ID() != "p1" {
		t.Fatalf("expected one match cluster headed by p1, got %+v", res.Matches)
	}
	if len(res.Matches[0].Members) != 1 || res.Matches[0].Members[0].ID() != "p2" {
		t.Errorf("expected p2 as the only cluster member, got %+v", res.Matches[0].Members)
	}
	if len(res.News) != 1 || res.News[0].Record.ID() != "p3" {
		t.Errorf("expected p3 reported as new, got %+v", res.News)
	}
}

func TestDeduplicate_NearDuplicateIsUpdateNotMatch(t *testing.T) {
	s := newTestScorer()
	a := patient("a", map[string]interface{}{"birthDate": "1974-12-14", "gender": "male"})
	b := patient("b", map[string]interface{}{"birthDate": "1974-12-15", "gender": "female"})

	// One day of birth date and an edited gender: well above a threshold of
	// 70, but with two surviving changes.
	if res := s.Score(a, b, nil, nil); res.Score != 88 || len(res.Changes) != 2 {
		t.Fatalf("fixture drifted, got score %v with %d changes", res.Score, len(res.Changes))
	}

	res := NewClusterer(s, 70).Deduplicate([]Resource{a, b})
	if len(res.Merges) != 0 {
		t.Fatalf("a pair with surviving changes must never be consolidated, got %+v", res.Merges)
	}
	if len(res.Matches) != 0 {
		t.Fatalf("expected no match clusters, got %+v", res.Matches)
	}
	if len(res.Updates) != 1 {
		t.Fatalf("expected one update candidate, got %+v", res.Updates)
	}
	u := res.Updates[0]
	if u.Record.ID() != "a" || u.Target.ID() != "b" || u.Score != 88 || len(u.Changes) != 2 {
		t.Errorf("unexpected update candidate %+v", u)
	}
	// The candidate is consumed by the pair, not reported as new.
	if len(res.News) != 0 {
		t.Errorf("expected no new records, got %+v", res.News)
	}
	if len(res.Matrix) != 0 {
		t.Errorf("update candidates must stay out of the matrix, got %+v", res.Matrix)
	}
}

func TestDeduplicate_ThresholdGatesUpdateCandidates(t *testing.T) {
	s := newTestScorer()
	a := patient("a", map[string]interface{}{"gender": "male"})
	b := patient("b", map[string]interface{}{"gender": "female"})

	// The pair scores exactly 90; a threshold of 90 must not nominate it.
	if res := s.Score(a, b, nil, nil); res.Score != 90 {
		t.Fatalf("fixture drifted, score %v", res.Score)
	}

	res := NewClusterer(s, 90).Deduplicate([]Resource{a, b})
	if len(res.Updates) != 0 {
		t.Errorf("expected no candidates at equal-to-threshold score, got %+v", res.Updates)
	}
	if len(res.News) != 2 {
		t.Errorf("expected both records reported as new, got %+v", res.News)
	}

	res = NewClusterer(s, 89).Deduplicate([]Resource{a, b})
	if len(res.Updates) != 1 {
		t.Errorf("expected 1 candidate just under threshold, got %+v", res.Updates)
	}
	if len(res.Merges) != 0 {
		t.Errorf("threshold must never turn a candidate into a merge, got %+v", res.Merges)
	}
}

func TestDeduplicate_MismatchMarkersNeverCluster(t *testing.T) {
	a := patient("a", map[string]interface{}{"birthDate": "1980-01-01"})
	a["extension"] = []interface{}{NewMismatchExtension("Patient/b")}
	b := patient("b", map[string]interface{}{"birthDate": "1980-01-01"})

	// Field-identical, but the marker forces the score to zero with an
	// empty change list; neither an exact match nor a candidate.
	res := NewClusterer(newTestScorer(), 70).Deduplicate([]Resource{a, b})
	if len(res.Merges) != 0 || len(res.Updates) != 0 {
		t.Fatalf("marked records must never pair, got merges %+v updates %+v", res.Merges, res.Updates)
	}
	if len(res.News) != 2 {
		t.Errorf("expected both records reported as new, got %+v", res.News)
	}
}

func TestDeduplicate_ChainAbsorbsIntoOnePrimary(t *testing.T) {
	c := NewClusterer(newTestScorer(), 70)

	mk := func(id string) Resource {
		return patient(id, map[string]interface{}{"birthDate": "1980-01-01"})
	}
	res := c.Deduplicate([]Resource{mk("a"), mk("b"), mk("c")})

	if len(res.Merges) != 2 {
		t.Fatalf("expected 2 merge pairs, got %d: %+v", len(res.Merges), res.Merges)
	}
	for _, p := range res.Merges {
		if p.Primary.ID() != "a" {
			t.Errorf("expected all duplicates folded into a, got primary %s", p.Primary.ID())
		}
	}
	if len(res.Matches) != 1 || len(res.Matches[0].Members) != 2 {
		t.Fatalf("expected one cluster with two members, got %+v", res.Matches)
	}
}

func TestCluster_FixpointViaIndirectReferences(t *testing.T) {
	obs := func(id string) Resource {
		return Resource{"resourceType": "Observation", "id": id,
			"code": map[string]interface{}{"coding": []interface{}{
				map[string]interface{}{"code": "8480-6", "display": "Systolic blood pressure"},
			}}}
	}
	cond := func(id, obsRef string) Resource {
		return Resource{"resourceType": "Condition", "id": id,
			"code": map[string]interface{}{"text": "Hypertension"},
			"evidence": []interface{}{map[string]interface{}{
				"detail": []interface{}{map[string]interface{}{"reference": obsRef}},
			}}}
	}

	// The conditions differ only in which observation they cite. They
	// cannot cluster until the observations have: only then does the match
	// matrix resolve both references to the same canonical record and
	// discard the edit. Condition sorts before Observation, so the
	// conditions need a second pass.
	records := []Resource{
		cond("c1", "Observation/o1"),
		cond("c2", "Observation/o2"),
		obs("o1"),
		obs("o2"),
	}
	res := NewClusterer(newTestScorer(), 97).Cluster(BuildIndex(records))

	if len(res.Merges) != 2 {
		t.Fatalf("expected 2 merge pairs across passes, got %d: %+v", len(res.Merges), res.Merges)
	}
	if res.Merges[0].Primary.Type() != "Observation" {
		t.Errorf("expected the observations to cluster first, got %+v", res.Merges[0])
	}
	if res.Merges[1].Primary.ID() != "c1" || res.Merges[1].Duplicate.ID() != "c2" {
		t.Errorf("expected c1 <- c2 on the second pass, got %+v", res.Merges[1])
	}
	if res.Matrix["Condition/c2"] != "Condition/c1" {
		t.Errorf("matrix missing condition cluster: %+v", res.Matrix)
	}
}

func TestReconcile_ClassifiesMatchAndNew(t *testing.T) {
	c := NewClusterer(newTestScorer(), 40)

	existing := []Resource{
		patient("p1", map[string]interface{}{
			"birthDate": "1980-01-01",
			"gender":    "male",
			"name":      []interface{}{map[string]interface{}{"family": "Chalmers"}},
		}),
	}
	exact := patient("i1", map[string]interface{}{
		"birthDate": "1980-01-01",
		"gender":    "male",
		"name":      []interface{}{map[string]interface{}{"family": "Chalmers"}},
	})
	unrelated := Resource{"resourceType": "Observation", "id": "i3",
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"code": "x", "display": "y"},
		}}}

	result := c.Reconcile([]Resource{exact, unrelated}, existing)
	if len(result.Classifications) != 2 {
		t.Fatalf("expected 2 classifications, got %+v", result.Classifications)
	}

	byID := map[string]Classification{}
	for _, cl := range result.Classifications {
		byID[cl.Record.ID()] = cl
	}

	if cl := byID["i1"]; cl.Outcome != OutcomeMatch || cl.Target.ID() != "p1" {
		t.Errorf("expected i1 to match p1, got %+v", cl)
	}
	if cl := byID["i3"]; cl.Outcome != OutcomeNew || cl.Target != nil {
		t.Errorf("expected i3 to be new, got %+v", cl)
	}
}

func TestReconcile_NearDuplicateClassifiesUpdate(t *testing.T) {
	c := NewClusterer(newTestScorer(), 40)

	existing := []Resource{
		patient("p1", map[string]interface{}{
			"birthDate": "1980-01-01",
			"name":      []interface{}{map[string]interface{}{"family": "Chalmers"}},
		}),
	}
	similar := patient("i2", map[string]interface{}{
		"birthDate": "1980-01-01",
		"name":      []interface{}{map[string]interface{}{"family": "Chambers"}},
	})

	result := c.Reconcile([]Resource{similar}, existing)
	if len(result.Classifications) != 1 {
		t.Fatalf("expected 1 classification, got %+v", result.Classifications)
	}
	cl := result.Classifications[0]
	if cl.Outcome != OutcomeUpdate || cl.Target.ID() != "p1" {
		t.Fatalf("expected i2 to update p1, got %+v", cl)
	}
	if len(cl.Changes) == 0 {
		t.Errorf("expected update to carry changes, got %+v", cl)
	}
	// Classification only: nothing was folded.
	if len(result.Merges) != 0 {
		t.Errorf("expected no merge pairs, got %+v", result.Merges)
	}
}

func TestReconcile_IncomingOnlyNearPair(t *testing.T) {
	c := NewClusterer(newTestScorer(), 40)

	a := patient("a", map[string]interface{}{"birthDate": "1990-05-05"})
	b := patient("b", map[string]interface{}{"birthDate": "1990-04-30"})

	result := c.Reconcile([]Resource{a, b}, nil)

	byID := map[string]Classification{}
	for _, cl := range result.Classifications {
		byID[cl.Record.ID()] = cl
	}
	// a matched nothing stored, so it stays new even though it nominated b.
	if cl := byID["a"]; cl.Outcome != OutcomeNew {
		t.Errorf("expected a to be new, got %+v", cl)
	}
	if cl := byID["b"]; cl.Outcome != OutcomeUpdate || cl.Target.ID() != "a" {
		t.Errorf("expected b to update a, got %+v", cl)
	}
}

func TestReconcile_IncomingOnlyExactCluster(t *testing.T) {
	c := NewClusterer(newTestScorer(), 40)

	a := patient("a", map[string]interface{}{"birthDate": "1990-05-05"})
	b := patient("b", map[string]interface{}{"birthDate": "1990-05-05"})

	result := c.Reconcile([]Resource{a, b}, nil)

	byID := map[string]Classification{}
	for _, cl := range result.Classifications {
		byID[cl.Record.ID()] = cl
	}
	if cl := byID["a"]; cl.Outcome != OutcomeNew {
		t.Errorf("expected the canonical record to be new, got %+v", cl)
	}
	if cl := byID["b"]; cl.Outcome != OutcomeMatch || cl.Target.ID() != "a" {
		t.Errorf("expected b to match a, got %+v", cl)
	}
}
