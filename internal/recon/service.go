package recon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// TypedQuery is one search to run against the store.
type TypedQuery struct {
	ResourceType string
	Query        url.Values
}

// SearchResult is the positional result of one query in a concurrent
// search, either resources or an error.
type SearchResult struct {
	Resources []Resource
	Err       error
}

// GroupSearcher runs multiple searches or reads concurrently and returns
// results in request order. Errors are collected per slot, never
// short-circuited.
type GroupSearcher interface {
	SearchAll(ctx context.Context, queries []TypedQuery) []SearchResult
	GetAll(ctx context.Context, refs []string) []SearchResult
}

// ProvenanceStore is implemented by stores that can attach a Provenance
// record to a write in the same transaction.
type ProvenanceStore interface {
	UpdateWithProvenance(ctx context.Context, res Resource, agent string) (Resource, error)
}

// provenanceAgent names this engine in the Provenance records it attaches
// to its writes.
const provenanceAgent = "recon-server"

// RunReport summarizes one reconciliation operation for auditing.
type RunReport struct {
	Operation string
	Subject   string
	Examined  int
	Created   int
	Updated   int
	Matched   int
	Merged    int
	Errors    []string
	Duration  time.Duration
}

// AuditSink receives run reports. Implementations must not fail the
// operation; persistence errors are theirs to absorb.
type AuditSink interface {
	RecordRun(ctx context.Context, report RunReport)
}

// compartmentTypes are the patient-scoped types swept during compartment
// reconciliation, alongside the Patient record itself.
var compartmentTypes = []string{
	fhirmodels.TypeAllergyIntolerance,
	fhirmodels.TypeCondition,
	fhirmodels.TypeImmunization,
	fhirmodels.TypeMedicationOrder,
	fhirmodels.TypeMedicationStatement,
	fhirmodels.TypeObservation,
	fhirmodels.TypeProcedure,
}

// Service ties the engine together. Classification operations (Deduplicate,
// Reconcile, ReconcileResource) only read and report; the caller commits
// accepted pairs through ReplaceDuplicate, or runs RemoveMatches to fold a
// compartment's exact duplicates in one sweep.
type Service struct {
	store              Store
	group              GroupSearcher
	registry           *Registry
	scorer             *Scorer
	merger             *Merger
	thresholdDedup     float64
	thresholdReconcile float64
	audit              AuditSink
	log                zerolog.Logger
}

// NewService wires a reconciliation service. The audit sink may be nil.
func NewService(store Store, group GroupSearcher, registry *Registry, thresholdDedup, thresholdReconcile float64, audit AuditSink, log zerolog.Logger) *Service {
	scorer := NewScorer(registry)
	return &Service{
		store:              store,
		group:              group,
		registry:           registry,
		scorer:             scorer,
		merger:             NewMerger(store, log),
		thresholdDedup:     thresholdDedup,
		thresholdReconcile: thresholdReconcile,
		audit:              audit,
		log:                log,
	}
}

// Deduplicate sweeps a patient's compartment and reports its exact-match
// clusters and update candidates. Nothing is written; RemoveMatches is the
// committing counterpart.
func (s *Service) Deduplicate(ctx context.Context, patientID string) (*ClusterResult, error) {
	started := time.Now()

	records, err := s.fetchCompartment(ctx, patientID)
	if err != nil {
		return nil, err
	}

	clusterer := NewClusterer(s.scorer, s.thresholdDedup)
	result := clusterer.Deduplicate(records)

	s.record(ctx, RunReport{
		Operation: "deduplicate",
		Subject:   fhirmodels.TypePatient + "/" + patientID,
		Examined:  len(records),
		Matched:   len(result.Merges),
		Updated:   len(result.Updates),
		Duration:  time.Since(started),
	})
	return &result, nil
}

// Reconcile classifies a batch of incoming records against a patient's
// compartment: new, update toward a stored record, or exact match. The
// classifications are returned for the caller to act on; no record is
// created, updated or folded here.
func (s *Service) Reconcile(ctx context.Context, patientID string, incoming []Resource) (*ReconcileResult, error) {
	started := time.Now()

	existing, err := s.fetchCompartment(ctx, patientID)
	if err != nil {
		return nil, err
	}
	assignIDs(incoming)

	clusterer := NewClusterer(s.scorer, s.thresholdReconcile)
	result := clusterer.Reconcile(incoming, existing)

	report := RunReport{
		Operation: "reconcile",
		Subject:   fhirmodels.TypePatient + "/" + patientID,
		Examined:  len(incoming),
	}
	for _, cl := range result.Classifications {
		switch cl.Outcome {
		case OutcomeNew:
			report.Created++
		case OutcomeUpdate:
			report.Updated++
		case OutcomeMatch:
			report.Matched++
		}
	}

	report.Duration = time.Since(started)
	s.record(ctx, report)
	return &result, nil
}

// ReconcileResource classifies a single record against the store without a
// full compartment sweep. Match candidates come from the record's own
// definition queries, scoped to the given patient.
func (s *Service) ReconcileResource(ctx context.Context, res Resource, patientID string) (*Classification, error) {
	def := s.registry.Definition(res.Type())

	queries := def.BuildQueries(res, patientID)
	if len(queries) == 0 {
		queries = []url.Values{{}}
	}
	typed := make([]TypedQuery, len(queries))
	for i, q := range queries {
		typed[i] = TypedQuery{ResourceType: res.Type(), Query: q}
	}

	var candidates []Resource
	seen := make(map[string]bool)
	for _, sr := range s.group.SearchAll(ctx, typed) {
		if sr.Err != nil {
			return nil, fmt.Errorf("search match candidates for %s: %w", res.Type(), sr.Err)
		}
		for _, r := range sr.Resources {
			if !seen[r.Ref()] {
				seen[r.Ref()] = true
				candidates = append(candidates, r)
			}
		}
	}

	assignIDs([]Resource{res})
	index := BuildIndex(append(append([]Resource(nil), candidates...), res))

	var best Resource
	var bestResult ScoreResult
	for _, cand := range candidates {
		sr := s.scorer.Score(res, cand, nil, index)
		if sr.Exact() && sr.Score > 0 {
			return &Classification{
				Outcome: OutcomeMatch,
				Record:  res,
				Target:  cand,
				Score:   sr.Score,
			}, nil
		}
		if sr.Score <= s.thresholdReconcile {
			continue
		}
		if best == nil || sr.Score > bestResult.Score {
			best = cand
			bestResult = sr
		}
	}

	if best == nil {
		return &Classification{Outcome: OutcomeNew, Record: res}, nil
	}
	return &Classification{
		Outcome: OutcomeUpdate,
		Record:  res,
		Target:  best,
		Score:   bestResult.Score,
		Changes: bestResult.Changes,
	}, nil
}

// ReplaceDuplicate folds one record into another by reference: the commit
// half of a match classification the caller has accepted. The surviving
// primary is stamped with a source marker recording the fold.
func (s *Service) ReplaceDuplicate(ctx context.Context, duplicateRef, primaryRef string) error {
	dup, err := s.getByRef(ctx, duplicateRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Already replaced on a previous attempt.
			return nil
		}
		return err
	}
	primary, err := s.getByRef(ctx, primaryRef)
	if err != nil {
		return err
	}

	today := time.Now().UTC().Format("2006-01-02")
	stamp := NewSourceExtension(today, dup.Ref(), "Record Merged")
	primary.SetExtensions(MergeExtensions(primary.Extensions(), []interface{}{stamp}))

	return s.merger.Replace(ctx, dup, primary)
}

// RemoveResult reports a committed deduplication sweep.
type RemoveResult struct {
	Pairs  []MergePair `json:"pairs"`
	Errors []string    `json:"errors,omitempty"`
}

// RemoveMatches deduplicates a patient's compartment and folds every exact
// duplicate into its cluster head, stamping each surviving primary with a
// source marker recording the fold. Update candidates are left untouched;
// only members of exact-match clusters are consolidated. Pairs are
// processed strictly in order.
func (s *Service) RemoveMatches(ctx context.Context, patientID string) (*RemoveResult, error) {
	started := time.Now()

	records, err := s.fetchCompartment(ctx, patientID)
	if err != nil {
		return nil, err
	}

	clusterer := NewClusterer(s.scorer, s.thresholdDedup)
	pairs := clusterer.Deduplicate(records).Merges

	result := &RemoveResult{Pairs: pairs}
	today := time.Now().UTC().Format("2006-01-02")
	for _, p := range pairs {
		stamp := NewSourceExtension(today, p.Duplicate.Ref(), "Deduplicated")
		p.Primary.SetExtensions(MergeExtensions(p.Primary.Extensions(), []interface{}{stamp}))
	}
	if err := s.merger.ReplaceAll(ctx, pairs); err != nil {
		result.Errors = splitJoined(err)
	}

	s.record(ctx, RunReport{
		Operation: "remove-matches",
		Subject:   fhirmodels.TypePatient + "/" + patientID,
		Examined:  len(records),
		Merged:    len(pairs) - len(result.Errors),
		Errors:    result.Errors,
		Duration:  time.Since(started),
	})
	return result, nil
}

// MarkMismatch stamps both records with mismatch markers naming each other,
// so no future run matches them again. Both records are fetched in one
// concurrent read; the writes carry Provenance when the store supports it.
func (s *Service) MarkMismatch(ctx context.Context, refA, refB string) error {
	results := s.group.GetAll(ctx, []string{refA, refB})
	refs := []string{refA, refB}
	records := make([]Resource, 2)
	for i, sr := range results {
		if sr.Err != nil {
			return fmt.Errorf("fetch %s: %w", refs[i], sr.Err)
		}
		records[i] = sr.Resources[0]
	}
	a, b := records[0], records[1]

	a.SetExtensions(MergeExtensions(a.Extensions(), []interface{}{NewMismatchExtension(b.Ref())}))
	b.SetExtensions(MergeExtensions(b.Extensions(), []interface{}{NewMismatchExtension(a.Ref())}))

	if err := s.update(ctx, a); err != nil {
		return fmt.Errorf("mark mismatch on %s: %w", refA, err)
	}
	if err := s.update(ctx, b); err != nil {
		return fmt.Errorf("mark mismatch on %s: %w", refB, err)
	}
	return nil
}

// update writes through the store's provenance-aware path when it has one.
func (s *Service) update(ctx context.Context, res Resource) error {
	if ps, ok := s.store.(ProvenanceStore); ok {
		_, err := ps.UpdateWithProvenance(ctx, res, provenanceAgent)
		return err
	}
	_, err := s.store.Update(ctx, res)
	return err
}

// fetchCompartment loads the Patient record and every patient-scoped record
// type, fanning the searches out concurrently. A failure to load the
// Patient itself is fatal; per-type failures are too, since clustering a
// partial compartment would match against incomplete evidence.
func (s *Service) fetchCompartment(ctx context.Context, patientID string) ([]Resource, error) {
	patientRef := fhirmodels.TypePatient + "/" + patientID

	queries := make([]TypedQuery, 0, len(compartmentTypes)+1)
	queries = append(queries, TypedQuery{
		ResourceType: fhirmodels.TypePatient,
		Query:        url.Values{"_id": {patientID}},
	})
	for _, typ := range compartmentTypes {
		queries = append(queries, TypedQuery{
			ResourceType: typ,
			Query:        url.Values{"patient": {patientRef}, "_count": {"1000"}},
		})
	}

	var records []Resource
	for i, sr := range s.group.SearchAll(ctx, queries) {
		if sr.Err != nil {
			return nil, fmt.Errorf("fetch compartment of %s (%s): %w", patientRef, queries[i].ResourceType, sr.Err)
		}
		records = append(records, sr.Resources...)
	}
	if len(records) == 0 || records[0].Type() != fhirmodels.TypePatient {
		return nil, fmt.Errorf("fetch compartment of %s: %w", patientRef, ErrNotFound)
	}
	return records, nil
}

func (s *Service) getByRef(ctx context.Context, ref string) (Resource, error) {
	typ, id, ok := splitRef(ref)
	if !ok {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	res, err := s.store.Get(ctx, typ, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, report RunReport) {
	if s.audit != nil {
		s.audit.RecordRun(ctx, report)
	}
}

// assignIDs gives ids to records that arrived without one, so every record
// has a stable key during clustering.
func assignIDs(records []Resource) {
	for _, r := range records {
		if r.ID() == "" {
			r["id"] = uuid.NewString()
		}
	}
}

func splitRef(ref string) (typ, id string, ok bool) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitJoined(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
