package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Store implementations when a record does not
// exist. Replace treats a missing duplicate as already replaced.
var ErrNotFound = errors.New("record not found")

// Store is the persistence surface the reconciliation engine needs. The
// FHIR store client implements it; tests substitute fakes.
type Store interface {
	// Get fetches a single record by type and id.
	Get(ctx context.Context, resourceType, id string) (Resource, error)
	// Search returns all records matching the query, every page followed.
	Search(ctx context.Context, resourceType string, query url.Values) ([]Resource, error)
	// DependentGraph returns the record plus every record that references
	// it or that it references.
	DependentGraph(ctx context.Context, resourceType, id string) ([]Resource, error)
	// Create stores a new record and returns it with its assigned id.
	Create(ctx context.Context, res Resource) (Resource, error)
	// Update overwrites an existing record.
	Update(ctx context.Context, res Resource) (Resource, error)
	// Upsert writes the records in one transaction.
	Upsert(ctx context.Context, resources []Resource) error
	// Delete removes the referenced records in one transaction.
	Delete(ctx context.Context, refs []string) error
}

// Merger folds duplicate records into their primaries, rewriting every
// inbound reference along the way.
type Merger struct {
	store Store
	log   zerolog.Logger
}

// NewMerger creates a Merger over a store.
func NewMerger(store Store, log zerolog.Logger) *Merger {
	return &Merger{store: store, log: log}
}

// Replace folds duplicate into primary. The duplicate's dependent graph is
// fetched, every reference to the duplicate is rewritten to the primary,
// the duplicate's extensions are merged into a freshly fetched primary, the
// rewritten records are upserted in one transaction, and only then is the
// duplicate deleted in a second transaction. A failed upsert leaves the
// duplicate in place so the operation can be retried.
func (m *Merger) Replace(ctx context.Context, duplicate, primary Resource) error {
	dupRef, primaryRef := duplicate.Ref(), primary.Ref()
	if dupRef == primaryRef {
		return fmt.Errorf("replace %s: duplicate and primary are the same record", dupRef)
	}

	graph, err := m.store.DependentGraph(ctx, duplicate.Type(), duplicate.ID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.log.Debug().Str("duplicate", dupRef).Msg("duplicate already absent, nothing to replace")
			return nil
		}
		return fmt.Errorf("fetch dependent graph of %s: %w", dupRef, err)
	}

	upserts, err := rewriteGraph(graph, dupRef, primaryRef)
	if err != nil {
		return fmt.Errorf("rewrite references %s -> %s: %w", dupRef, primaryRef, err)
	}

	// The duplicate's markers and any stamps the caller put on its copy of
	// the primary both survive the fold.
	carried := MergeExtensions(primary.Extensions(), duplicate.Extensions())

	// The primary may already be in the graph when it references the
	// duplicate; merge extensions into that rewritten copy rather than
	// writing the primary twice.
	if idx := findRef(upserts, primaryRef); idx >= 0 {
		upserts[idx].SetExtensions(MergeExtensions(upserts[idx].Extensions(), carried))
	} else {
		fresh, err := m.store.Get(ctx, primary.Type(), primary.ID())
		if err != nil {
			return fmt.Errorf("fetch primary %s: %w", primaryRef, err)
		}
		fresh.SetExtensions(MergeExtensions(fresh.Extensions(), carried))
		upserts = append(upserts, fresh)
	}

	if err := m.store.Upsert(ctx, upserts); err != nil {
		return fmt.Errorf("upsert rewritten graph of %s: %w", dupRef, err)
	}
	if err := m.store.Delete(ctx, []string{dupRef}); err != nil {
		return fmt.Errorf("delete duplicate %s: %w", dupRef, err)
	}

	m.log.Info().
		Str("duplicate", dupRef).
		Str("primary", primaryRef).
		Int("rewritten", len(upserts)).
		Msg("replaced duplicate record")
	return nil
}

// ReplaceAll processes merge pairs strictly in order. Errors are collected,
// not short-circuited, so one failed pair does not block the rest.
func (m *Merger) ReplaceAll(ctx context.Context, pairs []MergePair) error {
	var errs []error
	for _, p := range pairs {
		if err := m.Replace(ctx, p.Duplicate, p.Primary); err != nil {
			m.log.Error().Err(err).
				Str("duplicate", p.Duplicate.Ref()).
				Str("primary", p.Primary.Ref()).
				Msg("merge pair failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rewriteGraph serializes each record, substitutes the duplicate reference
// for the primary one, and reparses. The duplicate itself is dropped; it is
// deleted, not rewritten.
func rewriteGraph(graph []Resource, dupRef, primaryRef string) ([]Resource, error) {
	out := make([]Resource, 0, len(graph))
	for _, res := range graph {
		if res.Ref() == dupRef {
			continue
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", res.Ref(), err)
		}
		replaced := strings.ReplaceAll(string(raw), dupRef, primaryRef)
		var rewritten Resource
		if err := json.Unmarshal([]byte(replaced), &rewritten); err != nil {
			return nil, fmt.Errorf("decode rewritten %s: %w", res.Ref(), err)
		}
		out = append(out, rewritten)
	}
	return out, nil
}

func findRef(resources []Resource, ref string) int {
	for i, r := range resources {
		if r.Ref() == ref {
			return i
		}
	}
	return -1
}
