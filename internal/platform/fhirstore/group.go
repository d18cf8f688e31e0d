package fhirstore

import (
	"context"
	"sync"

	"github.com/ehr/recon/internal/recon"
)

// SearchAll fans the queries out concurrently and joins on completion.
// Results come back in query order; a failed query fills its slot's error
// without cancelling the others.
func (c *Client) SearchAll(ctx context.Context, queries []recon.TypedQuery) []recon.SearchResult {
	results := make([]recon.SearchResult, len(queries))

	var wg sync.WaitGroup
	wg.Add(len(queries))
	for i, q := range queries {
		go func(i int, q recon.TypedQuery) {
			defer wg.Done()
			resources, err := c.Search(ctx, q.ResourceType, q.Query)
			results[i] = recon.SearchResult{Resources: resources, Err: err}
		}(i, q)
	}
	wg.Wait()

	return results
}

// GetAll fetches the referenced records concurrently, results in reference
// order. Errors are collected per slot.
func (c *Client) GetAll(ctx context.Context, refs []string) []recon.SearchResult {
	results := make([]recon.SearchResult, len(refs))

	var wg sync.WaitGroup
	wg.Add(len(refs))
	for i, ref := range refs {
		go func(i int, ref string) {
			defer wg.Done()
			ident, err := ParseIdentity(ref)
			if err != nil {
				results[i] = recon.SearchResult{Err: err}
				return
			}
			res, err := c.Get(ctx, ident.ResourceType, ident.ID)
			if err != nil {
				results[i] = recon.SearchResult{Err: err}
				return
			}
			results[i] = recon.SearchResult{Resources: []recon.Resource{res}}
		}(i, ref)
	}
	wg.Wait()

	return results
}
