package fhirstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recon/internal/recon"
	"github.com/ehr/recon/pkg/fhirmodels"
)

// provenanceFor builds a Provenance record for a write to target, naming
// the acting system.
func provenanceFor(targetRef, agent string) recon.Resource {
	return recon.Resource{
		"resourceType": fhirmodels.TypeProvenance,
		"recorded":     time.Now().UTC().Format(time.RFC3339),
		"target": []interface{}{
			map[string]interface{}{"reference": targetRef},
		},
		"agent": []interface{}{
			map[string]interface{}{
				"who": map[string]interface{}{"display": agent},
			},
		},
	}
}

// UpdateWithProvenance overwrites a record together with a Provenance entry
// in one transaction, so the write never lands without its audit trail.
func (c *Client) UpdateWithProvenance(ctx context.Context, res recon.Resource, agent string) (recon.Resource, error) {
	prov := provenanceFor(res.Ref(), agent)
	prov["id"] = uuid.NewString()

	b := upsertTransaction([]recon.Resource{res, prov})
	if err := c.transaction(ctx, b); err != nil {
		return nil, fmt.Errorf("update %s with provenance: %w", res.Ref(), err)
	}
	return res, nil
}
