package fhirstore

import (
	"github.com/ehr/recon/internal/recon"
	"github.com/ehr/recon/pkg/fhirmodels"
)

// bundleEntry mirrors the subset of a Bundle entry the client reads and
// writes.
type bundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  *bundleRequest         `json:"request,omitempty"`
}

type bundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type bundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []bundleLink  `json:"link,omitempty"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

// resources extracts the entry resources of a searchset bundle.
func (b *bundle) resources() []recon.Resource {
	out := make([]recon.Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, recon.Resource(e.Resource))
		}
	}
	return out
}

// nextLink returns the pagination link, empty when on the last page.
func (b *bundle) nextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// upsertTransaction builds a transaction bundle of PUT entries, one per
// record.
func upsertTransaction(resources []recon.Resource) *bundle {
	b := &bundle{
		ResourceType: fhirmodels.TypeBundle,
		Type:         fhirmodels.BundleTypeTransaction,
	}
	for _, res := range resources {
		b.Entry = append(b.Entry, bundleEntry{
			Resource: res,
			Request: &bundleRequest{
				Method: fhirmodels.MethodPut,
				URL:    res.Ref(),
			},
		})
	}
	return b
}

// deleteTransaction builds a transaction bundle of DELETE entries, one per
// reference.
func deleteTransaction(refs []string) *bundle {
	b := &bundle{
		ResourceType: fhirmodels.TypeBundle,
		Type:         fhirmodels.BundleTypeTransaction,
	}
	for _, ref := range refs {
		b.Entry = append(b.Entry, bundleEntry{
			Request: &bundleRequest{
				Method: fhirmodels.MethodDelete,
				URL:    ref,
			},
		})
	}
	return b
}
