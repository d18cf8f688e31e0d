package fhirstore

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ehr/recon/internal/recon"
)

func TestUpdateWithProvenance(t *testing.T) {
	var got bundle
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode transaction: %v", err)
		}
		writeJSON(t, w, map[string]interface{}{"resourceType": "Bundle", "type": "transaction-response"})
	}))

	res, err := c.UpdateWithProvenance(context.Background(),
		recon.Resource{"resourceType": "Patient", "id": "p1"}, "recon-server")
	if err != nil {
		t.Fatalf("update with provenance failed: %v", err)
	}

	if len(got.Entry) != 2 {
		t.Fatalf("expected record plus provenance in one transaction, got %d entries", len(got.Entry))
	}
	if got.Entry[0].Request.Method != "PUT" || got.Entry[0].Request.URL != "Patient/p1" {
		t.Errorf("unexpected record entry %+v", got.Entry[0].Request)
	}

	prov := recon.Resource(got.Entry[1].Resource)
	if prov.Type() != "Provenance" {
		t.Fatalf("expected a Provenance entry, got %q", prov.Type())
	}
	targets, _ := prov["target"].([]interface{})
	if len(targets) != 1 {
		t.Fatalf("unexpected provenance targets %v", prov["target"])
	}
	target := targets[0].(map[string]interface{})
	if target["reference"] != res.Ref() {
		t.Errorf("provenance must point at the record, got %v", target["reference"])
	}
	agents, _ := prov["agent"].([]interface{})
	if len(agents) != 1 {
		t.Fatalf("unexpected provenance agents %v", prov["agent"])
	}
	who := agents[0].(map[string]interface{})["who"].(map[string]interface{})
	if who["display"] != "recon-server" {
		t.Errorf("provenance must name the acting system, got %v", who["display"])
	}
}
