package fhirstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recon/internal/recon"
)

// Options configures a store client.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	PageCount int
}

// Client talks to an upstream FHIR server over its REST API. It implements
// recon.Store and recon.GroupSearcher.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	pageCount int
	log       zerolog.Logger
}

// NewClient creates a store client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	pageCount := opts.PageCount
	if pageCount == 0 {
		pageCount = 100
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		http:      &http.Client{Timeout: timeout},
		pageCount: pageCount,
		log:       log,
	}
}

// Get fetches a single record.
func (c *Client) Get(ctx context.Context, resourceType, id string) (recon.Resource, error) {
	var res recon.Resource
	err := c.do(ctx, http.MethodGet, c.baseURL+"/"+resourceType+"/"+url.PathEscape(id), nil, &res)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Search returns every record matching the query, following pagination
// links to the end and deduplicating by identity.
func (c *Client) Search(ctx context.Context, resourceType string, query url.Values) ([]recon.Resource, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	if q.Get("_count") == "" {
		q.Set("_count", strconv.Itoa(c.pageCount))
	}

	next := c.baseURL + "/" + resourceType + "?" + q.Encode()
	seen := make(map[string]bool)
	var out []recon.Resource

	for next != "" {
		var page bundle
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("search %s: %w", resourceType, err)
		}
		for _, res := range page.resources() {
			ref := res.Ref()
			if seen[ref] {
				continue
			}
			seen[ref] = true
			out = append(out, res)
		}
		next = page.nextLink()
	}
	return out, nil
}

// DependentGraph returns the record plus everything that references it or
// that it references, via a wildcard include/revinclude search.
func (c *Client) DependentGraph(ctx context.Context, resourceType, id string) ([]recon.Resource, error) {
	q := url.Values{
		"_id":         {id},
		"_include":    {"*"},
		"_revinclude": {"*"},
	}
	graph, err := c.Search(ctx, resourceType, q)
	if err != nil {
		return nil, err
	}
	// An empty graph means the anchor record itself is gone.
	ref := resourceType + "/" + id
	for _, res := range graph {
		if res.Ref() == ref {
			return graph, nil
		}
	}
	return nil, fmt.Errorf("dependent graph of %s: %w", ref, recon.ErrNotFound)
}

// Create stores a new record and returns the server's copy with its
// assigned id.
func (c *Client) Create(ctx context.Context, res recon.Resource) (recon.Resource, error) {
	var out recon.Resource
	err := c.do(ctx, http.MethodPost, c.baseURL+"/"+res.Type(), res, &out)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", res.Type(), err)
	}
	return out, nil
}

// Update overwrites an existing record.
func (c *Client) Update(ctx context.Context, res recon.Resource) (recon.Resource, error) {
	var out recon.Resource
	err := c.do(ctx, http.MethodPut, c.baseURL+"/"+res.Ref(), res, &out)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", res.Ref(), err)
	}
	return out, nil
}

// Upsert writes the records in a single transaction bundle.
func (c *Client) Upsert(ctx context.Context, resources []recon.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	return c.transaction(ctx, upsertTransaction(resources))
}

// Delete removes the referenced records in a single transaction bundle.
func (c *Client) Delete(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	return c.transaction(ctx, deleteTransaction(refs))
}

func (c *Client) transaction(ctx context.Context, b *bundle) error {
	var resp bundle
	if err := c.do(ctx, http.MethodPost, c.baseURL, b, &resp); err != nil {
		return fmt.Errorf("transaction of %d entries: %w", len(b.Entry), err)
	}
	return nil
}

// do executes one request and decodes the JSON response into out. A 404 or
// 410 maps to recon.ErrNotFound.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s %s: %w", method, rawURL, recon.ErrNotFound)
	case resp.StatusCode >= 400:
		diag := readDiagnostics(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, diag)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, rawURL, err)
	}
	return nil
}

// readDiagnostics extracts an OperationOutcome diagnostics string from an
// error response, falling back to the raw body.
func readDiagnostics(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no details"
	}
	var oo struct {
		Issue []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if json.Unmarshal(raw, &oo) == nil && len(oo.Issue) > 0 && oo.Issue[0].Diagnostics != "" {
		return oo.Issue[0].Diagnostics
	}
	return strings.TrimSpace(string(raw))
}
