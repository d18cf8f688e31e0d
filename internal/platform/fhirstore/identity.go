package fhirstore

import (
	"fmt"
	"regexp"
)

// identityPattern matches relative record identities as they appear in
// references and bundle entry URLs: "Type/id" with an optional version
// suffix "/_history/vid".
var identityPattern = regexp.MustCompile(`^([A-Za-z]+)/([A-Za-z0-9\-.]{1,64})(?:/_history/([A-Za-z0-9\-.]{1,64}))?$`)

// Identity is a parsed record identity.
type Identity struct {
	ResourceType string
	ID           string
	Version      string
}

// Ref returns the unversioned "Type/id" form.
func (i Identity) Ref() string {
	return i.ResourceType + "/" + i.ID
}

// ParseIdentity parses a relative identity string. Absolute URLs are
// reduced to their trailing identity segments first by the caller.
func ParseIdentity(s string) (Identity, error) {
	m := identityPattern.FindStringSubmatch(s)
	if m == nil {
		return Identity{}, fmt.Errorf("malformed identity %q", s)
	}
	return Identity{ResourceType: m[1], ID: m[2], Version: m[3]}, nil
}
