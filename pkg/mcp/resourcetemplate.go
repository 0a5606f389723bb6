package mcp

import (
	"fmt"

	"github.com/yosida95/uritemplate/v3"
)

// Expand renders the template against values per RFC 6570, the wire format
// spec §3 mandates for URITemplate. Variables the template names but values
// omits expand to empty per the RFC's own semantics; values naming a
// variable the template does not use are silently ignored.
func (rt ResourceTemplate) Expand(values map[string]string) (string, error) {
	tpl, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return "", fmt.Errorf("mcp: parsing uri template %q: %w", rt.URITemplate, err)
	}
	vals := make(uritemplate.Values, len(values))
	for k, v := range values {
		vals[k] = uritemplate.String(v)
	}
	return tpl.Expand(vals), nil
}

// Varnames returns the variable names rt.URITemplate references, in the
// order they first appear.
func (rt ResourceTemplate) Varnames() ([]string, error) {
	tpl, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("mcp: parsing uri template %q: %w", rt.URITemplate, err)
	}
	return tpl.Varnames(), nil
}

// Matches reports whether uri could have been produced by expanding this
// template, by compiling the template to an equivalent regexp. Used by a
// client that received resources/templates/list but not resources/list to
// decide whether a resource URI it already holds falls under a template it
// is considering subscribing through.
func (rt ResourceTemplate) Matches(uri string) bool {
	tpl, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return false
	}
	re, err := tpl.Regexp()
	if err != nil {
		return false
	}
	return re.MatchString(uri)
}
