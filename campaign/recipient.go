package campaign

import (
	"context"
	"strings"

	"github.com/teranos/herald/errors"
)

// Recipient keys with fixed meaning. Any other key is a template variable source.
const (
	KeyAddress = "address" // required: primary channel contact (phone number or handle)
	KeyEmail   = "email"   // plain-text email fallback address
	KeyName    = "name"
)

// Recipient is an open key/value record. Only KeyAddress is required.
type Recipient map[string]string

// Address returns the primary contact address.
func (r Recipient) Address() string {
	return strings.TrimSpace(r[KeyAddress])
}

// Lookup returns a non-empty field value.
func (r Recipient) Lookup(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Validate checks the required key set.
func (r Recipient) Validate() error {
	if r.Address() == "" {
		return errors.NewInvalidRequestError("recipient has no %s", KeyAddress)
	}
	return nil
}

// Resolver turns a recipient group spec into concrete recipients.
type Resolver interface {
	Resolve(ctx context.Context, group RecipientGroup) ([]Recipient, error)
}

// ResolveAll resolves every group, dropping recipients without an address and
// de-duplicating by address in first-seen order.
func ResolveAll(ctx context.Context, resolver Resolver, groups []RecipientGroup) ([]Recipient, error) {
	seen := make(map[string]bool)
	var out []Recipient
	for _, g := range groups {
		recipients, err := resolver.Resolve(ctx, g)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve recipient group %q", g.Name)
		}
		for _, r := range recipients {
			addr := r.Address()
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, r)
		}
	}
	return out, nil
}
