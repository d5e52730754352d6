package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/teranos/herald/errors"
)

// Contact is a row of the contacts table.
type Contact struct {
	Address    string
	Email      string
	Name       string
	Tags       []string
	Attributes map[string]string
	OptedIn    bool
}

// ContactStore resolves recipient groups from the contacts table.
type ContactStore struct {
	db *sql.DB
}

// NewContactStore creates a contact store.
func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

// Upsert inserts or replaces a contact.
func (s *ContactStore) Upsert(ctx context.Context, c Contact) error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.NewInvalidRequestError("contact address is required")
	}
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrap(err, "failed to encode contact attributes")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (address, email, name, tags, attributes, opted_in)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			tags = excluded.tags,
			attributes = excluded.attributes,
			opted_in = excluded.opted_in
	`, c.Address, nullIfEmpty(c.Email), nullIfEmpty(c.Name), encodeTags(c.Tags), string(rawAttrs), c.OptedIn)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert contact %s", c.Address)
	}
	return nil
}

// Resolve implements Resolver. Tagged contacts must be opted in; explicit
// addresses are always included, enriched from the table when known.
func (s *ContactStore) Resolve(ctx context.Context, group RecipientGroup) ([]Recipient, error) {
	var out []Recipient

	for _, tag := range group.Tags {
		rows, err := s.db.QueryContext(ctx, `
			SELECT address, email, name, attributes
			FROM contacts
			WHERE opted_in = 1 AND tags LIKE ?
			ORDER BY address
		`, "%,"+strings.TrimSpace(tag)+",%")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query contacts for tag %s", tag)
		}
		recipients, err := scanRecipients(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read contacts for tag %s", tag)
		}
		out = append(out, recipients...)
	}

	for _, addr := range group.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT address, email, name, attributes FROM contacts WHERE address = ?
		`, addr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up contact %s", addr)
		}
		recipients, err := scanRecipients(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read contact %s", addr)
		}
		if len(recipients) == 0 {
			recipients = []Recipient{{KeyAddress: addr}}
		}
		out = append(out, recipients...)
	}

	return out, nil
}

func scanRecipients(rows *sql.Rows) ([]Recipient, error) {
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var address, rawAttrs string
		var email, name sql.NullString
		if err := rows.Scan(&address, &email, &name, &rawAttrs); err != nil {
			return nil, err
		}

		r := Recipient{}
		if rawAttrs != "" {
			if err := json.Unmarshal([]byte(rawAttrs), &r); err != nil {
				return nil, errors.Wrapf(err, "contact %s has invalid attributes", address)
			}
		}
		// Fixed columns win over attribute keys of the same name
		r[KeyAddress] = address
		if email.Valid && email.String != "" {
			r[KeyEmail] = email.String
		}
		if name.Valid && name.String != "" {
			r[KeyName] = name.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeTags(tags []string) string {
	var clean []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return "," + strings.Join(clean, ",") + ","
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
