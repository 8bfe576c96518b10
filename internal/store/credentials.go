package store

import (
	"fmt"
	"time"

	"perp-arb/pkg/types"
)

// credentialFields whitelists which fields each venue may persist. Payload
// keys outside this map are ignored.
var credentialFields = map[types.Venue][]string{
	types.VenueA: {"api_key", "api_secret", "passphrase"},
	types.VenueB: {"api_key", "api_secret", "private_key", "trading_account_id"},
}

// CredentialStatus is the masked view of one stored field.
type CredentialStatus struct {
	Configured bool   `json:"configured"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	Masked     string `json:"masked"`
}

// SaveCredentials upserts the given fields per venue. An empty string
// deletes the field; absent fields are left untouched.
func (s *Store) SaveCredentials(payload map[types.Venue]map[string]string) error {
	ts := time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	for venue, fields := range credentialFields {
		venuePayload, ok := payload[venue]
		if !ok {
			continue
		}
		for _, field := range fields {
			value, present := venuePayload[field]
			if !present {
				continue
			}
			if value == "" {
				if _, err := s.db.Exec(
					`DELETE FROM credentials WHERE venue = ? AND field = ?`, string(venue), field); err != nil {
					return fmt.Errorf("clear credential %s.%s: %w", venue, field, err)
				}
				continue
			}
			if _, err := s.db.Exec(
				`INSERT INTO credentials (venue, field, value, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(venue, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				string(venue), field, value, ts); err != nil {
				return fmt.Errorf("save credential %s.%s: %w", venue, field, err)
			}
		}
	}
	return nil
}

// CredentialsStatus reports every whitelisted field's configured state with
// a masked tail, never the value itself.
func (s *Store) CredentialsStatus() (map[types.Venue]map[string]CredentialStatus, error) {
	status := make(map[types.Venue]map[string]CredentialStatus, len(credentialFields))
	for venue, fields := range credentialFields {
		status[venue] = make(map[string]CredentialStatus, len(fields))
		for _, field := range fields {
			status[venue][field] = CredentialStatus{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT venue, field, value, updated_at FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var venue, field, value, updatedAt string
		if err := rows.Scan(&venue, &field, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		venueStatus, ok := status[types.Venue(venue)]
		if !ok {
			continue
		}
		if _, ok := venueStatus[field]; !ok {
			continue
		}
		venueStatus[field] = CredentialStatus{
			Configured: value != "",
			UpdatedAt:  updatedAt,
			Masked:     maskValue(value),
		}
	}
	return status, rows.Err()
}

// EffectiveCredentials returns the stored plaintext values keyed by venue
// and field, with empty strings for unset fields.
func (s *Store) EffectiveCredentials() (map[types.Venue]map[string]string, error) {
	out := make(map[types.Venue]map[string]string, len(credentialFields))
	for venue, fields := range credentialFields {
		out[venue] = make(map[string]string, len(fields))
		for _, field := range fields {
			out[venue][field] = ""
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT venue, field, value FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var venue, field, value string
		if err := rows.Scan(&venue, &field, &value); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		venueOut, ok := out[types.Venue(venue)]
		if !ok {
			continue
		}
		if _, ok := venueOut[field]; !ok {
			continue
		}
		venueOut[field] = value
	}
	return out, rows.Err()
}

func maskValue(value string) string {
	if value == "" {
		return ""
	}
	tail := value
	if len(value) > 4 {
		tail = value[len(value)-4:]
	} else {
		tail = value[len(value)-1:]
	}
	return "****" + tail
}
