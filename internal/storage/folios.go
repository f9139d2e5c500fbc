package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveFolio inserts or updates a folio. Messages and Summaries on f are
// ignored; use AddMessage and AddSummary.
func (s *Store) SaveFolio(ctx context.Context, f Folio) (Folio, error) {
	now := s.now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	owned, err := json.Marshal(nonNil(f.ArtifactIDs))
	if err != nil {
		return Folio{}, fmt.Errorf("encoding artifact ids: %w", err)
	}
	shared, err := json.Marshal(nonNil(f.SharedArtifactIDs))
	if err != nil {
		return Folio{}, fmt.Errorf("encoding shared artifact ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folios (id, title, description, guidelines, persona_id, artifact_ids, shared_artifact_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			guidelines = excluded.guidelines,
			persona_id = excluded.persona_id,
			artifact_ids = excluded.artifact_ids,
			shared_artifact_ids = excluded.shared_artifact_ids,
			updated_at = excluded.updated_at`,
		f.ID, f.Title, f.Description, f.Guidelines, f.PersonaID, string(owned), string(shared),
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return Folio{}, fmt.Errorf("saving folio %s: %w", f.ID, err)
	}
	f.Messages, f.Summaries = nil, nil
	return f, nil
}

// GetFolio returns a folio with its messages and summaries.
func (s *Store) GetFolio(ctx context.Context, id string) (Folio, error) {
	f, err := scanFolio(s.db.QueryRowContext(ctx, `
		SELECT id, title, description, guidelines, persona_id, artifact_ids, shared_artifact_ids, created_at, updated_at
		FROM folios WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Folio{}, ErrNotFound
	}
	if err != nil {
		return Folio{}, err
	}

	if f.Messages, err = s.ListMessages(ctx, id); err != nil {
		return Folio{}, err
	}
	if f.Summaries, err = s.ListSummaries(ctx, id); err != nil {
		return Folio{}, err
	}
	return f, nil
}

// ListFolios returns folios without their messages, most recently updated first.
func (s *Store) ListFolios(ctx context.Context) ([]Folio, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, guidelines, persona_id, artifact_ids, shared_artifact_ids, created_at, updated_at
		FROM folios ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Folio
	for rows.Next() {
		f, err := scanFolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFolio removes a folio with its messages and summaries.
func (s *Store) DeleteFolio(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM folios WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolio(r rowScanner) (Folio, error) {
	var f Folio
	var owned, shared, createdAt, updatedAt string
	if err := r.Scan(&f.ID, &f.Title, &f.Description, &f.Guidelines, &f.PersonaID, &owned, &shared, &createdAt, &updatedAt); err != nil {
		return Folio{}, err
	}
	if err := json.Unmarshal([]byte(owned), &f.ArtifactIDs); err != nil {
		return Folio{}, fmt.Errorf("decoding artifact ids of folio %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(shared), &f.SharedArtifactIDs); err != nil {
		return Folio{}, fmt.Errorf("decoding shared artifact ids of folio %s: %w", f.ID, err)
	}
	var err error
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return Folio{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Folio{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

// --- Messages ---

// AddMessage appends a message to its folio. A zero Timestamp is set to now.
func (s *Store) AddMessage(ctx context.Context, m Message) (Message, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, folio_id, role, content, importance, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.FolioID, m.Role, m.Content, m.Importance, formatTime(m.Timestamp),
	)
	if err != nil {
		return Message{}, fmt.Errorf("adding message to folio %s: %w", m.FolioID, err)
	}
	return m, nil
}

// ListMessages returns the messages of a folio in ascending timestamp order.
func (s *Store) ListMessages(ctx context.Context, folioID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folio_id, role, content, importance, timestamp
		FROM messages WHERE folio_id = ? ORDER BY timestamp ASC, id ASC`, folioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.FolioID, &m.Role, &m.Content, &m.Importance, &ts); err != nil {
			return nil, err
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp of message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Summaries ---

func (s *Store) AddSummary(ctx context.Context, sum Summary) (Summary, error) {
	if !sum.Kind.Valid() {
		return Summary{}, fmt.Errorf("unknown summary kind %q", sum.Kind)
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, folio_id, kind, content, importance, created_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.FolioID, string(sum.Kind), sum.Content, sum.Importance,
		formatTime(sum.CreatedAt), formatTime(sum.ValidUntil),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("adding summary to folio %s: %w", sum.FolioID, err)
	}
	return sum, nil
}

// ListSummaries returns every summary of a folio, expired or not, oldest first.
func (s *Store) ListSummaries(ctx context.Context, folioID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folio_id, kind, content, importance, created_at, valid_until
		FROM summaries WHERE folio_id = ? ORDER BY created_at ASC, id ASC`, folioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var kind, createdAt, validUntil string
		if err := rows.Scan(&sum.ID, &sum.FolioID, &kind, &sum.Content, &sum.Importance, &createdAt, &validUntil); err != nil {
			return nil, err
		}
		sum.Kind = SummaryKind(kind)
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of summary %s: %w", sum.ID, err)
		}
		if sum.ValidUntil, err = parseTime(validUntil); err != nil {
			return nil, fmt.Errorf("parsing valid_until of summary %s: %w", sum.ID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
