package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// --- Artifacts ---

// SaveArtifact inserts or updates an artifact, preserving CreatedAt on update.
func (s *Store) SaveArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Type == "" {
		a.Type = "note"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, folio_id, title, type, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			folio_id = excluded.folio_id,
			title = excluded.title,
			type = excluded.type,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		a.ID, a.FolioID, a.Title, a.Type, a.Content, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("saving artifact %s: %w", a.ID, err)
	}
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	var a Artifact
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folio_id, title, type, content, created_at, updated_at
		FROM artifacts WHERE id = ?`, id,
	).Scan(&a.ID, &a.FolioID, &a.Title, &a.Type, &a.Content, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Artifact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Artifact{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return a, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Personas ---

func (s *Store) SavePersona(ctx context.Context, p Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, identity, tone, role) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			identity = excluded.identity,
			tone = excluded.tone,
			role = excluded.role`,
		p.ID, p.Name, p.Identity, p.Tone, p.Role,
	)
	if err != nil {
		return fmt.Errorf("saving persona %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPersona(ctx context.Context, id string) (Persona, error) {
	var p Persona
	err := s.db.QueryRowContext(ctx, `SELECT id, name, identity, tone, role FROM personas WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Identity, &p.Tone, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListPersonas(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, identity, tone, role FROM personas ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Identity, &p.Tone, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Settings ---

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()),
	)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}
