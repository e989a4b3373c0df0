package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dougsko/k4d/pkg/protocol"
)

const activeRadioKey = "active_radio"

const radioColumns = `id, name, host, port, password, enabled, description, last_connected`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRadio(row rowScanner) (protocol.RadioConfig, error) {
	var rc protocol.RadioConfig
	var last sql.NullTime
	if err := row.Scan(&rc.ID, &rc.Name, &rc.Host, &rc.Port, &rc.Password, &rc.Enabled, &rc.Description, &last); err != nil {
		return rc, err
	}
	if last.Valid {
		t := last.Time
		rc.LastConnected = &t
	}
	return rc, nil
}

// ListRadios returns every radio ordered by creation
func (s *Store) ListRadios() ([]protocol.RadioConfig, error) {
	rows, err := s.db.Query(`SELECT ` + radioColumns + ` FROM radios ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query radios: %w", err)
	}
	defer rows.Close()

	var radios []protocol.RadioConfig
	for rows.Next() {
		rc, err := scanRadio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan radio: %w", err)
		}
		radios = append(radios, rc)
	}
	return radios, rows.Err()
}

// GetRadio returns one radio
func (s *Store) GetRadio(id string) (protocol.RadioConfig, error) {
	rc, err := scanRadio(s.db.QueryRow(`SELECT `+radioColumns+` FROM radios WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rc, fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	if err != nil {
		return rc, fmt.Errorf("failed to get radio: %w", err)
	}
	return rc, nil
}

// CreateRadio inserts a radio
func (s *Store) CreateRadio(rc protocol.RadioConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO radios (id, name, host, port, password, enabled, description, last_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rc.ID, rc.Name, rc.Host, rc.Port, rc.Password, rc.Enabled, rc.Description, rc.LastConnected)
	if err != nil {
		return fmt.Errorf("failed to insert radio: %w", err)
	}
	return nil
}

// UpdateRadio replaces a radio's settings
func (s *Store) UpdateRadio(rc protocol.RadioConfig) error {
	result, err := s.db.Exec(`
		UPDATE radios SET
			name = ?, host = ?, port = ?, password = ?, enabled = ?, description = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rc.Name, rc.Host, rc.Port, rc.Password, rc.Enabled, rc.Description, rc.ID)
	if err != nil {
		return fmt.Errorf("failed to update radio: %w", err)
	}
	return expectOne(result, rc.ID)
}

// DeleteRadio removes a radio. The last radio cannot be removed, and the
// active id is cleared when it pointed at the deleted radio.
func (s *Store) DeleteRadio(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM radios").Scan(&count); err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM radios WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	if count <= 1 {
		return fmt.Errorf("%w: cannot delete the only configured radio", protocol.ErrConfigInvariantViolation)
	}

	if _, err := tx.Exec("DELETE FROM radios WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete radio: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM settings WHERE key = ? AND value = ?", activeRadioKey, id); err != nil {
		return fmt.Errorf("failed to clear active radio: %w", err)
	}
	return tx.Commit()
}

// MarkConnected records when a radio last reached Connected
func (s *Store) MarkConnected(id string, at time.Time) error {
	result, err := s.db.Exec("UPDATE radios SET last_connected = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last connected: %w", err)
	}
	return expectOne(result, id)
}

// ActiveID returns the persisted active radio id
func (s *Store) ActiveID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", activeRadioKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// SetActiveID persists the active radio id; empty clears it
func (s *Store) SetActiveID(id string) error {
	if id == "" {
		_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", activeRadioKey)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, activeRadioKey, id)
	return err
}

func expectOne(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	return nil
}
