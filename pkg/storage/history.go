package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/k4d/pkg/logging"
)

// CommandRecord is one CAT command a client sent to a radio
type CommandRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RadioID   string    `json:"radio_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Command   string    `json:"command"`
}

// HistoryQuery represents query parameters for the command history
type HistoryQuery struct {
	Limit    int
	Offset   int
	Since    *time.Time
	RadioID  string
	ClientID string
	Prefix   string
}

// HistoryStats represents command history statistics
type HistoryStats struct {
	TotalCommands int        `json:"total_commands"`
	Stored        int        `json:"stored"`
	LastCleanup   *time.Time `json:"last_cleanup,omitempty"`
}

// RecordCommand appends a command to the history, trimming the oldest
// entries beyond the configured limit
func (s *Store) RecordCommand(radioID, clientID, command string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO command_history (timestamp, radio_id, client_id, command)
		VALUES (?, ?, ?, ?)
	`, time.Now().UTC(), radioID, clientID, command)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE history_stats SET
			total_commands = total_commands + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}

	if err := s.cleanupHistory(tx); err != nil {
		logging.Warnf(logging.CompStorage, "failed to cleanup command history: %v", err)
	}

	return tx.Commit()
}

// cleanupHistory removes commands beyond the maximum limit
func (s *Store) cleanupHistory(tx *sql.Tx) error {
	if s.maxHistory <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM command_history").Scan(&count); err != nil {
		return err
	}
	if count <= s.maxHistory {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM command_history
		WHERE id IN (
			SELECT id FROM command_history
			ORDER BY id ASC
			LIMIT ?
		)
	`, count-s.maxHistory)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE history_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// GetHistory returns commands newest first
func (s *Store) GetHistory(query HistoryQuery) ([]CommandRecord, error) {
	var args []interface{}
	var conditions []string

	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.Since.UTC())
	}
	if query.RadioID != "" {
		conditions = append(conditions, "radio_id = ?")
		args = append(args, query.RadioID)
	}
	if query.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, query.ClientID)
	}
	if query.Prefix != "" {
		conditions = append(conditions, "command LIKE ?")
		args = append(args, strings.ToUpper(query.Prefix)+"%")
	}

	sqlQuery := `SELECT id, timestamp, radio_id, client_id, command FROM command_history`
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += " ORDER BY id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)
		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.RadioID, &rec.ClientID, &rec.Command); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetHistoryStats returns command history statistics
func (s *Store) GetHistoryStats() (HistoryStats, error) {
	var stats HistoryStats
	var last sql.NullTime
	err := s.db.QueryRow("SELECT total_commands, last_cleanup FROM history_stats WHERE id = 1").Scan(&stats.TotalCommands, &last)
	if err != nil {
		return stats, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		t := last.Time
		stats.LastCleanup = &t
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM command_history").Scan(&stats.Stored); err != nil {
		return stats, fmt.Errorf("failed to count history: %w", err)
	}
	return stats, nil
}
