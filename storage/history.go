package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nearshare/models"
)

const (
	// DirectionSend marks a transfer this device originated.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this device accepted.
	DirectionReceive = "receive"
)

// TransferRecord is one row of the local transfer history.
type TransferRecord struct {
	TransferID string
	RoomID     string
	FileName   string
	FileSize   int64
	FromDevice string
	ToDevice   string
	Direction  string
	Status     models.TransferStatus
	StoredPath string
	StartedAt  int64
	FinishedAt int64
}

func validDirection(direction string) bool {
	return direction == DirectionSend || direction == DirectionReceive
}

func validStatus(status models.TransferStatus) bool {
	switch status {
	case models.TransferPending, models.TransferTransferring,
		models.TransferCompleted, models.TransferFailed, models.TransferCancelled:
		return true
	}
	return false
}

// RecordTransfer inserts a new history row.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if !validDirection(record.Direction) {
		return fmt.Errorf("invalid direction %q", record.Direction)
	}
	if record.Status == "" {
		record.Status = models.TransferPending
	}
	if !validStatus(record.Status) {
		return fmt.Errorf("invalid status %q", record.Status)
	}
	if record.StartedAt == 0 {
		record.StartedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id, room_id, file_name, file_size,
			from_device, to_device, direction, status,
			stored_path, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.RoomID,
		record.FileName,
		record.FileSize,
		record.FromDevice,
		record.ToDevice,
		record.Direction,
		string(record.Status),
		record.StoredPath,
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus moves a history row to a new status. Terminal
// statuses also stamp finished_at; a completed inbound transfer records
// where the file landed.
func (s *Store) UpdateTransferStatus(transferID string, status models.TransferStatus, storedPath string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if !validStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}

	var finishedAt interface{}
	if status.Terminal() {
		finishedAt = time.Now().Unix()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    stored_path = CASE WHEN ? != '' THEN ? ELSE stored_path END,
		    finished_at = COALESCE(?, finished_at)
		WHERE transfer_id = ?`,
		string(status),
		storedPath, storedPath,
		finishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transferID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest history rows, most recent first.
func (s *Store) ListRecent(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, room_id, file_name, file_size,
		        from_device, to_device, direction, status,
		        stored_path, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfer history: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		var status string
		var finishedAt sql.NullInt64
		if err := rows.Scan(
			&record.TransferID,
			&record.RoomID,
			&record.FileName,
			&record.FileSize,
			&record.FromDevice,
			&record.ToDevice,
			&record.Direction,
			&status,
			&record.StoredPath,
			&record.StartedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		record.Status = models.TransferStatus(status)
		if finishedAt.Valid {
			record.FinishedAt = finishedAt.Int64
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history: %w", err)
	}
	return records, nil
}

// PruneOlderThan deletes history rows started before the cutoff and returns
// how many were removed.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE started_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune transfer history: %w", err)
	}
	return res.RowsAffected()
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
