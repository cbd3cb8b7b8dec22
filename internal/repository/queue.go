package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/store"
)

const queueColumns = `seq, entity_type, entity_id, parent_type, parent_id, payload, status, attempts, last_error, created_at, updated_at`

func scanQueueEntry(row scanner) (*model.QueueEntry, error) {
	var (
		e                    model.QueueEntry
		entityType, status   string
		parentType, parentID sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&e.Seq, &entityType, &e.Ref.ID, &parentType, &parentID, &e.Payload,
		&status, &e.Attempts, &e.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Ref.Type = model.EntityType(entityType)
	if parentType.Valid && parentID.Valid {
		e.Parent = &model.EntityRef{Type: model.EntityType(parentType.String), ID: parentID.String}
	}
	e.Status = model.SyncStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

// InsertQueueEntry добавляет запись журнала синхронизации и присваивает ей Seq.
func (t *tx) InsertQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	var parentType, parentID sql.NullString
	if e.Parent != nil {
		parentType = sql.NullString{String: string(e.Parent.Type), Valid: true}
		parentID = sql.NullString{String: e.Parent.ID, Valid: true}
	}

	// ON CONFLICT не прерывает транзакцию PostgreSQL, в отличие от ошибки уникальности
	err := t.queryRow(ctx,
		`INSERT INTO sync_queue (entity_type, entity_id, parent_type, parent_id, payload, status, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO NOTHING
		 RETURNING seq`,
		string(e.Ref.Type), e.Ref.ID, parentType, parentID, e.Payload,
		string(e.Status), e.Attempts, e.LastError, nanos(e.CreatedAt), nanos(e.UpdatedAt),
	).Scan(&e.Seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue entry %s: %w", e.Ref.RecordID(), store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert queue entry %s: %w", e.Ref.RecordID(), err)
	}
	return nil
}

// GetQueueEntry возвращает запись журнала по ссылке на сущность.
func (t *tx) GetQueueEntry(ctx context.Context, ref model.EntityRef) (*model.QueueEntry, error) {
	e, err := scanQueueEntry(t.queryRow(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		string(ref.Type), ref.ID))
	if err != nil {
		return nil, notFound(err, "queue entry "+ref.RecordID())
	}
	return e, nil
}

// ListQueueEntries возвращает записи со статусом status в порядке Seq.
func (t *tx) ListQueueEntries(ctx context.Context, status model.SyncStatus, limit int) ([]model.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = ? ORDER BY seq`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select queue entries: %w", err)
	}
	defer rows.Close()

	var res []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpdateQueueEntry сохраняет статус, число попыток и последнюю ошибку записи.
func (t *tx) UpdateQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	res, err := t.exec(ctx,
		`UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE seq = ?`,
		string(e.Status), e.Attempts, e.LastError, nanos(e.UpdatedAt), e.Seq,
	)
	if err != nil {
		return fmt.Errorf("update queue entry %d: %w", e.Seq, err)
	}
	return expectOne(res, fmt.Sprintf("queue entry %d", e.Seq))
}

// CountQueueByStatus возвращает количество записей журнала по статусам.
func (t *tx) CountQueueByStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := t.query(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	defer rows.Close()

	res := make(map[model.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		res[model.SyncStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
