package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const taskCols = `id, patient_id, target_channel_identity, action,
	COALESCE(text,''), COALESCE(image_url,''), COALESCE(voice_url,''), COALESCE(external_message_id,''),
	originating_message_id, status, created_at, attempts, claimed_at,
	COALESCE(last_error,''), COALESCE(result_external_message_id,''), completed_at`

func scanTask(row pgx.Row) (domain.OutboundTask, error) {
	var t domain.OutboundTask
	err := row.Scan(&t.ID, &t.PatientID, &t.TargetChannelIdentity, &t.Action,
		&t.Text, &t.ImageURL, &t.VoiceURL, &t.ExternalMessageID,
		&t.OriginatingMessageID, &t.Status, &t.CreatedAt, &t.Attempts, &t.ClaimedAt,
		&t.LastError, &t.ResultExternalMessageID, &t.CompletedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ClaimedAt = utc(t.ClaimedAt)
	t.CompletedAt = utc(t.CompletedAt)
	return t, err
}

func collectTasks(rows pgx.Rows) ([]domain.OutboundTask, error) {
	defer rows.Close()
	var out []domain.OutboundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertTask(ctx context.Context, t domain.OutboundTask) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO outbound_tasks (id, patient_id, target_channel_identity, action, text, image_url, voice_url,
		                            external_message_id, originating_message_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'PENDING',$10)
	`, t.ID, t.PatientID, t.TargetChannelIdentity, string(t.Action), nullIfEmpty(t.Text), nullIfEmpty(t.ImageURL),
		nullIfEmpty(t.VoiceURL), nullIfEmpty(t.ExternalMessageID), t.OriginatingMessageID, t.CreatedAt)
	return err
}

func (s *Store) MarkPublished(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE outbound_tasks SET published_at=$2 WHERE id=$1`, id, now)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.OutboundTask, error) {
	t, err := scanTask(s.DB.QueryRow(ctx, `SELECT `+taskCols+` FROM outbound_tasks WHERE id=$1`, id))
	if isNoRows(err) {
		return domain.OutboundTask{}, store.ErrTaskNotFound
	}
	return t, err
}

// ClaimTask takes a PENDING task for one delivery. It fails when another
// consumer holds a fresh claim or the delivery budget is spent.
func (s *Store) ClaimTask(ctx context.Context, id string, now time.Time, staleAfter time.Duration, maxDeliveries int) (domain.OutboundTask, bool, error) {
	t, err := scanTask(s.DB.QueryRow(ctx, `
		UPDATE outbound_tasks
		SET claimed_at=$2, attempts=attempts+1
		WHERE id=$1 AND status='PENDING' AND attempts < $4 AND (claimed_at IS NULL OR claimed_at < $3)
		RETURNING `+taskCols,
		id, now, now.Add(-staleAfter), maxDeliveries))
	if isNoRows(err) {
		return domain.OutboundTask{}, false, nil
	}
	if err != nil {
		return domain.OutboundTask{}, false, err
	}
	return t, true, nil
}

// ReleaseTask drops the claim so a redelivered job can pick the task up again.
func (s *Store) ReleaseTask(ctx context.Context, id, lastError string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outbound_tasks SET claimed_at=NULL, last_error=$2 WHERE id=$1 AND status='PENDING'
	`, id, nullIfEmpty(lastError))
	return err
}

// CompleteTask writes the terminal state. The originating message is updated
// in the same transaction: a delivered SEND records the external id, a
// failed SEND records the delivery error.
func (s *Store) CompleteTask(ctx context.Context, in store.TaskCompletion) (store.CompletionResult, error) {
	var res store.CompletionResult
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE outbound_tasks
			SET status=$2, last_error=$3, result_external_message_id=$4, completed_at=$5, claimed_at=NULL
			WHERE id=$1 AND status='PENDING'
		`, in.Task.ID, string(in.Status), nullIfEmpty(in.Reason), nullIfEmpty(in.ResultExternalMessageID), in.Now)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		res.Applied = true

		if in.Task.Action != domain.ActionSend {
			return nil
		}
		switch in.Status {
		case domain.TaskDelivered:
			ct, err = tx.Exec(ctx, `
				UPDATE messages SET external_message_id=$2, delivery_error=NULL WHERE id=$1
			`, in.Task.OriginatingMessageID, in.ResultExternalMessageID)
			if err != nil {
				return err
			}
			res.Orphaned = ct.RowsAffected() == 0
		case domain.TaskFailed:
			_, err = tx.Exec(ctx, `UPDATE messages SET delivery_error=$2 WHERE id=$1`,
				in.Task.OriginatingMessageID, in.Reason)
			return err
		}
		return nil
	})
	return res, err
}

// LatestTaskForMessage returns the newest task created for a message.
func (s *Store) LatestTaskForMessage(ctx context.Context, messageID string) (domain.OutboundTask, bool, error) {
	t, err := scanTask(s.DB.QueryRow(ctx, `
		SELECT `+taskCols+` FROM outbound_tasks WHERE originating_message_id=$1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, messageID))
	if isNoRows(err) {
		return domain.OutboundTask{}, false, nil
	}
	if err != nil {
		return domain.OutboundTask{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.OutboundTask, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+taskCols+` FROM outbound_tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(f.Status), f.Limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListStalePending returns PENDING tasks not published or claimed since before.
func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.OutboundTask, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+taskCols+` FROM outbound_tasks
		WHERE status='PENDING'
		  AND COALESCE(published_at, created_at) < $1
		  AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ExpirePending fails PENDING tasks created before cutoff with reason
// pending_expired and flags the originating SEND messages.
func (s *Store) ExpirePending(ctx context.Context, cutoff, now time.Time, limit int) ([]domain.OutboundTask, error) {
	rows, err := s.DB.Query(ctx, `
		WITH expired AS (
			UPDATE outbound_tasks
			SET status='FAILED', last_error='pending_expired', completed_at=$2, claimed_at=NULL
			WHERE id IN (
				SELECT id FROM outbound_tasks
				WHERE status='PENDING' AND created_at < $1
				ORDER BY created_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskCols+`
		), flagged AS (
			UPDATE messages m SET delivery_error='pending_expired'
			FROM expired e
			WHERE e.action='SEND' AND m.id=e.originating_message_id
		)
		SELECT * FROM expired
	`, cutoff, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
