package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chatsync/internal/conversation"
	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const messageCols = `id, patient_id, sender, created_at, display_time,
	COALESCE(text,''), COALESCE(image,''), COALESCE(voice,''),
	COALESCE(external_message_id,''), COALESCE(status,''), COALESCE(delivery_error,''), edited_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.PatientID, &m.Sender, &m.CreatedAt, &m.Time,
		&m.Text, &m.Image, &m.Voice, &m.ExternalMessageID, &m.Status, &m.DeliveryError, &m.EditedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.EditedAt = utc(m.EditedAt)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertMessage(ctx context.Context, tx pgx.Tx, m domain.Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (id, patient_id, sender, created_at, display_time, text, image, voice,
		                      external_message_id, status, delivery_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.PatientID, string(m.Sender), m.CreatedAt, m.Time, nullIfEmpty(m.Text), nullIfEmpty(m.Image),
		nullIfEmpty(m.Voice), nullIfEmpty(m.ExternalMessageID), nullIfEmpty(string(m.Status)), nullIfEmpty(m.DeliveryError))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

// touchLastMessage moves the summary preview forward; an older message never
// overwrites a newer preview.
const touchLastMessage = `
	last_message = CASE WHEN last_message_time IS NULL OR $3 >= last_message_time THEN $2 ELSE last_message END,
	last_message_time = GREATEST(COALESCE(last_message_time, $3), $3),
	updated_at = now()`

// AppendOutbound stores a staff message and updates the patient preview.
func (s *Store) AppendOutbound(ctx context.Context, m domain.Message) error {
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `UPDATE patients SET `+touchLastMessage+` WHERE id=$1`,
			m.PatientID, m.Preview(), m.CreatedAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrPatientNotFound
		}
		return nil
	})
}

// AppendInbound stores a patient message and, in the same transaction,
// increments the unread counter with a single atomic statement.
func (s *Store) AppendInbound(ctx context.Context, m domain.Message) error {
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `
			UPDATE patients SET unread_count = unread_count + 1, user_is_typing = false, `+touchLastMessage+`
			WHERE id=$1
		`, m.PatientID, m.Preview(), m.CreatedAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrPatientNotFound
		}
		return nil
	})
}

// FetchLatest returns the n most recent messages in display order.
func (s *Store) FetchLatest(ctx context.Context, patientID string, n int) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE patient_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, patientID, n)
	if err != nil {
		return nil, err
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	conversation.Reverse(out)
	return out, nil
}

// FetchOlderThan returns up to n messages strictly older than c, in display order.
func (s *Store) FetchOlderThan(ctx context.Context, c conversation.Cursor, n int) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE patient_id=$1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, c.PatientID, c.CreatedAt, c.ID, n)
	if err != nil {
		return nil, err
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	conversation.Reverse(out)
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, patientID, id string) (domain.Message, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `
		SELECT `+messageCols+` FROM messages WHERE patient_id=$1 AND id=$2
	`, patientID, id))
	if isNoRows(err) {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return m, err
}

func (s *Store) UpdateMessageText(ctx context.Context, patientID, id, text string, now time.Time) error {
	n, err := s.editText(ctx, `patient_id=$1 AND id=$2`, patientID, id, text, now)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// editText updates the text of the rows matching where and, when the edited
// row is the newest of the conversation, its preview on the patient summary.
// $1 is the patient id and $2 the key used by where.
func (s *Store) editText(ctx context.Context, where, patientID, key, text string, now time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		WITH edited AS (
			UPDATE messages SET text=$3, edited_at=$4
			WHERE `+where+`
			RETURNING id, patient_id, COALESCE(text,'') AS text, image, voice
		), latest AS (
			SELECT id FROM messages WHERE patient_id=$1
			ORDER BY created_at DESC, id DESC LIMIT 1
		), touched AS (
			UPDATE patients p SET
				last_message = CASE
					WHEN e.text <> '' THEN $5
					WHEN e.image IS NOT NULL THEN '[image]'
					WHEN e.voice IS NOT NULL THEN '[voice]'
					ELSE '' END,
				updated_at = now()
			FROM edited e
			WHERE p.id=e.patient_id AND e.id IN (SELECT id FROM latest)
			RETURNING p.id
		)
		SELECT count(*) FROM edited
	`, patientID, key, text, now, domain.Message{Text: text}.Preview()).Scan(&n)
	return n, err
}

// DeleteMessage removes a message and recomputes the patient preview.
// Deleting a message that no longer exists is not an error.
func (s *Store) DeleteMessage(ctx context.Context, patientID, id string) (bool, error) {
	var deleted bool
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM messages WHERE patient_id=$1 AND id=$2`, patientID, id)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		deleted = true

		latest, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageCols+` FROM messages WHERE patient_id=$1
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, patientID))
		switch {
		case isNoRows(err):
			_, err = tx.Exec(ctx, `
				UPDATE patients SET last_message='', last_message_time=NULL, updated_at=now() WHERE id=$1
			`, patientID)
			return err
		case err != nil:
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE patients SET last_message=$2, last_message_time=$3, updated_at=now() WHERE id=$1
		`, patientID, latest.Preview(), latest.CreatedAt)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete message %s: %w", id, err)
	}
	return deleted, nil
}

// UpdateInboundText applies a channel-side edit of a patient message.
func (s *Store) UpdateInboundText(ctx context.Context, patientID, externalID, text string, now time.Time) (bool, error) {
	n, err := s.editText(ctx, `patient_id=$1 AND external_message_id=$2 AND sender='patient'`, patientID, externalID, text, now)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdvanceStatus moves a staff message's status forward. Regressions and
// repeats are ignored; the return value reports whether a row changed.
func (s *Store) AdvanceStatus(ctx context.Context, r store.Receipt) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages m SET status=$3::text
		FROM patients p
		WHERE m.patient_id=p.id AND p.channel_identity=$1 AND m.external_message_id=$2 AND m.sender='staff'
		  AND (CASE $3::text WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'seen' THEN 3 ELSE 0 END)
		    > (CASE m.status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'seen' THEN 3 ELSE 0 END)
	`, r.ChannelIdentity, r.ExternalMessageID, string(r.Status))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkDeliveryFailed records a channel-reported failure on a staff message.
func (s *Store) MarkDeliveryFailed(ctx context.Context, channelIdentity, externalID, reason string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages m SET delivery_error=$3
		FROM patients p
		WHERE m.patient_id=p.id AND p.channel_identity=$1 AND m.external_message_id=$2 AND m.sender='staff'
	`, channelIdentity, externalID, reason)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// StaffMessageExists reports whether a staff message with the external id
// is stored for the identity.
func (s *Store) StaffMessageExists(ctx context.Context, channelIdentity, externalID string) (bool, error) {
	var ok bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages m JOIN patients p ON p.id=m.patient_id
			WHERE p.channel_identity=$1 AND m.external_message_id=$2 AND m.sender='staff'
		)
	`, channelIdentity, externalID).Scan(&ok)
	return ok, err
}
