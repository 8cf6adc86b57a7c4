package pg

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

const patientCols = `id, name, COALESCE(channel_identity,''), last_message, last_message_time,
	unread_count, user_is_typing, doctor_is_typing`

var numericIdentity = regexp.MustCompile(`^[+-]?[0-9]+$`)

func scanPatient(row pgx.Row) (domain.PatientSummary, error) {
	var p domain.PatientSummary
	err := row.Scan(&p.ID, &p.Name, &p.ChannelIdentity, &p.LastMessage, &p.LastMessageTime,
		&p.UnreadCount, &p.UserIsTyping, &p.DoctorIsTyping)
	p.LastMessageTime = utc(p.LastMessageTime)
	return p, err
}

func (s *Store) GetPatient(ctx context.Context, id string) (domain.PatientSummary, error) {
	p, err := scanPatient(s.DB.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id=$1`, id))
	if isNoRows(err) {
		return domain.PatientSummary{}, domain.ErrPatientNotFound
	}
	return p, err
}

// ResolvePatient finds the patient linked to a channel identity. An exact
// match wins; otherwise numeric identities are compared by value so "00123",
// "+123" and 123 resolve to the same patient.
func (s *Store) ResolvePatient(ctx context.Context, identity string) (domain.PatientSummary, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return domain.PatientSummary{}, false, nil
	}

	p, err := scanPatient(s.DB.QueryRow(ctx, `
		SELECT `+patientCols+` FROM patients WHERE channel_identity=$1 ORDER BY id LIMIT 1
	`, identity))
	switch {
	case err == nil:
		return p, true, nil
	case !isNoRows(err):
		return domain.PatientSummary{}, false, err
	}

	if !numericIdentity.MatchString(identity) {
		return domain.PatientSummary{}, false, nil
	}
	// CASE keeps the cast away from non-numeric identities
	p, err = scanPatient(s.DB.QueryRow(ctx, `
		SELECT `+patientCols+` FROM patients
		WHERE CASE WHEN btrim(channel_identity) ~ '^[+-]?[0-9]+$'
		           THEN btrim(channel_identity)::numeric END = $1::numeric
		ORDER BY id LIMIT 1
	`, identity))
	switch {
	case err == nil:
		return p, true, nil
	case isNoRows(err):
		return domain.PatientSummary{}, false, nil
	}
	return domain.PatientSummary{}, false, err
}

// ResetUnread clears the unread counter when staff open the conversation.
func (s *Store) ResetUnread(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE patients SET unread_count=0, updated_at=now() WHERE id=$1 AND unread_count <> 0
	`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetPatient(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetTyping(ctx context.Context, patientID string, side domain.TypingSide, on bool) error {
	var q string
	switch side {
	case domain.TypingDoctor:
		q = `UPDATE patients SET doctor_is_typing=$2, updated_at=now() WHERE id=$1 AND doctor_is_typing <> $2`
	case domain.TypingUser:
		q = `UPDATE patients SET user_is_typing=$2, updated_at=now() WHERE id=$1 AND user_is_typing <> $2`
	default:
		return domain.ErrMissingFields
	}
	_, err := s.DB.Exec(ctx, q, patientID, on)
	return err
}

// UpsertPatient links a patient to a channel identity. Patient management
// lives elsewhere; this exists for provisioning and tests.
func (s *Store) UpsertPatient(ctx context.Context, in store.PatientUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO patients (id, name, channel_identity) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, channel_identity=EXCLUDED.channel_identity, updated_at=now()
	`, in.ID, in.Name, nullIfEmpty(strings.TrimSpace(in.ChannelIdentity)))
	return err
}
