package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
)

func (s *Store) ListContacts(ctx context.Context, ids []int64) ([]model.Contact, error) {
	q := `SELECT id, phone_number, name, email FROM contacts ORDER BY id`
	args := []any{}
	if len(ids) > 0 {
		q = `SELECT id, phone_number, name, email FROM contacts WHERE id = ANY($1) ORDER BY id`
		args = append(args, int64Slice(ids))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.Email); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreatePendingMessages inserts one pending message per contact, assigned to
// sessionID. Re-sending a campaign resets non-terminal rows instead of
// duplicating them and moves them to sessionID.
func (s *Store) CreatePendingMessages(ctx context.Context, tx *sql.Tx, campaignID, sessionID int64, contactIDs []int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (campaign_id, contact_id, status, last_session_id)
		SELECT $1, unnest($3::bigint[]), 'pending', $2
		ON CONFLICT (campaign_id, contact_id) DO UPDATE
		   SET status = 'pending', error_msg = NULL, last_session_id = EXCLUDED.last_session_id
		 WHERE messages.status NOT IN ('sent','delivered','read')`,
		campaignID, sessionID, int64Slice(contactIDs))
	return err
}

// StartCampaign moves the campaign to sending and recomputes its counters from
// the message rows, so rows reset by a resend stop counting as failed. A
// campaign with nothing left to send is closed right away.
func (s *Store) StartCampaign(ctx context.Context, tx *sql.Tx, id int64) (model.Campaign, error) {
	var c model.Campaign
	err := tx.QueryRowContext(ctx, `
		UPDATE campaigns c
		   SET total_contacts = m.total,
		       sent_count = m.sent,
		       failed_count = m.failed,
		       status = CASE WHEN m.total > 0 AND m.sent + m.failed >= m.total THEN 'sent' ELSE 'sending' END,
		       updated_at = NOW()
		  FROM (SELECT COUNT(*) AS total,
		               COUNT(*) FILTER (WHERE status IN ('sent','delivered','read')) AS sent,
		               COUNT(*) FILTER (WHERE status = 'failed') AS failed
		          FROM messages WHERE campaign_id = $1) m
		 WHERE c.id = $1
		 RETURNING c.id, c.status, c.total_contacts, c.sent_count, c.failed_count`, id).
		Scan(&c.ID, &c.Status, &c.TotalContacts, &c.SentCount, &c.FailedCount)
	if err != nil {
		return model.Campaign{}, notFound(err)
	}
	return c, nil
}

// MarkMessagesWaiting parks the pending messages of the given campaigns after
// their session dropped out.
func (s *Store) MarkMessagesWaiting(ctx context.Context, campaignIDs []int64, sessionID int64, reason string, now time.Time) (int64, error) {
	if len(campaignIDs) == 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		   SET status = 'waiting', error_msg = $1, last_attempt_at = $2, last_session_id = $3
		 WHERE status = 'pending' AND campaign_id = ANY($4)`,
		reason, now, sessionID, int64Slice(campaignIDs))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const queuedSelect = `
	SELECT m.id, m.campaign_id, m.contact_id, m.status, m.retry_count, m.last_attempt_at,
	       m.last_session_id, m.error_msg, m.created_at,
	       ct.phone_number, ct.name, ct.email,
	       c.name, c.message, c.image_url, c.variants, c.buttons, c.session_id, c.status,
	       c.total_contacts, c.sent_count, c.failed_count, c.created_at
	  FROM messages m
	  JOIN contacts ct ON ct.id = m.contact_id
	  JOIN campaigns c ON c.id = m.campaign_id`

func scanQueued(r rowScanner) (model.QueuedMessage, error) {
	var (
		q          model.QueuedMessage
		attempt    sql.NullTime
		lastSess   sql.NullInt64
		errMsg     sql.NullString
		variants   []byte
		buttons    []byte
		campaignSe sql.NullInt64
	)
	m := &q.Message
	c := &q.Campaign
	err := r.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Status, &m.RetryCount, &attempt,
		&lastSess, &errMsg, &m.CreatedAt,
		&q.Contact.PhoneNumber, &q.Contact.Name, &q.Contact.Email,
		&c.Name, &c.Message, &c.ImageURL, &variants, &buttons, &campaignSe, &c.Status,
		&c.TotalContacts, &c.SentCount, &c.FailedCount, &c.CreatedAt)
	if err != nil {
		return model.QueuedMessage{}, err
	}
	m.LastAttemptAt = timePtr(attempt)
	m.LastSessionID = int64Ptr(lastSess)
	m.ErrorMsg = errMsg.String
	q.Contact.ID = m.ContactID
	c.ID = m.CampaignID
	c.SessionID = int64Ptr(campaignSe)
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &c.Variants); err != nil {
			return model.QueuedMessage{}, fmt.Errorf("campaign %d variants: %w", c.ID, err)
		}
	}
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &c.Buttons); err != nil {
			return model.QueuedMessage{}, fmt.Errorf("campaign %d buttons: %w", c.ID, err)
		}
	}
	return q, nil
}

func (s *Store) queryQueued(ctx context.Context, q string, args ...any) ([]model.QueuedMessage, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		qm, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}

// ListWaitingMessages returns the oldest waiting messages first.
func (s *Store) ListWaitingMessages(ctx context.Context, limit int) ([]model.QueuedMessage, error) {
	return s.queryQueued(ctx, queuedSelect+`
	 WHERE m.status = 'waiting'
	 ORDER BY m.created_at, m.id
	 LIMIT $1`, limit)
}

// ListOpenMessages returns the pending and waiting messages of a campaign.
func (s *Store) ListOpenMessages(ctx context.Context, campaignID int64) ([]model.QueuedMessage, error) {
	return s.queryQueued(ctx, queuedSelect+`
	 WHERE m.campaign_id = $1 AND m.status IN ('pending','waiting')
	 ORDER BY m.id`, campaignID)
}

// RequeueMessage moves a pending or waiting message back to pending for
// sessionID. It reports false when the message has meanwhile reached another state.
func (s *Store) RequeueMessage(ctx context.Context, id, sessionID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		   SET status = 'pending', error_msg = NULL, last_session_id = $1
		 WHERE id = $2 AND status IN ('pending','waiting')`, sessionID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetMessage(ctx context.Context, campaignID, contactID int64) (model.Message, error) {
	var (
		m        model.Message
		attempt  sql.NullTime
		lastSess sql.NullInt64
		errMsg   sql.NullString
		waID     sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, contact_id, status, retry_count, last_attempt_at, last_session_id, error_msg, wa_message_id
		  FROM messages
		 WHERE campaign_id = $1 AND contact_id = $2`, campaignID, contactID).
		Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Status, &m.RetryCount, &attempt, &lastSess, &errMsg, &waID)
	if err != nil {
		return model.Message{}, notFound(err)
	}
	m.LastAttemptAt = timePtr(attempt)
	m.LastSessionID = int64Ptr(lastSess)
	m.ErrorMsg = errMsg.String
	m.WAMessageID = waID.String
	return m, nil
}

// Outcome is the result of one send attempt as recorded on the message.
type Outcome struct {
	Status      string
	SessionID   *int64
	WAMessageID string
	ErrorMsg    string
	At          time.Time
}

// FinishMessage records a send attempt on a pending message. It reports false
// when the message was no longer pending, so counters are not bumped twice.
func (s *Store) FinishMessage(ctx context.Context, campaignID, contactID int64, o Outcome) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		   SET status = $1,
		       wa_message_id = COALESCE($2, wa_message_id),
		       error_msg = $3,
		       last_attempt_at = $4,
		       last_session_id = COALESCE($5, last_session_id),
		       sent_at = CASE WHEN $1 = 'sent' THEN $4 ELSE sent_at END,
		       retry_count = retry_count + CASE WHEN $1 = 'sent' THEN 0 ELSE 1 END
		 WHERE campaign_id = $6 AND contact_id = $7 AND status = 'pending'`,
		o.Status, nullStr(o.WAMessageID), nullStr(o.ErrorMsg), o.At, nullInt64(o.SessionID), campaignID, contactID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApplyAck advances a sent message to delivered or read. Acks never move a
// message backwards.
func (s *Store) ApplyAck(ctx context.Context, waMessageID, status string, at time.Time) (model.Message, error) {
	var m model.Message
	err := s.DB.QueryRowContext(ctx, `
		UPDATE messages
		   SET status = $2, delivered_at = COALESCE(delivered_at, $3)
		 WHERE wa_message_id = $1
		   AND (status = 'sent' OR (status = 'delivered' AND $2 = 'read'))
		 RETURNING id, campaign_id, contact_id, status`, waMessageID, status, at).
		Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Status)
	if err != nil {
		return model.Message{}, notFound(err)
	}
	m.WAMessageID = waMessageID
	m.DeliveredAt = &at
	return m, nil
}
