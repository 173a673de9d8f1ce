package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mutter0815/MassSender/internal/model"
)

const campaignCols = `id, name, message, image_url, variants, buttons, session_id, status, total_contacts, sent_count, failed_count, created_at`

func scanCampaign(r rowScanner) (model.Campaign, error) {
	var (
		c        model.Campaign
		variants []byte
		buttons  []byte
		session  sql.NullInt64
	)
	err := r.Scan(&c.ID, &c.Name, &c.Message, &c.ImageURL, &variants, &buttons, &session,
		&c.Status, &c.TotalContacts, &c.SentCount, &c.FailedCount, &c.CreatedAt)
	if err != nil {
		return model.Campaign{}, err
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &c.Variants); err != nil {
			return model.Campaign{}, fmt.Errorf("campaign %d variants: %w", c.ID, err)
		}
	}
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &c.Buttons); err != nil {
			return model.Campaign{}, fmt.Errorf("campaign %d buttons: %w", c.ID, err)
		}
	}
	c.SessionID = int64Ptr(session)
	return c, nil
}

func (s *Store) queryCampaigns(ctx context.Context, q string, args ...any) ([]model.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (model.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	return c, notFound(err)
}

// ListCampaignsByStatus returns the oldest campaigns in status first.
func (s *Store) ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]model.Campaign, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryCampaigns(ctx, `
		SELECT `+campaignCols+`
		  FROM campaigns
		 WHERE status = $1
		 ORDER BY created_at, id
		 LIMIT $2`, status, limit)
}

func (s *Store) ListSendingCampaignsBySession(ctx context.Context, sessionID int64) ([]model.Campaign, error) {
	return s.queryCampaigns(ctx, `
		SELECT `+campaignCols+`
		  FROM campaigns
		 WHERE status = 'sending' AND session_id = $1
		 ORDER BY id`, sessionID)
}

func (s *Store) SetCampaignSession(ctx context.Context, id, sessionID int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns SET session_id = $1, updated_at = NOW() WHERE id = $2`, sessionID, id)
	return err
}

func (s *Store) SetCampaignStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return err
}

// AddCampaignCounts increments the delivery counters and closes the campaign
// once every contact has a final outcome.
func (s *Store) AddCampaignCounts(ctx context.Context, id int64, sent, failed int) (model.Campaign, error) {
	var c model.Campaign
	err := s.DB.QueryRowContext(ctx, `
		UPDATE campaigns
		   SET sent_count = sent_count + $2,
		       failed_count = failed_count + $3,
		       status = CASE
		           WHEN status = 'sending' AND total_contacts > 0
		                AND sent_count + $2 + failed_count + $3 >= total_contacts THEN 'sent'
		           ELSE status END,
		       updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, status, total_contacts, sent_count, failed_count`, id, sent, failed).
		Scan(&c.ID, &c.Status, &c.TotalContacts, &c.SentCount, &c.FailedCount)
	if err != nil {
		return model.Campaign{}, notFound(err)
	}
	return c, nil
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM contacts),
		  (SELECT COUNT(*) FROM campaigns),
		  (SELECT COUNT(*) FROM messages WHERE status IN ('sent','delivered','read')),
		  (SELECT COUNT(*) FROM messages WHERE status = 'failed'),
		  (SELECT COUNT(*) FROM sessions WHERE LOWER(status) IN ('working','ready','authenticated'))
	`).Scan(&st.TotalContacts, &st.TotalCampaigns, &st.SentMessages, &st.FailedMessages, &st.ActiveSessions)
	return st, err
}
