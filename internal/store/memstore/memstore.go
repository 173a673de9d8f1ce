// Package memstore is an in-memory implementation of the store used by tests
// and local dry runs. It mirrors the conditional updates of the Postgres store
// so the engine sees the same semantics.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/store"
)

type Store struct {
	mu        sync.Mutex
	sessions  map[int64]*model.Session
	campaigns map[int64]*model.Campaign
	contacts  map[int64]*model.Contact
	messages  []*model.Message
	nextID    int64
	clock     func() time.Time

	// Fail, when set, is returned by every store call. Tests use it to
	// simulate a broken database.
	Fail error
}

func New() *Store {
	return &Store{
		sessions:  map[int64]*model.Session{},
		campaigns: map[int64]*model.Campaign{},
		contacts:  map[int64]*model.Contact{},
		clock:     time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) AddSession(sess model.Session) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == 0 {
		sess.ID = s.id()
	}
	cp := sess
	s.sessions[sess.ID] = &cp
	return sess
}

func (s *Store) AddContact(c model.Contact) model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := c
	s.contacts[c.ID] = &cp
	return c
}

func (s *Store) AddCampaign(c model.Campaign) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().Add(time.Duration(c.ID) * time.Millisecond)
	}
	cp := c
	s.campaigns[c.ID] = &cp
	return c
}

func (s *Store) AddMessage(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock().Add(time.Duration(m.ID) * time.Millisecond)
	}
	cp := m
	s.messages = append(s.messages, &cp)
	return m
}

// Messages returns a snapshot of every message for a campaign.
func (s *Store) Messages(campaignID int64) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.Fail != nil {
		return s.Fail
	}
	return fn(nil)
}

// sessions

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Session{}, s.Fail
	}
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, store.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) GetSessionByName(ctx context.Context, name string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Session{}, s.Fail
	}
	for _, sess := range s.sessions {
		if sess.Name == name || sess.ExternalName == name {
			return *sess, nil
		}
	}
	return model.Session{}, store.ErrNotFound
}

func (s *Store) updateSession(id int64, fn func(*model.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(sess)
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id int64, status string) error {
	return s.updateSession(id, func(sess *model.Session) { sess.Status = model.NormalizeStatus(status) })
}

func (s *Store) UpdateSessionPhone(ctx context.Context, id int64, phone string) error {
	return s.updateSession(id, func(sess *model.Session) { sess.PhoneNumber = phone })
}

func (s *Store) MarkSessionInactive(ctx context.Context, id int64) error {
	return s.updateSession(id, func(sess *model.Session) {
		sess.Status = model.SessionStopped
		sess.JobLimitReached = false
	})
}

func (s *Store) ReactivateSession(ctx context.Context, id int64) error {
	return s.updateSession(id, func(sess *model.Session) {
		sess.Status = model.SessionWorking
		sess.JobCount = 0
		sess.JobLimitReached = false
		sess.RestingUntil = nil
	})
}

func (s *Store) ResetRestedSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for _, sess := range s.sessions {
		if sess.JobLimitReached && sess.RestingUntil != nil && !sess.RestingUntil.After(now) {
			sess.JobCount = 0
			sess.JobLimitReached = false
			sess.RestingUntil = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) IncrementJobCount(ctx context.Context, id int64, limit int, now, restUntil time.Time) (int, bool, error) {
	var (
		count   int
		reached bool
	)
	err := s.updateSession(id, func(sess *model.Session) {
		sess.JobCount++
		at := now
		sess.LastJobAt = &at
		if !sess.JobLimitReached && sess.JobCount >= limit {
			ru := restUntil
			sess.RestingUntil = &ru
			sess.JobLimitReached = true
		}
		count, reached = sess.JobCount, sess.JobLimitReached
	})
	return count, reached, err
}

// campaigns

func (s *Store) GetCampaign(ctx context.Context, id int64) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Campaign{}, s.Fail
	}
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, store.ErrNotFound
	}
	return *c, nil
}

func (s *Store) sortedCampaigns(keep func(*model.Campaign) bool) []model.Campaign {
	var out []model.Campaign
	for _, c := range s.campaigns {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	out := s.sortedCampaigns(func(c *model.Campaign) bool { return c.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSendingCampaignsBySession(ctx context.Context, sessionID int64) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	return s.sortedCampaigns(func(c *model.Campaign) bool {
		return c.Status == model.CampaignSending && c.SessionID != nil && *c.SessionID == sessionID
	}), nil
}

func (s *Store) updateCampaign(id int64, fn func(*model.Campaign)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(c)
	return nil
}

func (s *Store) StartCampaign(ctx context.Context, tx *sql.Tx, id int64) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Campaign{}, s.Fail
	}
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, store.ErrNotFound
	}
	total, sent, failed := 0, 0, 0
	for _, m := range s.messages {
		if m.CampaignID != id {
			continue
		}
		total++
		switch {
		case model.IsTerminalMessageStatus(m.Status):
			sent++
		case m.Status == model.MessageFailed:
			failed++
		}
	}
	c.TotalContacts, c.SentCount, c.FailedCount = total, sent, failed
	c.Status = model.CampaignSending
	if total > 0 && sent+failed >= total {
		c.Status = model.CampaignSent
	}
	return *c, nil
}

func (s *Store) SetCampaignSession(ctx context.Context, id, sessionID int64) error {
	return s.updateCampaign(id, func(c *model.Campaign) {
		sid := sessionID
		c.SessionID = &sid
	})
}

func (s *Store) SetCampaignStatus(ctx context.Context, id int64, status string) error {
	return s.updateCampaign(id, func(c *model.Campaign) { c.Status = status })
}

func (s *Store) AddCampaignCounts(ctx context.Context, id int64, sent, failed int) (model.Campaign, error) {
	var out model.Campaign
	err := s.updateCampaign(id, func(c *model.Campaign) {
		c.SentCount += sent
		c.FailedCount += failed
		if c.Status == model.CampaignSending && c.TotalContacts > 0 && c.SentCount+c.FailedCount >= c.TotalContacts {
			c.Status = model.CampaignSent
		}
		out = *c
	})
	return out, err
}

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Stats{}, s.Fail
	}
	st := model.Stats{TotalContacts: len(s.contacts), TotalCampaigns: len(s.campaigns)}
	for _, m := range s.messages {
		switch {
		case model.IsTerminalMessageStatus(m.Status):
			st.SentMessages++
		case m.Status == model.MessageFailed:
			st.FailedMessages++
		}
	}
	for _, sess := range s.sessions {
		if sess.IsActive() {
			st.ActiveSessions++
		}
	}
	return st, nil
}

// contacts and messages

func (s *Store) ListContacts(ctx context.Context, ids []int64) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Contact
	for _, c := range s.contacts {
		if len(ids) == 0 || want[c.ID] {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreatePendingMessages(ctx context.Context, tx *sql.Tx, campaignID, sessionID int64, contactIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	existing := map[int64]*model.Message{}
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			existing[m.ContactID] = m
		}
	}
	for _, cid := range contactIDs {
		if m, ok := existing[cid]; ok {
			if !model.IsTerminalMessageStatus(m.Status) {
				m.Status = model.MessagePending
				m.ErrorMsg = ""
				sid := sessionID
				m.LastSessionID = &sid
			}
			continue
		}
		id := s.id()
		sid := sessionID
		s.messages = append(s.messages, &model.Message{
			ID:            id,
			CampaignID:    campaignID,
			ContactID:     cid,
			Status:        model.MessagePending,
			LastSessionID: &sid,
			CreatedAt:     s.clock().Add(time.Duration(id) * time.Millisecond),
		})
	}
	return nil
}

func (s *Store) MarkMessagesWaiting(ctx context.Context, campaignIDs []int64, sessionID int64, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	in := map[int64]bool{}
	for _, id := range campaignIDs {
		in[id] = true
	}
	var n int64
	for _, m := range s.messages {
		if m.Status == model.MessagePending && in[m.CampaignID] {
			at, sid := now, sessionID
			m.Status = model.MessageWaiting
			m.ErrorMsg = reason
			m.LastAttemptAt = &at
			m.LastSessionID = &sid
			n++
		}
	}
	return n, nil
}

func (s *Store) joined(m *model.Message) model.QueuedMessage {
	q := model.QueuedMessage{Message: *m}
	if c, ok := s.contacts[m.ContactID]; ok {
		q.Contact = *c
	}
	if c, ok := s.campaigns[m.CampaignID]; ok {
		q.Campaign = *c
	}
	return q
}

func (s *Store) ListWaitingMessages(ctx context.Context, limit int) ([]model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var waiting []*model.Message
	for _, m := range s.messages {
		if m.Status == model.MessageWaiting {
			waiting = append(waiting, m)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].CreatedAt.Before(waiting[j].CreatedAt) })
	if limit > 0 && len(waiting) > limit {
		waiting = waiting[:limit]
	}
	out := make([]model.QueuedMessage, 0, len(waiting))
	for _, m := range waiting {
		out = append(out, s.joined(m))
	}
	return out, nil
}

func (s *Store) ListOpenMessages(ctx context.Context, campaignID int64) ([]model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []model.QueuedMessage
	for _, m := range s.messages {
		if m.CampaignID == campaignID && (m.Status == model.MessagePending || m.Status == model.MessageWaiting) {
			out = append(out, s.joined(m))
		}
	}
	return out, nil
}

func (s *Store) RequeueMessage(ctx context.Context, id, sessionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	for _, m := range s.messages {
		if m.ID != id {
			continue
		}
		if m.Status != model.MessagePending && m.Status != model.MessageWaiting {
			return false, nil
		}
		sid := sessionID
		m.Status = model.MessagePending
		m.ErrorMsg = ""
		m.LastSessionID = &sid
		return true, nil
	}
	return false, nil
}

func (s *Store) GetMessage(ctx context.Context, campaignID, contactID int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Message{}, s.Fail
	}
	for _, m := range s.messages {
		if m.CampaignID == campaignID && m.ContactID == contactID {
			return *m, nil
		}
	}
	return model.Message{}, store.ErrNotFound
}

func (s *Store) FinishMessage(ctx context.Context, campaignID, contactID int64, o store.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	for _, m := range s.messages {
		if m.CampaignID != campaignID || m.ContactID != contactID {
			continue
		}
		if m.Status != model.MessagePending {
			return false, nil
		}
		at := o.At
		m.Status = o.Status
		m.ErrorMsg = o.ErrorMsg
		m.LastAttemptAt = &at
		if o.WAMessageID != "" {
			m.WAMessageID = o.WAMessageID
		}
		if o.SessionID != nil {
			sid := *o.SessionID
			m.LastSessionID = &sid
		}
		if o.Status == model.MessageSent {
			m.SentAt = &at
		} else {
			m.RetryCount++
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) ApplyAck(ctx context.Context, waMessageID, status string, at time.Time) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return model.Message{}, s.Fail
	}
	for _, m := range s.messages {
		if m.WAMessageID != waMessageID {
			continue
		}
		if m.Status == model.MessageSent || (m.Status == model.MessageDelivered && status == model.MessageRead) {
			m.Status = status
			if m.DeliveredAt == nil {
				t := at
				m.DeliveredAt = &t
			}
			return *m, nil
		}
	}
	return model.Message{}, store.ErrNotFound
}
