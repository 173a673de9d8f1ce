// Package notify broadcasts state changes to observers. Delivery is fire and
// forget: a sink that fails logs and moves on, it never fails the caller.
package notify

import (
	"context"
	"encoding/json"

	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/pkg/logx"
)

const (
	EventStats    = "stats:update"
	EventCampaign = "campaign:update"
	EventMessage  = "message:update"
	EventSession  = "session:update"
)

// Event is the wire envelope shared by websocket observers and the fanout
// exchange.
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type CampaignUpdate struct {
	CampaignID    int64  `json:"campaignId"`
	Status        string `json:"status,omitempty"`
	SentCount     int    `json:"sentCount"`
	FailedCount   int    `json:"failedCount"`
	TotalContacts int    `json:"totalContacts"`
}

func CampaignUpdateOf(c model.Campaign) CampaignUpdate {
	return CampaignUpdate{
		CampaignID:    c.ID,
		Status:        c.Status,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		TotalContacts: c.TotalContacts,
	}
}

type MessageUpdate struct {
	CampaignID  int64  `json:"campaignId"`
	ContactID   int64  `json:"contactId"`
	Status      string `json:"status"`
	WAMessageID string `json:"waMessageId,omitempty"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
}

type SessionUpdate struct {
	SessionID   int64  `json:"sessionId"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

func SessionUpdateOf(s model.Session) SessionUpdate {
	return SessionUpdate{SessionID: s.ID, Name: s.Name, Status: s.Status, PhoneNumber: s.PhoneNumber}
}

// Sink receives encoded events.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Notifier encodes typed updates and hands them to every sink. A nil
// *Notifier drops everything, which keeps call sites free of nil checks.
type Notifier struct {
	sinks []Sink
}

func New(sinks ...Sink) *Notifier {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Notifier{sinks: out}
}

func (n *Notifier) Stats(ctx context.Context, s model.Stats) { n.emit(ctx, EventStats, s) }
func (n *Notifier) Campaign(ctx context.Context, u CampaignUpdate) { n.emit(ctx, EventCampaign, u) }
func (n *Notifier) Message(ctx context.Context, u MessageUpdate) { n.emit(ctx, EventMessage, u) }
func (n *Notifier) Session(ctx context.Context, u SessionUpdate) { n.emit(ctx, EventSession, u) }

func (n *Notifier) emit(ctx context.Context, typ string, payload any) {
	if n == nil || len(n.sinks) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logx.L().Warnw("notify_encode_error", "event", typ, "error", err)
		return
	}
	ev := Event{Type: typ, Data: data}
	for _, s := range n.sinks {
		s.Publish(ctx, ev)
	}
}
