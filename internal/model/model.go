package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SessionStarting      = "starting"
	SessionWorking       = "working"
	SessionReady         = "ready"
	SessionAuthenticated = "authenticated"
	SessionStopped       = "stopped"
	SessionFailed        = "failed"
)

const (
	CampaignDraft   = "draft"
	CampaignSending = "sending"
	CampaignSent    = "sent"
	CampaignFailed  = "failed"
)

const (
	MessagePending   = "pending"
	MessageWaiting   = "waiting"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

const MaxButtons = 2

// NormalizeStatus lower-cases a gateway or stored session status.
func NormalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsActiveStatus reports whether a session in this status can send.
func IsActiveStatus(s string) bool {
	switch NormalizeStatus(s) {
	case SessionWorking, SessionReady, SessionAuthenticated:
		return true
	}
	return false
}

type Session struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ExternalName    string     `json:"externalName"`
	Status          string     `json:"status"`
	PhoneNumber     string     `json:"phoneNumber,omitempty"`
	JobCount        int        `json:"jobCount"`
	JobLimitReached bool       `json:"jobLimitReached"`
	RestingUntil    *time.Time `json:"restingUntil,omitempty"`
	LastJobAt       *time.Time `json:"lastJobAt,omitempty"`
}

func (s Session) IsActive() bool { return IsActiveStatus(s.Status) }

// QueueName is the name the gateway knows the session by. It falls back to
// Name for sessions created before external names were tracked.
func (s Session) QueueName() string {
	if s.ExternalName != "" {
		return s.ExternalName
	}
	return s.Name
}

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Campaign struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Message       string    `json:"message"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	Variants      []string  `json:"variants,omitempty"`
	Buttons       []Button  `json:"buttons,omitempty"`
	SessionID     *int64    `json:"sessionId,omitempty"`
	Status        string    `json:"status"`
	TotalContacts int       `json:"totalContacts"`
	SentCount     int       `json:"sentCount"`
	FailedCount   int       `json:"failedCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

var ErrTooManyButtons = fmt.Errorf("a campaign carries at most %d buttons", MaxButtons)

func (c Campaign) Validate() error {
	if len(c.Buttons) > MaxButtons {
		return ErrTooManyButtons
	}
	for i, b := range c.Buttons {
		if strings.TrimSpace(b.Label) == "" || strings.TrimSpace(b.URL) == "" {
			return fmt.Errorf("button %d: label and url are required", i+1)
		}
	}
	if len(c.MessagePool()) == 0 {
		return errors.New("campaign has no message content")
	}
	return nil
}

// MessagePool returns the templates recipients rotate through. Non-empty
// variants supersede the single message.
func (c Campaign) MessagePool() []string {
	pool := make([]string, 0, len(c.Variants))
	for _, v := range c.Variants {
		if strings.TrimSpace(v) != "" {
			pool = append(pool, v)
		}
	}
	if len(pool) > 0 {
		return pool
	}
	if strings.TrimSpace(c.Message) != "" {
		return []string{c.Message}
	}
	return nil
}

// ActiveButtons returns at most MaxButtons complete buttons, in order.
func (c Campaign) ActiveButtons() []Button {
	out := make([]Button, 0, MaxButtons)
	for _, b := range c.Buttons {
		if len(out) == MaxButtons {
			break
		}
		if strings.TrimSpace(b.Label) == "" || strings.TrimSpace(b.URL) == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

type Message struct {
	ID            int64      `json:"id"`
	CampaignID    int64      `json:"campaignId"`
	ContactID     int64      `json:"contactId"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastSessionID *int64     `json:"lastSessionId,omitempty"`
	ErrorMsg      string     `json:"errorMsg,omitempty"`
	WAMessageID   string     `json:"waMessageId,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func IsTerminalMessageStatus(s string) bool {
	switch s {
	case MessageSent, MessageDelivered, MessageRead:
		return true
	}
	return false
}

type Contact struct {
	ID          int64  `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
}

func (c Contact) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.PhoneNumber
}

// QueuedMessage is a message joined with what is needed to re-enqueue it.
type QueuedMessage struct {
	Message  Message
	Contact  Contact
	Campaign Campaign
}

// Stats is the dashboard summary broadcast to observers.
type Stats struct {
	TotalContacts  int `json:"totalContacts"`
	TotalCampaigns int `json:"totalCampaigns"`
	SentMessages   int `json:"sentMessages"`
	FailedMessages int `json:"failedMessages"`
	ActiveSessions int `json:"activeSessions"`
}
