package model

import "strconv"

// Job is the per-recipient queue payload.
type Job struct {
	CampaignID   int64    `json:"campaignId"`
	ContactID    int64    `json:"contactId"`
	PhoneNumber  string   `json:"phoneNumber"`
	Message      string   `json:"message"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	Buttons      []Button `json:"buttons"`
	SessionName  string   `json:"sessionName"`
	MessageIndex int      `json:"messageIndex"`
	BatchIndex   int      `json:"batchIndex"`
}

// JobID is the idempotency key for a (campaign, contact) pair.
func JobID(campaignID, contactID int64) string {
	return strconv.FormatInt(campaignID, 10) + "_" + strconv.FormatInt(contactID, 10)
}

func (j Job) ID() string { return JobID(j.CampaignID, j.ContactID) }
