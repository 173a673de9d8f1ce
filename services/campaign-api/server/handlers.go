package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassSender/internal/autocampaign"
	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/recovery"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/internal/variation"
	"github.com/Mutter0815/MassSender/pkg/logx"
)

type storeAPI interface {
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	ListContacts(ctx context.Context, ids []int64) ([]model.Contact, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
	GetSessionByName(ctx context.Context, name string) (model.Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, status string) error
	ApplyAck(ctx context.Context, waMessageID, status string, at time.Time) (model.Message, error)
}

type senderAPI interface {
	SendCampaign(ctx context.Context, campaignID int64, contactIDs []int64) (*dispatch.SendResult, error)
}

type recoveryAPI interface {
	RecoverFailedCampaigns(ctx context.Context) (recovery.Result, error)
}

type redistributorAPI interface {
	Redistribute(ctx context.Context) (int, error)
}

type autoAPI interface {
	RunOnce(ctx context.Context) (*autocampaign.RunResult, error)
}

type sessionsAPI interface {
	AllAvailable(ctx context.Context) ([]model.Session, error)
}

type gatewayAPI interface {
	StartSession(ctx context.Context, name string) error
	StopSession(ctx context.Context, name string) error
	QRCode(ctx context.Context, name string) (string, error)
}

type Handlers struct {
	Store    storeAPI
	Sender   senderAPI
	Recovery recoveryAPI
	Redist   redistributorAPI
	Auto     autoAPI
	Sessions sessionsAPI
	Gateway  gatewayAPI
	Notifier *notify.Notifier
	// Hub serves GET /ws. Nil disables the route.
	Hub http.Handler
	// Render is used for previews; nil uses variation.Render.
	Render func(template string, r variation.Recipient) string
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type sendReq struct {
	ContactIDs []int64 `json:"contactIds"`
}

func (h *Handlers) SendCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req sendReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	res, err := h.Sender.SendCampaign(ctx, id, req.ContactIDs)
	if err != nil {
		status := sendErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logx.L().Errorw("send_campaign_error", "campaign_id", id, "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrSessionInactive), errors.Is(err, dispatch.ErrNoSession),
		errors.Is(err, dispatch.ErrCampaignState):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrEmptyContent), errors.Is(err, dispatch.ErrInvalidCampaign),
		errors.Is(err, dispatch.ErrNoContacts):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

type validateReq struct {
	Message  string   `json:"message"`
	Variants []string `json:"variants"`
}

type templateIssue struct {
	Field    string `json:"field"`
	Position int    `json:"position"`
	Error    string `json:"error"`
}

func (h *Handlers) ValidateTemplate(c *gin.Context) {
	var req validateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	issues := []templateIssue{}
	check := func(field, text string) {
		var se *variation.SyntaxError
		if err := variation.ValidateSpintext(text); errors.As(err, &se) {
			issues = append(issues, templateIssue{Field: field, Position: se.Pos, Error: se.Msg})
		}
	}
	check("message", req.Message)
	for i, v := range req.Variants {
		check("variants["+strconv.Itoa(i)+"]", v)
	}
	c.JSON(http.StatusOK, gin.H{"valid": len(issues) == 0, "issues": issues})
}

type previewReq struct {
	ContactID int64 `json:"contactId"`
}

func (h *Handlers) PreviewCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req previewReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": "campaign not found"})
		return
	}
	pool := camp.MessagePool()
	if len(pool) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": dispatch.ErrEmptyContent.Error()})
		return
	}

	r := variation.Recipient{Name: "Sample", Phone: "6281234567890"}
	if req.ContactID > 0 {
		contacts, err := h.Store.ListContacts(ctx, []int64{req.ContactID})
		if err != nil {
			logx.L().Errorw("preview_contact_error", "contact_id", req.ContactID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "contact lookup failed"})
			return
		}
		if len(contacts) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		r = variation.Recipient{ID: contacts[0].ID, Name: contacts[0].Name, Phone: contacts[0].PhoneNumber}
	}

	render := h.Render
	if render == nil {
		render = variation.Render
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  render(variation.PickVariant(pool, 0), r),
		"imageUrl": camp.ImageURL,
		"buttons":  camp.ActiveButtons(),
		"variants": len(pool),
	})
}

func (h *Handlers) RunRecovery(c *gin.Context) {
	res, err := h.Recovery.RecoverFailedCampaigns(c.Request.Context())
	if err != nil {
		logx.L().Errorw("recovery_run_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Redistribute(c *gin.Context) {
	n, err := h.Redist.Redistribute(c.Request.Context())
	if err != nil {
		logx.L().Errorw("redistribute_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"redistributed": n})
}

func (h *Handlers) RunAutoCampaign(c *gin.Context) {
	res, err := h.Auto.RunOnce(c.Request.Context())
	if err != nil {
		logx.L().Errorw("auto_campaign_run_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) AvailableSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Sessions.AllAvailable(ctx)
	if err != nil {
		logx.L().Errorw("available_sessions_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list error"})
		return
	}
	if out == nil {
		out = []model.Session{}
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) session(c *gin.Context) (model.Session, bool) {
	id, ok := pathID(c)
	if !ok {
		return model.Session{}, false
	}
	s, err := h.Store.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": "session not found"})
		return model.Session{}, false
	}
	return s, true
}

func (h *Handlers) StartSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.Gateway.StartSession(c.Request.Context(), s.QueueName()); err != nil {
		h.gatewayError(c, "start", s, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.Name, "started": true})
}

func (h *Handlers) StopSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.Gateway.StopSession(c.Request.Context(), s.QueueName()); err != nil {
		h.gatewayError(c, "stop", s, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.Name, "stopped": true})
}

func (h *Handlers) SessionQR(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	qr, err := h.Gateway.QRCode(c.Request.Context(), s.QueueName())
	if err != nil {
		h.gatewayError(c, "qr", s, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.Name, "qr": qr})
}

func (h *Handlers) gatewayError(c *gin.Context, op string, s model.Session, err error) {
	var rej *gateway.RejectedError
	if errors.As(err, &rej) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rej.Message})
		return
	}
	logx.L().Warnw("gateway_call_error", "op", op, "session", s.Name, "error", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "gateway unavailable"})
}

type webhookReq struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	Payload struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Ack    int    `json:"ack"`
	} `json:"payload"`
}

// GatewayWebhook takes session and delivery events pushed by the gateway.
// Unknown events and unknown ids are acknowledged and ignored so the gateway
// does not retry them.
func (h *Handlers) GatewayWebhook(c *gin.Context) {
	var req webhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	switch req.Event {
	case "session.status":
		h.sessionStatus(ctx, c, req)
	case "message.ack":
		h.messageAck(ctx, c, req)
	default:
		c.JSON(http.StatusOK, gin.H{"ignored": true})
	}
}

func (h *Handlers) sessionStatus(ctx context.Context, c *gin.Context, req webhookReq) {
	s, err := h.Store.GetSessionByName(ctx, req.Session)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	if err != nil {
		logx.L().Errorw("webhook_session_lookup_error", "session", req.Session, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	status := model.NormalizeStatus(req.Payload.Status)
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing status"})
		return
	}
	if err := h.Store.UpdateSessionStatus(ctx, s.ID, status); err != nil {
		logx.L().Errorw("webhook_session_update_error", "session", s.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	s.Status = status
	h.Notifier.Session(ctx, notify.SessionUpdateOf(s))
	logx.L().Infow("webhook_session_status", "session", s.Name, "status", status)
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ackStatus maps gateway ack levels: 2 delivered, 3 and above read.
func ackStatus(ack int) string {
	switch {
	case ack >= 3:
		return model.MessageRead
	case ack == 2:
		return model.MessageDelivered
	}
	return ""
}

func (h *Handlers) messageAck(ctx context.Context, c *gin.Context, req webhookReq) {
	status := ackStatus(req.Payload.Ack)
	id := strings.TrimSpace(req.Payload.ID)
	if status == "" || id == "" {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	m, err := h.Store.ApplyAck(ctx, id, status, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	if err != nil {
		logx.L().Errorw("webhook_ack_error", "wa_message_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	h.Notifier.Message(ctx, notify.MessageUpdate{
		CampaignID:  m.CampaignID,
		ContactID:   m.ContactID,
		Status:      m.Status,
		WAMessageID: id,
	})
	c.JSON(http.StatusOK, gin.H{"updated": true, "status": m.Status})
}

func statusOf(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
