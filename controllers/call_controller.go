package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"voiceagent/middlewares"
	"voiceagent/models"
	"voiceagent/services"
	"voiceagent/sessions"
)

// Used when even the TwiML renderer fails.
const staticHangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Sorry, an error occurred. Goodbye.</Say><Hangup/></Response>`

// CallController serves the Twilio voice webhooks.
type CallController struct {
	manager *sessions.Manager
	voice   *services.TwilioService
	logger  *slog.Logger
}

func NewCallController(manager *sessions.Manager, voice *services.TwilioService, logger *slog.Logger) *CallController {
	return &CallController{manager: manager, voice: voice, logger: logger}
}

// IncomingCall answers a new call with the greeting and the first gather.
func (cc *CallController) IncomingCall(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := c.PostForm("CallSid")
	c.Set(middlewares.CallSIDKey, callSID)

	greeting, err := cc.manager.HandleCallStarted(ctx, callSID)
	switch {
	case errors.Is(err, sessions.ErrInvalidCallID):
		cc.logger.WarnContext(ctx, "incoming call without a valid CallSid", "err", err)
		cc.hangup(c, http.StatusBadRequest, services.ErrorFarewell)
		return
	case errors.Is(err, sessions.ErrSessionEnded):
		cc.hangup(c, http.StatusOK, services.TimeoutFarewell)
		return
	case err != nil:
		cc.logger.ErrorContext(ctx, "call start failed", "call_sid", callSID, "err", err)
		cc.hangup(c, http.StatusOK, services.ErrorFarewell)
		return
	}

	body, err := cc.voice.GreetingTwiML(greeting)
	cc.writeTwiML(c, http.StatusOK, body, err)
}

// Conversation handles one round of gathered speech.
func (cc *CallController) Conversation(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := c.PostForm("CallSid")
	speech := strings.TrimSpace(c.PostForm("SpeechResult"))
	c.Set(middlewares.CallSIDKey, callSID)

	if speech == "" {
		cc.noSpeech(c, callSID)
		return
	}

	turn, err := cc.manager.HandleUtterance(ctx, callSID, speech)
	switch {
	case errors.Is(err, sessions.ErrInvalidCallID):
		cc.logger.WarnContext(ctx, "speech result without a valid CallSid", "err", err)
		cc.hangup(c, http.StatusBadRequest, services.ErrorFarewell)
		return
	case errors.Is(err, sessions.ErrSessionEnded):
		cc.logger.InfoContext(ctx, "speech for a finished call", "call_sid", callSID)
		cc.hangup(c, http.StatusOK, services.TimeoutFarewell)
		return
	case errors.Is(err, sessions.ErrUnknownSession):
		cc.logger.WarnContext(ctx, "speech for an unknown call", "call_sid", callSID)
		cc.hangup(c, http.StatusOK, services.ErrorFarewell)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		cc.logger.WarnContext(ctx, "speech abandoned while waiting for the previous reply", "call_sid", callSID)
		cc.hangup(c, http.StatusOK, services.ApologyFarewell)
		return
	case err != nil:
		cc.logger.ErrorContext(ctx, "conversation turn failed", "call_sid", callSID, "err", err)
		cc.hangup(c, http.StatusOK, services.ApologyFarewell)
		return
	}

	if turn.EndCall {
		body, err := cc.voice.HangupTwiML(turn.Reply)
		cc.writeTwiML(c, http.StatusOK, body, err)
		return
	}
	body, err := cc.voice.ReplyTwiML(turn.Reply)
	cc.writeTwiML(c, http.StatusOK, body, err)
}

func (cc *CallController) noSpeech(c *gin.Context, callSID string) {
	ctx := c.Request.Context()
	_, err := cc.manager.HandleSilenceTimeout(ctx, callSID)
	switch {
	case errors.Is(err, sessions.ErrInvalidCallID):
		cc.hangup(c, http.StatusBadRequest, services.ErrorFarewell)
		return
	case errors.Is(err, sessions.ErrUnknownSession):
		cc.logger.DebugContext(ctx, "no speech for an untracked call", "call_sid", callSID)
	case err != nil:
		cc.logger.ErrorContext(ctx, "silence handling failed", "call_sid", callSID, "err", err)
	}
	cc.hangup(c, http.StatusOK, services.NoSpeechFarewell)
}

// CallStatus receives Twilio's status callbacks. Only terminal statuses end
// the call; the rest are acknowledged and ignored.
func (cc *CallController) CallStatus(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := c.PostForm("CallSid")
	callStatus := c.PostForm("CallStatus")
	c.Set(middlewares.CallSIDKey, callSID)

	status, terminal := terminalStatus(callStatus)
	if !terminal {
		cc.logger.DebugContext(ctx, "call status update", "call_sid", callSID, "call_status", callStatus)
		c.Status(http.StatusOK)
		return
	}

	cc.logger.InfoContext(ctx, "call status update", "call_sid", callSID, "call_status", callStatus)
	err := cc.manager.HandleCallEnded(ctx, callSID, status)
	switch {
	case errors.Is(err, sessions.ErrInvalidCallID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		cc.logger.ErrorContext(ctx, "call end failed", "call_sid", callSID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to finalize call"})
	default:
		c.Status(http.StatusOK)
	}
}

func terminalStatus(callStatus string) (models.TranscriptStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(callStatus)) {
	case "completed":
		return models.StatusCompleted, true
	case "busy", "failed", "no-answer", "canceled":
		return models.StatusIncomplete, true
	default:
		return "", false
	}
}

func (cc *CallController) hangup(c *gin.Context, status int, line string) {
	body, err := cc.voice.HangupTwiML(line)
	cc.writeTwiML(c, status, body, err)
}

func (cc *CallController) writeTwiML(c *gin.Context, status int, body string, err error) {
	if err != nil {
		cc.logger.ErrorContext(c.Request.Context(), "render twiml", "err", err)
		body = staticHangupTwiML
	}
	c.Data(status, "application/xml", []byte(body))
}
