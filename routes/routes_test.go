package routes

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceagent/controllers"
	"voiceagent/middlewares"
	"voiceagent/models"
	"voiceagent/monitor"
	"voiceagent/services"
	"voiceagent/sessions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type echoExchanger struct{}

func (echoExchanger) NextReply(ctx context.Context, history []models.Exchange, utterance string) string {
	return "you said " + utterance
}

func newRouter(t *testing.T, authToken string) *gin.Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	policy, err := sessions.NewFarewellPolicy(sessions.MatchSubstring, sessions.DefaultFarewellTokens)
	require.NoError(t, err)
	store := services.NewMemoryStore()
	hub := monitor.NewHub(8, logger)
	manager, err := sessions.NewManager(sessions.Config{
		Greeting:        "Hello",
		TimeoutFarewell: services.TimeoutFarewell,
		SilenceTimeout:  time.Hour,
		EndedRetention:  time.Hour,
	}, sessions.Deps{
		Exchanger: echoExchanger{},
		Store:     store,
		Policy:    policy,
		Observer:  hub,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	voice := services.NewTwilioServiceWithCalls(services.VoiceOptions{BaseURL: "https://agent.example.com"}, nil, logger)
	return SetupRouter(Options{
		Calls:           controllers.NewCallController(manager, voice, logger),
		Monitor:         controllers.NewMonitorController(manager, store, hub, time.Hour, logger),
		Logger:          logger,
		TwilioAuthToken: authToken,
		PublicBaseURL:   "https://agent.example.com",
	})
}

func postForm(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSetupRouter_Webhooks(t *testing.T) {
	r := newRouter(t, "")

	w := postForm(r, "/twilio/webhook", url.Values{"CallSid": {"CA1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Hello")
	assert.NotEmpty(t, w.Header().Get(middlewares.RequestIDHeader))

	w = postForm(r, "/twilio/conversation", url.Values{"CallSid": {"CA1"}, "SpeechResult": {"weather"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "you said weather")

	w = postForm(r, "/twilio/call_status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRouter_SignatureRequired(t *testing.T) {
	r := newRouter(t, "secret")

	w := postForm(r, "/twilio/webhook", url.Values{"CallSid": {"CA1"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Operator endpoints are not signed.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRouter_CORS(t *testing.T) {
	r := newRouter(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/active_calls", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
