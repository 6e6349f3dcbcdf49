package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCalls struct {
	sid   string
	twiml string
	err   error
}

func (f *fakeCalls) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.sid = sid
	if params.Twiml != nil {
		f.twiml = *params.Twiml
	}
	return &openapi.ApiV2010Call{}, f.err
}

func testVoiceOptions() VoiceOptions {
	return VoiceOptions{
		BaseURL:        "https://agent.example.com",
		Voice:          "Polly.Joanna",
		Language:       "en-US",
		SpeechModel:    "experimental_conversations",
		SilenceTimeout: 15 * time.Second,
	}
}

func TestTwilioService_GreetingTwiML(t *testing.T) {
	svc := NewTwilioServiceWithCalls(testVoiceOptions(), nil, discardLogger())
	out, err := svc.GreetingTwiML("Hi, How can I help you today?")
	require.NoError(t, err)

	assert.Contains(t, out, "<Response>")
	assert.Contains(t, out, "Hi, How can I help you today?")
	assert.Contains(t, out, `voice="Polly.Joanna"`)
	assert.Contains(t, out, `action="https://agent.example.com/twilio/conversation"`)
	assert.Contains(t, out, `speechModel="experimental_conversations"`)
	assert.Contains(t, out, `input="speech"`)
	assert.NotContains(t, out, `timeout="15"`)
	assert.NotContains(t, out, "<Hangup")
	assert.Less(t, strings.Index(out, "<Gather"), strings.Index(out, "Please speak your question or request."))
}

func TestTwilioService_ReplyTwiML(t *testing.T) {
	svc := NewTwilioServiceWithCalls(testVoiceOptions(), nil, discardLogger())
	out, err := svc.ReplyTwiML("San Francisco is foggy today.")
	require.NoError(t, err)

	assert.Contains(t, out, "San Francisco is foggy today.")
	assert.Contains(t, out, `timeout="15"`)
	assert.Contains(t, out, "Thanks for calling! Have a great day!")
	assert.Contains(t, out, "<Hangup")
	assert.Less(t, strings.Index(out, "<Gather"), strings.Index(out, "<Hangup"))
}

func TestTwilioService_HangupTwiML(t *testing.T) {
	svc := NewTwilioServiceWithCalls(testVoiceOptions(), nil, discardLogger())
	out, err := svc.HangupTwiML("Goodbye now.", "", "See you.")
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(out, "<Say"))
	assert.NotContains(t, out, "<Gather")
	assert.Contains(t, out, "<Hangup")
}

func TestTwilioService_Terminate(t *testing.T) {
	calls := &fakeCalls{}
	svc := NewTwilioServiceWithCalls(testVoiceOptions(), calls, discardLogger())

	require.NoError(t, svc.Terminate(context.Background(), "CA2", "Thanks for calling! Have a great day!"))
	assert.Equal(t, "CA2", calls.sid)
	assert.Contains(t, calls.twiml, "Thanks for calling! Have a great day!")
	assert.Contains(t, calls.twiml, "<Hangup")

	calls.err = errors.New("call is not in-progress")
	assert.Error(t, svc.Terminate(context.Background(), "CA3", "bye"))
}

func TestTwilioService_TerminateWithoutCredentials(t *testing.T) {
	svc := NewTwilioService(testVoiceOptions(), "", "", discardLogger())
	assert.NoError(t, svc.Terminate(context.Background(), "CA2", "bye"))
}
