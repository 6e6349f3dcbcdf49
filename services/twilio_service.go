package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// Spoken lines outside the dialogue itself.
const (
	ListeningPrompt  = "I'm listening. Please speak your question or request."
	NoSpeechFarewell = "I didn't hear anything. Thanks for calling, have a great day!"
	TimeoutFarewell  = "Thanks for calling! Have a great day!"
	ErrorFarewell    = "Sorry, an error occurred. Goodbye."
	ApologyFarewell  = "I apologize for the technical difficulty. Please try calling again."
)

// CallUpdater is the Twilio REST call the terminator relies on.
type CallUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

type VoiceOptions struct {
	// BaseURL is the public address Twilio posts gathered speech back to.
	BaseURL        string
	Voice          string
	Language       string
	SpeechModel    string
	SilenceTimeout time.Duration
}

// TwilioService renders TwiML for the webhook layer and, when REST
// credentials are configured, hangs up calls the server decides to end.
type TwilioService struct {
	opts   VoiceOptions
	calls  CallUpdater
	logger *slog.Logger
}

func NewTwilioService(opts VoiceOptions, accountSID, authToken string, logger *slog.Logger) *TwilioService {
	var calls CallUpdater
	if accountSID != "" && authToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		})
		calls = client.Api
	}
	return NewTwilioServiceWithCalls(opts, calls, logger)
}

func NewTwilioServiceWithCalls(opts VoiceOptions, calls CallUpdater, logger *slog.Logger) *TwilioService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioService{opts: opts, calls: calls, logger: logger}
}

// GreetingTwiML speaks the greeting and opens the first speech gather.
func (t *TwilioService) GreetingTwiML(greeting string) (string, error) {
	return twiml.Voice([]twiml.Element{
		t.say(greeting),
		t.gather(false),
		t.say(ListeningPrompt),
	})
}

// ReplyTwiML speaks the reply and waits for the caller again. If the
// gather times out the call closes with the timeout farewell.
func (t *TwilioService) ReplyTwiML(reply string) (string, error) {
	return twiml.Voice([]twiml.Element{
		t.say(reply),
		t.gather(true),
		t.say(TimeoutFarewell),
		&twiml.VoiceHangup{},
	})
}

// HangupTwiML speaks each line and hangs up.
func (t *TwilioService) HangupTwiML(lines ...string) (string, error) {
	verbs := make([]twiml.Element, 0, len(lines)+1)
	for _, line := range lines {
		if line != "" {
			verbs = append(verbs, t.say(line))
		}
	}
	return twiml.Voice(append(verbs, &twiml.VoiceHangup{}))
}

// Terminate replaces the live call's TwiML with a farewell and a hangup.
func (t *TwilioService) Terminate(ctx context.Context, callSID, farewell string) error {
	if t.calls == nil {
		t.logger.DebugContext(ctx, "twilio rest credentials not configured, leaving hangup to the caller", "call_sid", callSID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := t.HangupTwiML(farewell)
	if err != nil {
		return fmt.Errorf("render hangup twiml: %w", err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(body)
	if _, err := t.calls.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("update call %s: %w", callSID, err)
	}
	t.logger.InfoContext(ctx, "call hung up by server", "call_sid", callSID)
	return nil
}

func (t *TwilioService) say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{
		Message:  text,
		Voice:    t.opts.Voice,
		Language: t.opts.Language,
	}
}

func (t *TwilioService) gather(withTimeout bool) *twiml.VoiceGather {
	g := &twiml.VoiceGather{
		Action:        t.opts.BaseURL + "/twilio/conversation",
		Method:        "POST",
		Input:         "speech",
		SpeechTimeout: "auto",
		SpeechModel:   t.opts.SpeechModel,
	}
	if withTimeout && t.opts.SilenceTimeout > 0 {
		g.Timeout = strconv.Itoa(int(t.opts.SilenceTimeout.Round(time.Second) / time.Second))
	}
	return g
}
