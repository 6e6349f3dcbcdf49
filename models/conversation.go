package models

import (
	"strings"
	"time"
)

// TranscriptStatus is the outcome recorded on a finalized call.
type TranscriptStatus string

const (
	StatusCompleted  TranscriptStatus = "completed"
	StatusIncomplete TranscriptStatus = "incomplete"
)

// EndReason records which path finalized a call.
type EndReason string

const (
	EndReasonFarewell       EndReason = "farewell"
	EndReasonSilenceTimeout EndReason = "silence_timeout"
	EndReasonHangup         EndReason = "hangup"
	EndReasonShutdown       EndReason = "shutdown"
)

// Exchange is one user utterance paired with the assistant's reply.
type Exchange struct {
	User      string    `json:"user" firestore:"user"`
	AI        string    `json:"ai" firestore:"ai"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
}

// TranscriptRecord is the durable artifact written once per finished call.
type TranscriptRecord struct {
	CallSID        string           `json:"call_sid" firestore:"call_sid"`
	StartTime      time.Time        `json:"start_time" firestore:"start_time"`
	EndTime        time.Time        `json:"end_time" firestore:"end_time"`
	Exchanges      []Exchange       `json:"exchanges" firestore:"exchanges"`
	FullTranscript string           `json:"full_transcript" firestore:"full_transcript"`
	Status         TranscriptStatus `json:"status" firestore:"status"`
	EndReason      EndReason        `json:"end_reason,omitempty" firestore:"end_reason,omitempty"`
}

// NewTranscriptRecord copies the exchanges and derives the flattened transcript.
func NewTranscriptRecord(callSID string, start, end time.Time, exchanges []Exchange, status TranscriptStatus, reason EndReason) TranscriptRecord {
	copied := make([]Exchange, len(exchanges))
	copy(copied, exchanges)
	return TranscriptRecord{
		CallSID:        callSID,
		StartTime:      start,
		EndTime:        end,
		Exchanges:      copied,
		FullTranscript: FlattenTranscript(copied),
		Status:         status,
		EndReason:      reason,
	}
}

// FlattenTranscript renders exchanges as alternating "User:" and "AI:" lines.
func FlattenTranscript(exchanges []Exchange) string {
	lines := make([]string, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		lines = append(lines, "User: "+ex.User)
		lines = append(lines, "AI: "+ex.AI)
	}
	return strings.Join(lines, "\n")
}
