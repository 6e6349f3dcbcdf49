package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFarewellPolicy_IsFarewell(t *testing.T) {
	tests := []struct {
		name      string
		mode      MatchMode
		utterance string
		want      bool
	}{
		{"substring bye", MatchSubstring, "ok bye", true},
		{"substring uppercase", MatchSubstring, "GOODBYE!", true},
		{"substring curly apostrophe", MatchSubstring, "That’s all for today", true},
		{"substring punctuation between words", MatchSubstring, "No, thanks.", true},
		{"substring inside word", MatchSubstring, "what does the byelaw say", true},
		{"substring none", MatchSubstring, "what's the weather", false},
		{"substring empty", MatchSubstring, "  ", false},
		{"word bye", MatchWord, "ok bye", true},
		{"word phrase", MatchWord, "well that's all", true},
		{"word inside word", MatchWord, "what does the byelaw say", false},
		{"word split phrase", MatchWord, "no I do not want thanks", false},
		{"default mode", "", "bye now", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewFarewellPolicy(tc.mode, DefaultFarewellTokens)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.IsFarewell(tc.utterance))
		})
	}
}

func TestNewFarewellPolicy_Errors(t *testing.T) {
	_, err := NewFarewellPolicy("fuzzy", DefaultFarewellTokens)
	assert.Error(t, err)

	_, err = NewFarewellPolicy(MatchWord, []string{"", " ", "!"})
	assert.Error(t, err)

	p, err := NewFarewellPolicy(MatchWord, []string{"See ya", ""})
	require.NoError(t, err)
	assert.True(t, p.IsFarewell("ok, see ya!"))
	assert.False(t, p.IsFarewell("see"))
}

func TestFarewellPolicy_Nil(t *testing.T) {
	var p *FarewellPolicy
	assert.False(t, p.IsFarewell("bye"))
}
