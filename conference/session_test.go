package conference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSessionConfig() SessionConfig {
	return SessionConfig{
		SessionID: "s1",
		Topic:     "远程办公利大于弊",
		Participants: []ParticipantConfig{
			{ID: "llm1", Role: "正方辩手"},
			{ID: "llm2", Role: "反方辩手"},
		},
		Mode:          ModeDebate,
		Policy:        PolicySequential,
		RoundsPlanned: 3,
		SampleRate:    32000,
	}
}

func TestSessionConfig_ValidateOK(t *testing.T) {
	c := validSessionConfig()
	require.NoError(t, c.Validate())
}

func TestSessionConfig_ValidateRejects(t *testing.T) {
	cases := map[string]func(*SessionConfig){
		"too few participants": func(c *SessionConfig) {
			c.Participants = c.Participants[:1]
		},
		"empty participant id": func(c *SessionConfig) {
			c.Participants[0].ID = ""
		},
		"reserved human id": func(c *SessionConfig) {
			c.Participants[0].ID = HumanParticipantID
		},
		"duplicate participant id": func(c *SessionConfig) {
			c.Participants[1].ID = c.Participants[0].ID
		},
		"priority not in roster": func(c *SessionConfig) {
			c.PriorityID = "ghost"
		},
		"unknown mode": func(c *SessionConfig) {
			c.Mode = "theatre"
		},
		"unknown policy": func(c *SessionConfig) {
			c.Policy = "roulette"
		},
		"negative rounds": func(c *SessionConfig) {
			c.RoundsPlanned = -1
		},
		"rounds over cap": func(c *SessionConfig) {
			c.RoundsPlanned = MaxRounds + 1
		},
		"odd sample rate": func(c *SessionConfig) {
			c.SampleRate = 44100
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validSessionConfig()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, ErrCodeInvalidConfig, cerr.Code)
			assert.Equal(t, StageConfig, cerr.Stage)
		})
	}
}

func TestSessionConfig_ApplyDefaults(t *testing.T) {
	c := SessionConfig{
		Participants: []ParticipantConfig{{ID: "a"}, {ID: "b"}},
	}
	c.ApplyDefaults()

	assert.Equal(t, ModeDebate, c.Mode)
	assert.Equal(t, PolicySequential, c.Policy)
	assert.Equal(t, 32000, c.SampleRate)
	assert.NotZero(t, c.TurnTimeout)
}

func TestSessionConfig_ParticipantIndex(t *testing.T) {
	c := validSessionConfig()
	assert.Equal(t, 0, c.ParticipantIndex("llm1"))
	assert.Equal(t, 1, c.ParticipantIndex("llm2"))
	assert.Equal(t, -1, c.ParticipantIndex("nobody"))
}
