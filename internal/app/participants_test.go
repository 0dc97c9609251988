package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantsApply(t *testing.T) {
	p := NewParticipants("me")

	d := p.Apply(domain.ParticipantsUpdate{Users: []domain.ParticipantEntry{
		{SessionID: "a", InCall: domain.CallFlagInCall | domain.CallFlagWithAudio},
		{SessionID: "me", InCall: domain.CallFlagInCall},
		{SessionID: "hpb", Internal: true, InCall: domain.CallFlagInCall},
		{SessionID: "gone", InCall: domain.CallFlagDisconnected},
	}})
	require.Len(t, d.Present, 1)
	assert.Equal(t, domain.ParticipantID("a"), d.Present[0].ID)
	assert.Equal(t, []domain.ParticipantID{"gone"}, d.Left)
	assert.False(t, d.CallEnded)
	assert.Equal(t, []domain.ParticipantID{"a"}, p.Targets())

	p.Add("b")
	p.Add("me")
	assert.Equal(t, []domain.ParticipantID{"a", "b"}, p.Targets())

	d = p.Apply(domain.ParticipantsUpdate{All: true, InCall: domain.CallFlagDisconnected})
	assert.True(t, d.CallEnded)
	assert.ElementsMatch(t, []domain.ParticipantID{"a", "b"}, d.Left)
	assert.Zero(t, p.Len())
}

func TestSimplePolicy(t *testing.T) {
	audible := domain.Participant{ID: "a", InCall: domain.CallFlagInCall | domain.CallFlagWithAudio}
	silent := domain.Participant{ID: "a", InCall: domain.CallFlagInCall}
	out := domain.Participant{ID: "a", InCall: domain.CallFlagWithAudio}

	assert.Equal(t, NoAction, SimplePolicy{}.OnParticipant(audible, false))

	auto := SimplePolicy{AutoSubscribe: true}
	assert.Equal(t, RequestOffer, auto.OnParticipant(audible, false))
	assert.Equal(t, NoAction, auto.OnParticipant(audible, true))
	assert.Equal(t, NoAction, auto.OnParticipant(silent, false))
	assert.Equal(t, DropSubscription, auto.OnParticipant(out, true))
}

func TestRequestLimiterWindow(t *testing.T) {
	rl := NewRequestLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per participant")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	rl.Forget("b")
	assert.True(t, rl.Allow("b"))

	unlimited := NewRequestLimiter(0, time.Minute)
	for range 10 {
		assert.True(t, unlimited.Allow("a"))
	}
}

type recordingBroadcaster struct {
	sent []domain.Transcript
}

func (r *recordingBroadcaster) BroadcastTranscript(_ context.Context, t domain.Transcript) (int, error) {
	r.sent = append(r.sent, t)
	return 1, nil
}

func TestTranscriptRelayPacesPartials(t *testing.T) {
	out := &recordingBroadcaster{}
	relay := NewTranscriptRelay(out, time.Hour)
	ctx := context.Background()

	n, err := relay.Publish(ctx, domain.Transcript{Text: "he", Partial: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.Publish(ctx, domain.Transcript{Text: "hell", Partial: true})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = relay.Publish(ctx, domain.Transcript{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, out.sent, 2)
	assert.Equal(t, "hello", out.sent[1].Text)
	assert.False(t, out.sent[1].Timestamp.IsZero())
}
