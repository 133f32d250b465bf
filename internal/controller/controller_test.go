// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestController(t *testing.T, mutate func(*Config), opts ...Option) (*Controller, *fakeClient, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.StreamTimeout = time.Second
	cfg.FeedbackTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	client := &fakeClient{}
	rec := &recorder{}
	opts = append([]Option{WithRenderer(rec), WithStatusSink(rec), WithArchiver(rec)}, opts...)
	c := New(client, cfg, opts...)
	t.Cleanup(func() { c.Close() })
	return c, client, rec
}

func settled(user, assistant string) model.Turn {
	return model.Turn{UserText: user, AssistantText: model.Text(assistant), State: model.TurnSettled}
}

func failedTurn(user, assistant string) model.Turn {
	t := settled(user, assistant)
	t.Failed = true
	return t
}

// sendAsync runs Send in a goroutine and returns its result channel.
func sendAsync(c *Controller, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), text) }()
	return done
}

func waitForState(t *testing.T, c *Controller, index int, state model.TurnState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.ValidIndex(index) && s.Turns[index].State == state
	}, time.Second, time.Millisecond)
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request to finish")
		return nil
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// seed fills the session with settled turns without network traffic.
func seed(t *testing.T, c *Controller, turns ...model.Turn) {
	t.Helper()
	s := model.NewSession(c.Target())
	s.Turns = turns
	require.NoError(t, c.Restore(s))
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_SingleUnit(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(`[["hello","world"]]`)))

	require.NoError(t, c.Send(context.Background(), "hello"))

	want := []model.Turn{settled("hello", "world")}
	if diff := cmp.Diff(want, c.Snapshot().Turns); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, c.Busy())
}

func TestSend_TwoPlusTwoScenario(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	client.enqueue(scripted(
		pair("What is 2+2?", nil),
		pair("What is 2+2?", model.Text("4")),
	))

	require.NoError(t, c.Send(context.Background(), "What is 2+2?"))

	want := []model.Turn{settled("What is 2+2?", "4")}
	if diff := cmp.Diff(want, c.Snapshot().Turns); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	renders := rec.renders()
	require.NotEmpty(t, renders)
	// The optimistic turn is visible before any reply.
	first := renders[0]
	require.Equal(t, 1, first.Len())
	assert.Equal(t, model.TurnPending, first.Turns[0].State)
	assert.Nil(t, first.Turns[0].AssistantText)

	require.Len(t, rec.archives(), 1)
	assert.Equal(t, "4", rec.archives()[0].Turns[0].Reply())
}

func TestSend_ValidationRejectsWithoutSideEffects(t *testing.T) {
	c, client, rec := newTestController(t, func(cfg *Config) { cfg.MaxChars = 5 })

	tests := []struct {
		name string
		text string
		want error
	}{
		{"empty", "", ErrEmptyMessage},
		{"whitespace", "   \n", ErrEmptyMessage},
		{"only markers", "[WEB_SEARCH] (Attached: a.txt)", ErrEmptyMessage},
		{"too long", "h\u00e9llo!", ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Send(context.Background(), tt.text)
			require.ErrorIs(t, err, tt.want)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	assert.True(t, c.Snapshot().IsEmpty())
	assert.Zero(t, client.connectCount())
	assert.Empty(t, client.submitted())
	assert.Empty(t, rec.renders())
}

func TestSend_LengthCountsCharacters(t *testing.T) {
	c, client, _ := newTestController(t, func(cfg *Config) { cfg.MaxChars = 5 })
	client.enqueue(scripted(transcript(`[["hello","ok"]]`)))

	// Six code points before normalization, five characters after.
	require.NoError(t, c.Send(context.Background(), "he\u0301llo"))
	assert.Equal(t, "h\u00e9llo", c.Snapshot().Turns[0].UserText)
}

func TestSend_AttachmentOnly(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(`[["(Attached: cat.png)","A cat."]]`)))

	require.NoError(t, c.Send(context.Background(), "", WithAttachment("cat.png")))

	s := c.Snapshot()
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "(Attached: cat.png)", s.Turns[0].UserText)
	assert.Equal(t, "A cat.", s.Turns[0].Reply())
}

func TestSend_OutgoingArguments(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	seed(t, c,
		settled("hello", "world"),
		failedTurn("broken", DefaultErrorPlaceholder),
	)
	c.SetWebSearch(true)
	client.enqueue(scripted(transcript(`[["hello","world"],["news? [WEB_SEARCH]","none"]]`)))

	require.NoError(t, c.Send(context.Background(), "news? (Attached: a.txt)", WithAttachment("b.txt")))

	calls := client.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultChatEndpoint, calls[0].endpoint)
	require.Len(t, calls[0].args, 3)
	assert.Equal(t, "news? [WEB_SEARCH]", calls[0].args[0])
	// Failed turns are left out of the history.
	assert.JSONEq(t, `[["hello","world"]]`, mustJSON(t, calls[0].args[1]))
	assert.Equal(t, true, calls[0].args[2])

	s := c.Snapshot()
	require.Equal(t, 3, s.Len())
	assert.Equal(t, "news? (Attached: b.txt)", s.Turns[2].UserText)
	assert.Equal(t, "none", s.Turns[2].Reply())
}

func TestSend_SamplingArguments(t *testing.T) {
	c, client, _ := newTestController(t, func(cfg *Config) { cfg.SendSampling = true })
	require.NoError(t, c.SetSettings(model.Settings{Temperature: 0.3, MaxOutputTokens: 64}))
	client.enqueue(scripted(transcript(`[["hi","yo"]]`)))

	require.NoError(t, c.Send(context.Background(), "hi"))

	args := client.submitted()[0].args
	require.Len(t, args, 5)
	assert.Equal(t, 0.3, args[3])
	assert.Equal(t, 64, args[4])
}

func TestSend_ReusesConnection(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(`[["a","1"]]`)))
	client.enqueue(scripted(transcript(`[["a","1"],["b","2"]]`)))

	require.NoError(t, c.Send(context.Background(), "a"))
	require.NoError(t, c.Send(context.Background(), "b"))

	assert.Equal(t, 1, client.connectCount())
	want := []model.Turn{settled("a", "1"), settled("b", "2")}
	if diff := cmp.Diff(want, c.Snapshot().Turns); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_IgnoresNormalizationMiss(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(
		transcript(`[["hi","par"]]`),
		transcript(`{"unexpected":true}`),
		transcript(`[]`),
		transcript(`"text"`),
	))

	require.NoError(t, c.Send(context.Background(), "hi"))

	// Unrecognised and empty payloads never clear the reply.
	assert.Equal(t, []model.Turn{settled("hi", "par")}, c.Snapshot().Turns)
}

func TestSend_OnlyAssistantTextIsTaken(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(`[["SYSTEM PROMPT: hi [WEB_SEARCH]","<thought>plan</thought>Hi!<|im_end|>"]]`)))

	require.NoError(t, c.Send(context.Background(), "hi"))

	turn := c.Snapshot().Turns[0]
	assert.Equal(t, "hi", turn.UserText)
	assert.Equal(t, "<thought>plan</thought>Hi!", turn.Reply())
	assert.Equal(t, "Hi!", turn.Answer())
	assert.Equal(t, "plan", turn.Thought())
}

func TestSend_RoleTaggedTranscript(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(
		`[{"role":"system","content":"be nice"},{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"text","text":"hey"}]}]`,
	)))

	require.NoError(t, c.Send(context.Background(), "hi"))
	assert.Equal(t, []model.Turn{settled("hi", "hey")}, c.Snapshot().Turns)
}

func TestSend_DoneSentinelSettlesImmediately(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(scripted(
		transcript(`[["q","4__DONE__"]]`),
		transcript(`[["q","ignored"]]`),
	))

	require.NoError(t, c.Send(context.Background(), "q"))

	assert.Equal(t, []model.Turn{settled("q", "4")}, c.Snapshot().Turns)
	assert.True(t, job.isClosed())
}

func TestSend_RelaysStatus(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	client.enqueue(scripted(withStatus(`[["q",null]]`, "Searching the web..."), transcript(`[["q","a"]]`)))

	require.NoError(t, c.Send(context.Background(), "q"))
	assert.Contains(t, rec.statusLog(), statusMsg{"Searching the web...", false})
}

func TestSend_RejectsWhileBusy(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(live())

	done := sendAsync(c, "first")
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)

	err := c.Send(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, c.Regenerate(context.Background(), 0), ErrBusy)

	job.push(transcript(`[["first","done"]]`))
	job.end()
	require.NoError(t, receive(t, done))

	assert.Equal(t, []model.Turn{settled("first", "done")}, c.Snapshot().Turns)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestSend_ConnectFailureSettlesWithPlaceholder(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	client.connectErr = errors.New("dial tcp: refused")

	err := c.Send(context.Background(), "hi")

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, DefaultTarget, cerr.Target)
	assert.Equal(t, []model.Turn{failedTurn("hi", DefaultErrorPlaceholder)}, c.Snapshot().Turns)
	assert.False(t, c.Busy())

	statuses := rec.statusLog()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[len(statuses)-1].isError)
}

func TestSend_ConnectFailureRollsBack(t *testing.T) {
	c, client, _ := newTestController(t, func(cfg *Config) { cfg.FailurePolicy = FailureRollback })
	seed(t, c, settled("a", "1"))
	client.connectErr = errors.New("dial tcp: refused")

	err := c.Send(context.Background(), "hi")

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []model.Turn{settled("a", "1")}, c.Snapshot().Turns)

	// The session stays usable.
	client.connectErr = nil
	client.enqueue(scripted(transcript(`[["a","1"],["hi","there"]]`)))
	require.NoError(t, c.Send(context.Background(), "hi"))
	assert.Equal(t, 2, c.Snapshot().Len())
}

func TestSend_StreamErrorKeepsPartial(t *testing.T) {
	for _, policy := range []FailurePolicy{FailureSettle, FailureRollback} {
		t.Run(string(policy), func(t *testing.T) {
			c, client, _ := newTestController(t, func(cfg *Config) { cfg.FailurePolicy = policy })
			client.enqueue(scripted(
				transcript(`[["q","Hel"]]`),
				failure(&remote.ServerError{Message: "GPU out of memory"}),
			))

			err := c.Send(context.Background(), "q")

			var serr *StreamError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, "Hel", serr.Partial)
			assert.Equal(t, []model.Turn{failedTurn("q", "Hel\n\n"+DefaultErrorPlaceholder)}, c.Snapshot().Turns)
		})
	}
}

func TestSend_StreamErrorBeforeContent(t *testing.T) {
	tests := []struct {
		policy FailurePolicy
		want   []model.Turn
	}{
		{FailureSettle, []model.Turn{failedTurn("q", DefaultErrorPlaceholder)}},
		{FailureRollback, []model.Turn{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c, client, _ := newTestController(t, func(cfg *Config) { cfg.FailurePolicy = tt.policy })
			client.enqueue(scripted(failure(errors.New("connection reset"))))

			err := c.Send(context.Background(), "q")

			var serr *StreamError
			require.ErrorAs(t, err, &serr)
			assert.Empty(t, serr.Partial)
			assert.Equal(t, tt.want, c.Snapshot().Turns)
		})
	}
}

func TestSend_StreamErrorDropsConnection(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(failure(errors.New("connection reset"))))
	require.Error(t, c.Send(context.Background(), "q"))

	client.enqueue(scripted(transcript(`[["r","ok"]]`)))
	require.NoError(t, c.Send(context.Background(), "r"))
	assert.Equal(t, 2, client.connectCount())
	assert.True(t, client.conns[0].isClosed())
}

func TestSend_SubmitFailure(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.submitErr = &remote.APIError{Status: 500}

	err := c.Send(context.Background(), "q")

	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	var apiErr *remote.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []model.Turn{failedTurn("q", DefaultErrorPlaceholder)}, c.Snapshot().Turns)
}

func TestSend_StreamTimeout(t *testing.T) {
	c, client, _ := newTestController(t, func(cfg *Config) { cfg.StreamTimeout = 20 * time.Millisecond })
	job := client.enqueue(live())
	defer job.end()

	err := c.Send(context.Background(), "q")

	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []model.Turn{failedTurn("q", DefaultErrorPlaceholder)}, c.Snapshot().Turns)
}

func TestSend_CallerCancellation(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(live())
	defer job.end()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Send(ctx, "q") }()

	job.push(transcript(`[["q","partial"]]`))
	waitForState(t, c, 0, model.TurnStreaming)
	cancel()

	require.ErrorIs(t, receive(t, done), context.Canceled)
	assert.Equal(t, []model.Turn{settled("q", "partial")}, c.Snapshot().Turns)
	assert.False(t, c.Busy())
}

// =============================================================================
// REGENERATE
// =============================================================================

func TestRegenerate_KeepsUserText(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	seed(t, c, settled("hello (Attached: notes.txt)", "old"))
	client.enqueue(scripted(transcript(`[["Please answer: hello [WEB_SEARCH]","new"]]`)))

	require.NoError(t, c.Regenerate(context.Background(), 0))

	calls := client.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].args[0])
	assert.JSONEq(t, `[]`, mustJSON(t, calls[0].args[1]))

	assert.Equal(t, []model.Turn{settled("hello (Attached: notes.txt)", "new")}, c.Snapshot().Turns)
}

func TestRegenerate_AttachmentNameWithParentheses(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	client.enqueue(scripted(transcript(`[["describe this (Attached: photo (1).png)","old"]]`)))
	client.enqueue(scripted(transcript(`[["describe this","new"]]`)))

	require.NoError(t, c.Send(context.Background(), "describe this", WithAttachment("photo (1).png")))
	require.NoError(t, c.Regenerate(context.Background(), 0))

	calls := client.submitted()
	require.Len(t, calls, 2)
	assert.Equal(t, "describe this", calls[0].args[0])
	assert.Equal(t, "describe this", calls[1].args[0], "regenerate resends the original text")

	s := c.Snapshot()
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "describe this (Attached: photo (1).png)", s.Turns[0].UserText)
	assert.Equal(t, "new", s.Turns[0].Reply())
}

func TestRegenerate_EntersPending(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	seed(t, c, settled("q", "old"))
	client.enqueue(scripted(transcript(`[["q","new"]]`)))
	before := len(rec.renders())

	require.NoError(t, c.Regenerate(context.Background(), 0))

	renders := rec.renders()[before:]
	require.NotEmpty(t, renders)
	assert.Equal(t, model.TurnPending, renders[0].Turns[0].State)
	assert.Nil(t, renders[0].Turns[0].AssistantText)
}

func TestRegenerate_Policies(t *testing.T) {
	seeded := []model.Turn{settled("a", "1"), settled("b", "2"), settled("c", "3")}

	tests := []struct {
		policy RegeneratePolicy
		want   []model.Turn
	}{
		{RegenerateTruncate, []model.Turn{settled("a", "1"), settled("b", "two")}},
		{RegenerateInPlace, []model.Turn{settled("a", "1"), settled("b", "two"), settled("c", "3")}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c, client, _ := newTestController(t, func(cfg *Config) { cfg.RegeneratePolicy = tt.policy })
			seed(t, c, seeded...)
			client.enqueue(scripted(transcript(`[["a","1"],["b","two"]]`)))

			require.NoError(t, c.Regenerate(context.Background(), 1))

			// Only the turns before the regenerated one are sent as history.
			assert.JSONEq(t, `[["a","1"]]`, mustJSON(t, client.submitted()[0].args[1]))
			if diff := cmp.Diff(tt.want, c.Snapshot().Turns); diff != "" {
				t.Errorf("session mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegenerate_Validation(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	seed(t, c, settled("q", "a"), settled("(Attached: x.png)", "b"))

	require.ErrorIs(t, c.Regenerate(context.Background(), -1), ErrInvalidTurn)
	require.ErrorIs(t, c.Regenerate(context.Background(), 2), ErrInvalidTurn)
	require.ErrorIs(t, c.Regenerate(context.Background(), 1), ErrEmptyMessage)

	assert.Zero(t, client.connectCount())
	assert.Equal(t, []model.Turn{settled("q", "a"), settled("(Attached: x.png)", "b")}, c.Snapshot().Turns)
}

func TestRegenerate_FailureRollbackRestoresTurns(t *testing.T) {
	c, client, _ := newTestController(t, func(cfg *Config) { cfg.FailurePolicy = FailureRollback })
	seeded := []model.Turn{settled("a", "1"), settled("b", "2")}
	seed(t, c, seeded...)
	client.connectErr = errors.New("unreachable")

	err := c.Regenerate(context.Background(), 0)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, seeded, c.Snapshot().Turns)
}

// =============================================================================
// FEEDBACK
// =============================================================================

func TestSubmitFeedback_SendsAnswerWithoutThought(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	seed(t, c, settled("why? [WEB_SEARCH]", "<thought>hmm</thought>Because."))
	client.predictRes = remote.NewUnit(nil, "Feedback recorded")
	before := c.Snapshot()

	require.NoError(t, c.SubmitFeedback(context.Background(), 0, model.VerdictDislike, "  too short "))

	calls := client.predicted()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultFeedbackEndpoint, calls[0].endpoint)
	require.Len(t, calls[0].args, 4)
	assert.JSONEq(t, `[["why?","Because."]]`, mustJSON(t, calls[0].args[0]))
	assert.Equal(t, 0, calls[0].args[1])
	assert.Equal(t, "dislike", calls[0].args[2])
	assert.Equal(t, "too short", calls[0].args[3])

	if diff := cmp.Diff(before, c.Snapshot()); diff != "" {
		t.Errorf("feedback mutated the session (-before +after):\n%s", diff)
	}
	assert.Contains(t, rec.statusLog(), statusMsg{"Feedback recorded", false})
}

func TestSubmitFeedback_PositiveDropsDetail(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	seed(t, c, settled("q", "a"))
	client.predictRes = remote.NewUnit("Thanks!")

	require.NoError(t, c.SubmitFeedback(context.Background(), 0, model.VerdictLike, "ignored"))
	assert.Equal(t, "", client.predicted()[0].args[3])
}

func TestSubmitFeedback_Validation(t *testing.T) {
	c, client, _ := newTestController(t, nil)

	require.ErrorIs(t, c.SubmitFeedback(context.Background(), 0, model.VerdictLike, ""), ErrEmptySession)

	seed(t, c, settled("q", "a"))
	require.ErrorIs(t, c.SubmitFeedback(context.Background(), 1, model.VerdictLike, ""), ErrInvalidTurn)
	require.ErrorIs(t, c.SubmitFeedback(context.Background(), 0, model.Verdict("meh"), ""), ErrInvalidVerdict)

	assert.Zero(t, client.connectCount())
}

func TestSubmitFeedback_FailureIsNotRetried(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	seed(t, c, settled("q", "a"))
	client.predictErr = errors.New("503")
	before := c.Snapshot()

	require.Error(t, c.SubmitFeedback(context.Background(), 0, model.VerdictDislike, ""))

	assert.Len(t, client.predicted(), 1)
	assert.Equal(t, before, c.Snapshot())
	statuses := rec.statusLog()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[len(statuses)-1].isError)
}

// =============================================================================
// SUPERSESSION
// =============================================================================

func TestSwitchBackend_IgnoresStaleUnits(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(live())
	job.ignoreCancel = true

	done := sendAsync(c, "hi")
	job.push(transcript(`[["hi","par"]]`))
	waitForState(t, c, 0, model.TurnStreaming)

	c.SwitchBackend("other/space")
	assert.True(t, c.Snapshot().IsEmpty())

	// A late unit for the abandoned request arrives after the switch.
	job.push(transcript(`[["hi","partial answer"]]`))
	require.ErrorIs(t, receive(t, done), ErrSuperseded)
	job.end()

	s := c.Snapshot()
	assert.True(t, s.IsEmpty())
	assert.Equal(t, "other/space", s.Target)
	assert.False(t, c.Busy())
	assert.True(t, client.conns[0].isClosed())

	// The next request performs a fresh handshake against the new target.
	client.enqueue(scripted(transcript(`[["again","ok"]]`)))
	require.NoError(t, c.Send(context.Background(), "again"))
	assert.Equal(t, []string{DefaultTarget, "other/space"}, client.targets)
	assert.Equal(t, []model.Turn{settled("again", "ok")}, c.Snapshot().Turns)
}

func TestStop_SettlesPartial(t *testing.T) {
	c, client, rec := newTestController(t, nil)
	assert.False(t, c.Stop())

	job := client.enqueue(live())
	defer job.end()

	done := sendAsync(c, "q")
	job.push(transcript(`[["q","Hel"]]`))
	waitForState(t, c, 0, model.TurnStreaming)

	require.True(t, c.Stop())
	require.ErrorIs(t, receive(t, done), ErrSuperseded)

	assert.Equal(t, []model.Turn{settled("q", "Hel")}, c.Snapshot().Turns)
	assert.False(t, c.Busy())
	archived := rec.archives()
	require.NotEmpty(t, archived)
	assert.Equal(t, "Hel", archived[len(archived)-1].Turns[0].Reply())
}

func TestStop_BeforeContent(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(live())
	defer job.end()

	done := sendAsync(c, "q")
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)

	require.True(t, c.Stop())
	require.ErrorIs(t, receive(t, done), ErrSuperseded)
	assert.Equal(t, []model.Turn{failedTurn("q", DefaultInterrupted)}, c.Snapshot().Turns)
}

func TestCancelledRequest_LeavesNewerRequestRunning(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	first := client.enqueue(live())
	defer first.end()

	done := sendAsync(c, "old")
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)
	c.mu.Lock()
	stale := c.inflight
	c.mu.Unlock()

	c.NewChat()
	second := client.enqueue(live())
	next := sendAsync(c, "new")
	require.ErrorIs(t, receive(t, done), ErrSuperseded)
	second.push(transcript(`[["new","par"]]`))
	waitForState(t, c, 0, model.TurnStreaming)

	// The old request's cancellation arrives late.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.interrupted(ctx, stale), ErrSuperseded)

	assert.True(t, c.Busy())
	s := c.Snapshot()
	require.Equal(t, 1, s.Len())
	assert.Equal(t, model.TurnStreaming, s.Turns[0].State)

	second.push(transcript(`[["new","partial done"]]`))
	second.end()
	require.NoError(t, receive(t, next))
	assert.Equal(t, []model.Turn{settled("new", "partial done")}, c.Snapshot().Turns)
}

func TestNewChat_StartsFreshSession(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	seed(t, c, settled("q", "a"))
	oldID := c.Snapshot().ID

	id := c.NewChat()

	s := c.Snapshot()
	assert.NotEqual(t, oldID, id)
	assert.Equal(t, id, s.ID)
	assert.True(t, s.IsEmpty())
}

func TestRestore_SettlesUnfinishedTurns(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	s := model.NewSession("elsewhere")
	s.Turns = []model.Turn{
		{UserText: "a", AssistantText: model.Text("part"), State: model.TurnStreaming},
		{UserText: "b", State: model.TurnPending},
	}

	require.NoError(t, c.Restore(s))

	got := c.Snapshot()
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, DefaultTarget, got.Target)
	assert.Equal(t, []model.Turn{settled("a", "part"), failedTurn("b", DefaultInterrupted)}, got.Turns)
	// The caller's copy is untouched.
	assert.Equal(t, model.TurnPending, s.Turns[1].State)
}

func TestRestore_RejectsWhileBusy(t *testing.T) {
	c, client, _ := newTestController(t, nil)
	job := client.enqueue(live())

	done := sendAsync(c, "q")
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)

	require.ErrorIs(t, c.Restore(model.NewSession("x")), ErrBusy)

	job.push(transcript(`[["q","a"]]`))
	job.end()
	require.NoError(t, receive(t, done))
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	seed(t, c, settled("q", "a"))

	snap := c.Snapshot()
	*snap.Turns[0].AssistantText = "mutated"
	snap.Turns[0].UserText = "mutated"

	assert.Equal(t, []model.Turn{settled("q", "a")}, c.Snapshot().Turns)
}

func TestSettings_Validation(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	assert.Equal(t, model.DefaultSettings(), c.Settings())

	require.Error(t, c.SetSettings(model.Settings{Temperature: 5, MaxOutputTokens: 10}))
	assert.Equal(t, model.DefaultSettings(), c.Settings())
}

func TestParsePolicies(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailureSettle, p)
	_, err = ParseFailurePolicy("explode")
	assert.Error(t, err)

	r, err := ParseRegeneratePolicy("in_place")
	require.NoError(t, err)
	assert.Equal(t, RegenerateInPlace, r)
	_, err = ParseRegeneratePolicy(strings.ToUpper("truncate"))
	assert.Error(t, err)
}
