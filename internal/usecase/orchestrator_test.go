package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotcore/internal/domain"
	"robotcore/internal/identity"
	"robotcore/internal/metrics"
	"robotcore/internal/ports"
	"robotcore/internal/protocol"
	"robotcore/internal/state"
)

type harness struct {
	clock      *fakeClock
	state      *state.Authority
	mic        *fakeMic
	camera     *fakeCamera
	backend    *fakeBackend
	incoming   chan protocol.Incoming
	actuator   *fakeActuator
	speech     *fakeSpeech
	sink       *fakeSink
	rec        *recorder
	identities *identity.MemoryStore
	metrics    *metrics.Metrics
	orch       *Orchestrator
	changes    <-chan domain.StateChange
}

type harnessOption func(*harness, *Deps, *OrchestratorConfig)

func withMatcher(m fakeMatcher) harnessOption {
	return func(_ *harness, d *Deps, _ *OrchestratorConfig) {
		search := d.Search.(*FaceSearch)
		search.matcher = m
	}
}

func withMedia(media ports.MediaCapture) harnessOption {
	return func(_ *harness, d *Deps, _ *OrchestratorConfig) { d.Media = media }
}

func withoutContinuousListening() harnessOption {
	return func(_ *harness, _ *Deps, cfg *OrchestratorConfig) { cfg.ContinuousListening = false }
}

func newHarness(t *testing.T, mic *fakeMic, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:      newFakeClock(),
		mic:        mic,
		camera:     &fakeCamera{},
		backend:    &fakeBackend{},
		incoming:   make(chan protocol.Incoming, 16),
		actuator:   &fakeActuator{},
		rec:        &recorder{},
		identities: identity.NewMemoryStore(),
		metrics:    metrics.New("test"),
	}
	h.speech = &fakeSpeech{rec: h.rec}
	h.sink = &fakeSink{rec: h.rec}
	h.state = state.NewAuthority(state.Config{ErrorAutoClear: 50 * time.Millisecond, Metrics: h.metrics})
	t.Cleanup(h.state.Close)

	logger := zerolog.Nop()
	deps := Deps{
		State:      h.state,
		Capture:    NewVoiceCapture(mic, nil, CaptureConfig{}, logger, h.metrics),
		Search:     NewFaceSearch(h.camera, &fakeDetector{}, matchedAt(0.9), SearchConfig{}, h.clock, logger, h.metrics),
		Backend:    h.backend,
		Incoming:   h.incoming,
		Actuator:   h.actuator,
		Speech:     h.speech,
		Media:      fakeMedia{},
		Identities: h.identities,
		Battery:    state.NewBattery(20),
		Events:     h.sink,
		Logger:     logger,
		Metrics:    h.metrics,
		Clock:      h.clock,
	}
	cfg := OrchestratorConfig{ContinuousListening: true}
	for _, opt := range opts {
		opt(h, &deps, &cfg)
	}
	h.orch = NewOrchestrator(deps, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.changes = h.state.Observe(ctx)
	require.Equal(t, domain.ReasonSnapshot, h.next(t).Reason)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) next(t *testing.T) domain.StateChange {
	t.Helper()
	select {
	case change := <-h.changes:
		return change
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a state change (now %s)", h.state.Current())
		return domain.StateChange{}
	}
}

func (h *harness) expect(t *testing.T, states ...domain.InteractionState) {
	t.Helper()
	for _, want := range states {
		change := h.next(t)
		require.Equal(t, want, change.To, "transition %s -> %s (%s)", change.From, change.To, change.Reason)
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case change := <-h.changes:
		t.Fatalf("unexpected transition %s -> %s (%s)", change.From, change.To, change.Reason)
	case <-time.After(30 * time.Millisecond):
	}
}

// showFace waits for the camera to open and offers one frame with a face.
func (h *harness) showFace(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.camera.Last() != nil }, time.Second, 2*time.Millisecond)
	select {
	case h.camera.Last().frames <- ports.Frame{JPEG: []byte("face"), At: h.clock.Now()}:
	case <-time.After(time.Second):
		t.Fatalf("face search did not take the frame")
	}
}

// advanceUntil steps the fake clock until cond holds.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Advance(step)
		return cond()
	}, 2*time.Second, 2*time.Millisecond)
}

func (h *harness) lastStart(t *testing.T) protocol.InteractionStart {
	t.Helper()
	var start protocol.InteractionStart
	found := false
	require.Eventually(t, func() bool {
		for _, msg := range h.backend.Sent() {
			if s, ok := msg.(protocol.InteractionStart); ok {
				start, found = s, true
			}
		}
		return found
	}, time.Second, 2*time.Millisecond)
	return start
}

func (h *harness) sentOfType(typ string) []protocol.Outgoing {
	var out []protocol.Outgoing
	for _, msg := range h.backend.Sent() {
		if msg.MessageType() == typ {
			out = append(out, msg)
		}
	}
	return out
}

// greet runs wake word, face match and handshake, leaving the robot listening.
func (h *harness) greet(t *testing.T) {
	t.Helper()
	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)
	h.showFace(t)
	h.expect(t, domain.StateGreeting, domain.StateListening)
}

func corr(id string) protocol.Correlation { return protocol.Correlation{ID: id} }

func TestScenarioSilenceAfterWakeReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic(silence(2500*time.Millisecond)))

	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 2*time.Millisecond)
	h.clock.Advance(8 * time.Second)

	h.expect(t, domain.StateListening)
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return h.state.Current() == domain.StateIdle })
	change := h.next(t)
	assert.Equal(t, domain.StateIdle, change.To)
	assert.Equal(t, domain.ReasonNoticeFinished, change.Reason)

	assert.Empty(t, h.backend.Sent(), "no backend traffic for a silent turn")
	assert.Zero(t, h.backend.AudioBytes())
	assert.Contains(t, h.speech.Spoken(), h.orch.cfg.NoFaceNotice)
	assert.True(t, h.camera.Last().Stopped())
	assert.Empty(t, h.mic.Sessions(), "the microphone stays closed while the notice plays")
	assert.False(t, h.orch.ListeningWindowActive())
}

func TestNoFaceNoticeIgnoresSpeechAndEndsIdle(t *testing.T) {
	t.Parallel()

	// Anything the microphone would hear, including the notice itself.
	h := newHarness(t, newFakeMic(concat(tone(600*time.Millisecond), silence(2*time.Second))))

	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 2*time.Millisecond)
	h.clock.Advance(8 * time.Second)
	h.expect(t, domain.StateListening)

	// The settle delay has not passed yet.
	h.expectQuiet(t)
	assert.Equal(t, domain.StateListening, h.state.Current())

	h.advanceUntil(t, 100*time.Millisecond, func() bool { return h.state.Current() == domain.StateIdle })
	h.expect(t, domain.StateIdle)
	assert.Empty(t, h.backend.Sent())
	assert.Zero(t, h.backend.AudioBytes())
	assert.Empty(t, h.mic.Sessions())
}

func TestNoFaceNoticeSupersededByWake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())

	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 2*time.Millisecond)
	h.clock.Advance(8 * time.Second)
	h.expect(t, domain.StateListening)

	// A second wake word before the notice finishes starts a new search, and
	// the finished notice must not pull the robot out of it.
	h.orch.Wake()
	h.expect(t, domain.StateSearching)
	h.showFace(t)
	h.expect(t, domain.StateGreeting, domain.StateListening)
	h.clock.Advance(time.Second)
	h.expectQuiet(t)
	assert.Equal(t, domain.StateListening, h.state.Current())
}

func TestScenarioRecognizedTurnThenWindowExpires(t *testing.T) {
	t.Parallel()

	utterance := tone(600 * time.Millisecond)
	h := newHarness(t, newFakeMic(
		concat(utterance, silence(2*time.Second)),
		silence(5*time.Second),
	))

	h.greet(t)
	detected := h.sentOfType(protocol.TypePersonDetected)
	require.Len(t, detected, 1)
	handshake := detected[0].(protocol.PersonDetected)
	assert.True(t, handshake.Known)
	assert.Equal(t, "p-1", handshake.PersonID)
	assert.True(t, h.orch.ListeningWindowActive())
	require.Len(t, h.sink.Recognized(), 1)

	h.expect(t, domain.StateThinking)
	start := h.lastStart(t)
	assert.Equal(t, "p-1", start.PersonID)
	assert.True(t, start.FaceRecognized)
	assert.InDelta(t, 0.9, start.FaceConfidence, 1e-9)
	assert.Equal(t, -1, start.Context.BatteryRobot)
	require.Eventually(t, func() bool {
		types := h.backend.Types()
		return len(types) > 0 && types[len(types)-1] == protocol.TypeAudioEnd
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, len(utterance), h.backend.AudioBytes())

	id := start.RequestID
	h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "curious"}
	h.expect(t, domain.StateResponding)
	h.incoming <- protocol.TextChunk{Correlation: corr(id), Text: "Hello Ada. How are"}
	h.incoming <- protocol.TextChunk{Correlation: corr(id), Text: " you"}
	h.incoming <- protocol.ResponseMeta{Correlation: corr(id), ResponseText: "Hello Ada. How are you"}
	h.incoming <- protocol.StreamEnd{Correlation: corr(id), ProcessingTimeMS: 420}

	h.advanceUntil(t, 100*time.Millisecond, func() bool { return h.state.Current() == domain.StateListening })
	h.expect(t, domain.StateListening)
	assert.True(t, h.orch.ListeningWindowActive(), "no wake word needed")
	assert.Equal(t, []string{"Hello Ada.", "How are you"}, h.speech.Spoken())

	require.Eventually(t, func() bool { return len(h.mic.Sessions()) == 2 }, time.Second, 2*time.Millisecond)
	h.expectQuiet(t)

	h.clock.Advance(60 * time.Second)
	h.expect(t, domain.StateIdle)
	require.Eventually(t, func() bool { return h.mic.Sessions()[1].Stopped() }, time.Second, 2*time.Millisecond)
	assert.False(t, h.orch.ListeningWindowActive())
}

func TestEmotionPrecedesSpeechEvenWhenChunksArriveFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.SubmitText("what's up")
	h.expect(t, domain.StateThinking)

	var text protocol.Text
	require.Eventually(t, func() bool {
		msgs := h.sentOfType(protocol.TypeText)
		if len(msgs) == 0 {
			return false
		}
		text = msgs[0].(protocol.Text)
		return true
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, domain.UnknownPersonID, text.PersonID)
	assert.Equal(t, "what's up", text.Content)

	id := text.RequestID
	h.incoming <- protocol.TextChunk{Correlation: corr(id), Text: "Not much!"}
	h.incoming <- protocol.TextChunk{Correlation: corr("other"), Text: "Wrong turn."}
	h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "happy"}
	h.expect(t, domain.StateResponding)

	require.Eventually(t, func() bool { return len(h.rec.entries()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"emotion:happy", "speak:Not much!"}, h.rec.entries())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StaleMessages.WithLabelValues(protocol.TypeTextChunk)))
}

func TestStreamEndWithoutContinuousModeGoesIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic(), withoutContinuousListening())
	h.orch.SubmitText("hi")
	h.expect(t, domain.StateThinking)
	id := h.sentOfTypeEventually(t, protocol.TypeText).(protocol.Text).RequestID

	h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "calm"}
	h.incoming <- protocol.StreamEnd{Correlation: corr(id)}
	h.expect(t, domain.StateResponding)
	h.advanceUntil(t, 100*time.Millisecond, func() bool { return h.state.Current() == domain.StateIdle })
	h.expect(t, domain.StateIdle)
	assert.False(t, h.orch.ListeningWindowActive())
}

func TestThinkingTimeoutFlashesError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.SubmitText("hello?")
	h.expect(t, domain.StateThinking)
	id := h.sentOfTypeEventually(t, protocol.TypeText).(protocol.Text).RequestID

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 2*time.Millisecond)
	h.clock.Advance(30 * time.Second)
	h.expect(t, domain.StateError, domain.StateIdle)
	assert.Contains(t, h.sink.Subtitles(), subtitleNoAnswer)

	// The turn is closed, so its late stream is stale.
	h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "sorry"}
	h.expectQuiet(t)
}

func TestBackendErrors(t *testing.T) {
	t.Parallel()

	t.Run("recoverable flashes error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeMic())
		h.orch.SubmitText("hi")
		h.expect(t, domain.StateThinking)
		id := h.sentOfTypeEventually(t, protocol.TypeText).(protocol.Text).RequestID

		h.incoming <- protocol.Error{Correlation: corr(id), ErrorCode: "llm_timeout", Message: "upstream timeout", Recoverable: true}
		h.expect(t, domain.StateError, domain.StateIdle)
		assert.Contains(t, h.sink.Subtitles(), subtitleRetry)
	})

	t.Run("fatal stays in error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeMic())
		h.incoming <- protocol.Error{ErrorCode: "auth", Message: "revoked", Recoverable: false}
		h.expect(t, domain.StateError)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, domain.StateError, h.state.Current())
		assert.Contains(t, h.sink.Subtitles(), subtitleFatal)

		h.orch.ChannelDown()
		h.orch.ChannelUp()
		h.expect(t, domain.StateDisconnected, domain.StateIdle)
	})

	t.Run("error for another request is stale", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeMic())
		h.incoming <- protocol.Error{Correlation: corr("old"), Message: "late", Recoverable: true}
		h.expectQuiet(t)
	})
}

func TestChannelLossAndRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)

	h.orch.ChannelDown()
	h.expect(t, domain.StateDisconnected)
	require.Eventually(t, func() bool { return h.camera.Last().Stopped() }, time.Second, 2*time.Millisecond)

	h.orch.Wake()
	h.expectQuiet(t)

	h.orch.ChannelUp()
	h.expect(t, domain.StateIdle)
}

func TestBackendErrorAfterChannelLossKeepsDisconnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.ChannelDown()
	h.expect(t, domain.StateDisconnected)

	// A frame read before the drop but handled after it.
	h.incoming <- protocol.Error{ErrorCode: "llm_timeout", Message: "upstream timeout", Recoverable: true}
	h.expectQuiet(t)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.StateDisconnected, h.state.Current())
	assert.NotContains(t, h.sink.Subtitles(), subtitleRetry)
	assert.Empty(t, h.sink.Errors())

	h.orch.Wake()
	h.expectQuiet(t)

	h.orch.ChannelUp()
	h.expect(t, domain.StateIdle)
}

func TestMicrophoneFailureFlashesError(t *testing.T) {
	t.Parallel()

	mic := newFakeMic()
	mic.startErr = errDeviceBusy
	h := newHarness(t, mic)

	h.greet(t)
	h.expect(t, domain.StateError, domain.StateIdle)
	errs := h.sink.Errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodeMicrophone, errs[0].code)
	assert.False(t, h.orch.ListeningWindowActive())
}

func TestUnknownFaceRegistersIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic(), withMatcher(unknownAt(0.40)))
	h.orch.Wake()
	h.expect(t, domain.StateListening, domain.StateSearching)
	h.showFace(t)
	h.expect(t, domain.StateRegistering, domain.StateListening)

	handshake := h.sentOfType(protocol.TypePersonDetected)[0].(protocol.PersonDetected)
	assert.False(t, handshake.Known)
	assert.Empty(t, handshake.PersonID)
	assert.Equal(t, []float32{0.4, 0.9}, handshake.FaceEmbedding)

	h.incoming <- protocol.PersonRegistered{PersonID: "p-9", Name: "Grace"}
	require.Eventually(t, func() bool {
		all, err := h.identities.All(context.Background())
		return err == nil && len(all) == 1
	}, time.Second, 2*time.Millisecond)
	all, err := h.identities.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ports.StoredIdentity{PersonID: "p-9", Name: "Grace", Embedding: []float32{0.4, 0.9}}, all[0])
}

func TestResponseMetaDrivesBodyAndExpression(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.SubmitText("dance")
	h.expect(t, domain.StateThinking)
	id := h.sentOfTypeEventually(t, protocol.TypeText).(protocol.Text).RequestID

	h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "excited"}
	h.incoming <- protocol.ResponseMeta{
		Correlation: corr(id),
		Expression:  &protocol.ExpressionMeta{Emojis: []string{"a", "b"}, DurationPerEmoji: 200, Transition: "pop"},
		Actions:     []protocol.Action{{Type: "light", Color: "green"}, {Type: "stop"}},
	}
	h.expect(t, domain.StateResponding)

	require.Eventually(t, func() bool { return len(h.actuator.Commands()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, domain.Light{Action: "on", Color: "green", Intensity: 100}, h.actuator.Commands()[0])
	assert.Equal(t, domain.Stop{}, h.actuator.Commands()[1])
	assert.Equal(t, []string{"a/pop"}, h.sink.Emojis())

	h.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"a/pop", "b/pop"}, h.sink.Emojis())
}

func TestCaptureRequestIsAnswered(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		media ports.MediaCapture
		typ   string
		data  string
	}{
		{name: "photo", media: fakeMedia{}, typ: "photo", data: "anBlZw=="},
		{name: "video", media: fakeMedia{}, typ: "video", data: "bXA0"},
		{name: "failed photo is stubbed", media: fakeMedia{err: errDeviceBusy}, typ: "photo", data: ""},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, newFakeMic(), withMedia(tc.media))
			h.orch.SubmitText("look at this")
			h.expect(t, domain.StateThinking)
			id := h.sentOfTypeEventually(t, protocol.TypeText).(protocol.Text).RequestID

			h.incoming <- protocol.Emotion{Correlation: corr(id), Emotion: "curious"}
			h.incoming <- protocol.CaptureRequest{Correlation: corr(id), CaptureType: tc.typ, DurationMS: 1500}
			h.expect(t, domain.StateResponding)

			want := protocol.TypeImage
			if tc.typ == "video" {
				want = protocol.TypeVideo
			}
			reply := h.sentOfTypeEventually(t, want)
			switch msg := reply.(type) {
			case protocol.Image:
				assert.Equal(t, id, msg.RequestID)
				assert.Equal(t, tc.data, msg.Data)
			case protocol.Video:
				assert.Equal(t, id, msg.RequestID)
				assert.Equal(t, int64(1500), msg.DurationMS)
				assert.Equal(t, tc.data, msg.Data)
			}
		})
	}
}

func TestSearchDrivesRotationAndStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.greet(t)

	require.Eventually(t, func() bool { return len(h.actuator.Commands()) >= 2 }, time.Second, 2*time.Millisecond)
	commands := h.actuator.Commands()
	assert.Equal(t, domain.SearchRotation(0), commands[0])
	assert.Equal(t, domain.Stop{}, commands[1])
}

func TestBatteryAlertIsSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.BatteryAlert(state.BatteryRobot, 12)

	alert := h.sentOfTypeEventually(t, protocol.TypeBatteryAlert).(protocol.BatteryAlert)
	assert.Equal(t, 12, alert.BatteryLevel)
	assert.Equal(t, "robot", alert.Source)
	assert.NotEmpty(t, alert.RequestID)
}

func TestFaceScanRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeMic())
	h.orch.RequestFaceScan()
	h.expect(t, domain.StateListening, domain.StateSearching)
	require.Len(t, h.sentOfType(protocol.TypeFaceScanMode), 1)

	h.incoming <- protocol.FaceScanActions{Actions: []protocol.Action{{Type: "move", Direction: "left", Speed: 20}}}
	require.Eventually(t, func() bool {
		for _, cmd := range h.actuator.Commands() {
			if cmd == (domain.Move{Direction: domain.DirectionLeft, Speed: 20}) {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func (h *harness) sentOfTypeEventually(t *testing.T, typ string) protocol.Outgoing {
	t.Helper()
	var msg protocol.Outgoing
	require.Eventually(t, func() bool {
		msgs := h.sentOfType(typ)
		if len(msgs) == 0 {
			return false
		}
		msg = msgs[0]
		return true
	}, time.Second, 2*time.Millisecond)
	return msg
}
