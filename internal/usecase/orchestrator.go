package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"robotcore/internal/domain"
	"robotcore/internal/metrics"
	"robotcore/internal/ports"
	"robotcore/internal/protocol"
	"robotcore/internal/state"
)

var ErrNoActiveTurn = errors.New("no interaction turn is open")

const (
	pcmChunkBytes       = 3200
	captureRequestPhoto = "capture_request"

	subtitleRetry    = "Sorry, something went wrong. Let's try that again."
	subtitleFatal    = "I'm having trouble right now."
	subtitleNoAnswer = "I couldn't get an answer in time."
)

// StateAuthority is the part of state.Authority the orchestrator drives.
type StateAuthority interface {
	Current() domain.InteractionState
	Transition(to domain.InteractionState, reason domain.TransitionReason) error
	Fail(reason domain.TransitionReason, recoverable bool) error
	Observe(ctx context.Context) <-chan domain.StateChange
}

// CaptureSession is a start/stop voice capture.
type CaptureSession interface {
	Start(ctx context.Context, continuous bool, emit CaptureFunc) error
	Stop()
	Active() bool
}

// SearchSession is a start/stop face search.
type SearchSession interface {
	Start(ctx context.Context, emit SearchFunc) error
	Stop()
	Active() bool
}

// BackendSender writes to the backend channel.
type BackendSender interface {
	Send(msg protocol.Outgoing) error
	SendAudio(chunk []byte) error
}

// ActuatorSender writes to the body link.
type ActuatorSender interface {
	Send(cmd domain.ActuatorCommand) error
}

// Pronouncer rewrites a sentence before it is spoken.
type Pronouncer interface {
	Apply(text string) string
}

// OrchestratorConfig holds the interaction timings.
type OrchestratorConfig struct {
	ContinuousListening bool
	Window              time.Duration
	SettleDelay         time.Duration
	PlaybackWaitMax     time.Duration
	ThinkingTimeout     time.Duration
	CaptureTimeout      time.Duration
	VideoDuration       time.Duration
	SearchStep          time.Duration
	BatteryPoll         time.Duration
	NoFaceNotice        string
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.Window <= 0 {
		c.Window = defaultListeningWindow
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 700 * time.Millisecond
	}
	if c.PlaybackWaitMax <= 0 {
		c.PlaybackWaitMax = 60 * time.Second
	}
	if c.ThinkingTimeout <= 0 {
		c.ThinkingTimeout = 30 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 10 * time.Second
	}
	if c.VideoDuration <= 0 {
		c.VideoDuration = 3 * time.Second
	}
	if c.BatteryPoll <= 0 {
		c.BatteryPoll = time.Minute
	}
	if strings.TrimSpace(c.NoFaceNotice) == "" {
		c.NoFaceNotice = "I can't see anyone. Say my name when you're ready."
	}
	return c
}

// Deps are the collaborators of the orchestrator. Media, Identities, Battery,
// BatteryReader and Pronouncer are optional.
type Deps struct {
	State         StateAuthority
	Capture       CaptureSession
	Search        SearchSession
	Backend       BackendSender
	Incoming      <-chan protocol.Incoming
	Actuator      ActuatorSender
	Speech        ports.SpeechPlayer
	Media         ports.MediaCapture
	Identities    ports.IdentityStore
	Battery       *state.Battery
	BatteryReader ports.BatteryReader
	Pronouncer    Pronouncer
	Events        ports.EventSink
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Clock         Clock
}

// Orchestrator binds wake words, capture and search results and the backend
// stream into one interaction lifecycle. Every decision runs on the Run
// goroutine; the only other goroutine is the state watcher that starts and
// stops sessions.
type Orchestrator struct {
	deps       Deps
	cfg        OrchestratorConfig
	logger     zerolog.Logger
	clock      Clock
	window     *ListeningWindow
	expression *expressionPlayer

	events chan event
	done   chan struct{}

	// Owned by the Run goroutine.
	turn          *interactionTurn
	awaiting      string
	person        personContext
	lastEmbedding []float32
}

type event interface{}

type wakeEvent struct{}

type textEvent struct{ text string }

type faceScanEvent struct{}

type channelEvent struct{ up bool }

type batteryAlertEvent struct {
	source state.BatterySource
	level  int
}

type batteryPollEvent struct{}

type captureEvent struct {
	utterance domain.Utterance
	err       error
}

type searchEvent struct{ result domain.SearchResult }

type thinkingTimeoutEvent struct{ requestID string }

type playbackDoneEvent struct{ requestID string }

type noticeDoneEvent struct{ token string }

type windowExpiredEvent struct{}

func NewOrchestrator(deps Deps, cfg OrchestratorConfig) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: deps.Logger.With().Str("component", "orchestrator").Logger(),
		clock:  deps.Clock,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		person: unknownPerson(),
	}
	o.window = NewListeningWindow(o.clock, o.cfg.Window, func() { o.post(windowExpiredEvent{}) })
	o.expression = newExpressionPlayer(deps.Events, o.clock)
	return o
}

// Wake reports a wake-word hit.
func (o *Orchestrator) Wake() { o.post(wakeEvent{}) }

// SubmitText starts a typed turn.
func (o *Orchestrator) SubmitText(text string) { o.post(textEvent{text: text}) }

// RequestFaceScan asks the backend to guide a face scan.
func (o *Orchestrator) RequestFaceScan() { o.post(faceScanEvent{}) }

// ChannelUp reports that the backend channel authenticated.
func (o *Orchestrator) ChannelUp() { o.post(channelEvent{up: true}) }

// ChannelDown reports that the backend channel was lost.
func (o *Orchestrator) ChannelDown() { o.post(channelEvent{up: false}) }

// BatteryAlert reports a battery level that crossed the alert threshold.
func (o *Orchestrator) BatteryAlert(source state.BatterySource, level int) {
	o.post(batteryAlertEvent{source: source, level: level})
}

// ListeningWindowActive reports whether speech is accepted without a wake word.
func (o *Orchestrator) ListeningWindowActive() bool { return o.window.Active() }

// Run processes events until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	changes := o.deps.State.Observe(watchCtx)
	go func() {
		defer close(watchDone)
		o.watchState(watchCtx, changes)
	}()
	defer func() {
		close(o.done)
		o.shutdown()
		cancelWatch()
		<-watchDone
	}()

	if o.deps.BatteryReader != nil {
		o.scheduleBatteryPoll()
	}

	incoming := o.deps.Incoming
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.events:
			o.handle(ctx, ev)
		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			o.handleIncoming(ctx, msg)
		}
	}
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case wakeEvent:
		o.onWake()
	case textEvent:
		o.onText(e.text)
	case faceScanEvent:
		o.onFaceScan()
	case channelEvent:
		o.onChannel(e.up)
	case batteryAlertEvent:
		o.sendBatteryAlert(e.source, e.level)
	case batteryPollEvent:
		o.pollBattery(ctx)
	case captureEvent:
		o.onCapture(e.utterance, e.err)
	case searchEvent:
		o.onSearch(ctx, e.result)
	case thinkingTimeoutEvent:
		o.onThinkingTimeout(e.requestID)
	case playbackDoneEvent:
		o.onPlaybackDone(e.requestID)
	case noticeDoneEvent:
		o.onNoticeDone(e.token)
	case windowExpiredEvent:
		o.onWindowExpired()
	default:
		o.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled event")
	}
}

func (o *Orchestrator) onWake() {
	switch current := o.deps.State.Current(); current {
	case domain.StateIdle:
		o.window.Stop()
		o.person = unknownPerson()
		if !o.transition(domain.StateListening, domain.ReasonWakeWord) {
			return
		}
		o.transition(domain.StateSearching, domain.ReasonSearchStarted)
	case domain.StateListening:
		o.window.Stop()
		o.closeTurn()
		o.transition(domain.StateSearching, domain.ReasonWakeWord)
	default:
		o.logger.Debug().Str("state", string(current)).Msg("wake word ignored")
	}
}

func (o *Orchestrator) onText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	current := o.deps.State.Current()
	if current != domain.StateIdle && current != domain.StateListening {
		o.logger.Debug().Str("state", string(current)).Msg("text input ignored")
		return
	}

	turn := o.openTurn(uuid.NewString())
	o.window.Stop()
	if !o.transition(domain.StateThinking, domain.ReasonTextSubmitted) {
		o.closeTurn()
		return
	}
	if err := o.deps.Backend.Send(protocol.NewText(turn.id, text, o.person.id)); err != nil {
		o.fail(domain.ReasonBackendError, true, domain.ErrorCodeBackend, err)
		return
	}
	o.armThinkingTimer(turn)
}

func (o *Orchestrator) onFaceScan() {
	current := o.deps.State.Current()
	if current != domain.StateIdle && current != domain.StateListening {
		o.logger.Debug().Str("state", string(current)).Msg("face scan ignored")
		return
	}

	requestID := uuid.NewString()
	if err := o.deps.Backend.Send(protocol.NewFaceScanMode(requestID)); err != nil {
		o.logger.Warn().Err(err).Msg("failed to announce face scan")
	}
	o.window.Stop()
	o.closeTurn()
	if current == domain.StateIdle {
		o.person = unknownPerson()
		if !o.transition(domain.StateListening, domain.ReasonFaceScanRequested) {
			return
		}
	}
	o.transition(domain.StateSearching, domain.ReasonFaceScanRequested)
}

func (o *Orchestrator) onChannel(up bool) {
	if up {
		if o.deps.State.Current() == domain.StateDisconnected {
			o.transition(domain.StateIdle, domain.ReasonChannelReady)
		}
		return
	}
	o.abandonTurn()
	o.transition(domain.StateDisconnected, domain.ReasonChannelLost)
}

func (o *Orchestrator) onCapture(utterance domain.Utterance, err error) {
	if current := o.deps.State.Current(); current != domain.StateListening {
		o.logger.Debug().Str("state", string(current)).Msg("capture result ignored")
		return
	}
	if err != nil {
		code := domain.ErrorCodeMicrophone
		if errors.Is(err, ErrEncoding) {
			code = domain.ErrorCodeEncoding
		}
		o.fail(domain.ReasonDeviceFailure, true, code, err)
		return
	}
	if utterance.Outcome == domain.CaptureDiscarded {
		o.window.Stop()
		o.transition(domain.StateIdle, domain.ReasonCaptureDiscarded)
		return
	}

	turn := o.openTurn(uuid.NewString())
	o.window.Stop()
	if !o.transition(domain.StateThinking, domain.ReasonSpeechEnded) {
		o.closeTurn()
		return
	}
	if err := o.sendUtterance(turn.id, utterance); err != nil {
		o.fail(domain.ReasonBackendError, true, domain.ErrorCodeBackend, err)
		return
	}
	o.armThinkingTimer(turn)
}

func (o *Orchestrator) sendUtterance(requestID string, utterance domain.Utterance) error {
	person := o.person
	var embedding []float32
	if !person.recognized {
		embedding = person.embedding
	}
	start := protocol.NewInteractionStart(requestID, person.id, person.recognized, person.confidence, embedding, o.interactionContext())
	if err := o.deps.Backend.Send(start); err != nil {
		return err
	}

	if len(utterance.Encoded) > 0 {
		for _, packet := range utterance.Encoded {
			if err := o.deps.Backend.SendAudio(packet); err != nil {
				return err
			}
		}
	} else {
		for offset := 0; offset < len(utterance.PCM); offset += pcmChunkBytes {
			end := min(offset+pcmChunkBytes, len(utterance.PCM))
			if err := o.deps.Backend.SendAudio(utterance.PCM[offset:end]); err != nil {
				return err
			}
		}
	}
	return o.deps.Backend.Send(protocol.NewAudioEnd(requestID))
}

func (o *Orchestrator) onSearch(ctx context.Context, result domain.SearchResult) {
	if current := o.deps.State.Current(); current != domain.StateSearching {
		o.logger.Debug().Str("state", string(current)).Msg("search result ignored")
		return
	}

	switch result.Outcome {
	case domain.SearchMatched:
		match := *result.Match
		o.person = personContext{
			id:         match.PersonID,
			name:       match.Name,
			recognized: true,
			confidence: match.Similarity,
			embedding:  result.Embedding,
		}
		o.lastEmbedding = result.Embedding
		o.deps.Events.PersonRecognized(match)
		if o.transition(domain.StateGreeting, domain.ReasonFaceRecognized) {
			o.handshake()
		}
	case domain.SearchUnknown:
		o.person = personContext{
			id:         domain.UnknownPersonID,
			confidence: result.Confidence,
			embedding:  result.Embedding,
		}
		o.lastEmbedding = result.Embedding
		if o.transition(domain.StateRegistering, domain.ReasonFaceUnknown) {
			o.handshake()
		}
	case domain.SearchTimeout:
		if o.transition(domain.StateListening, domain.ReasonNoFace) {
			o.speak(o.cfg.NoFaceNotice)
			o.awaiting = uuid.NewString()
			go o.afterPlayback(ctx, noticeDoneEvent{token: o.awaiting})
		}
	default:
		err := result.Err
		if err == nil {
			err = errors.New("face search failed")
		}
		o.fail(domain.ReasonDeviceFailure, true, domain.ErrorCodeCamera, err)
	}
}

// handshake announces the resolved person and opens the greeting turn.
func (o *Orchestrator) handshake() {
	person := o.person
	requestID := uuid.NewString()
	personID := ""
	if person.recognized {
		personID = person.id
	}
	if err := o.deps.Backend.Send(protocol.NewPersonDetected(requestID, person.recognized, personID, person.confidence, person.embedding)); err != nil {
		o.logger.Warn().Err(err).Msg("failed to send person handshake")
	}
	o.openTurn(requestID)
	o.window.StartOrReset()
	o.transition(domain.StateListening, domain.ReasonHandshakeSent)
}

func (o *Orchestrator) handleIncoming(ctx context.Context, msg protocol.Incoming) {
	switch m := msg.(type) {
	case protocol.AuthOK:
	case protocol.PersonRegistered:
		o.onPersonRegistered(ctx, m)
	case protocol.FaceScanActions:
		o.runActions(m.Actions)
	case protocol.Error:
		if id := m.RequestID(); id != "" && (o.turn == nil || o.turn.id != id) {
			o.dropStale(msg)
			return
		}
		o.onBackendError(m)
	case protocol.Unknown:
		o.logger.Debug().Str("type", m.Type).Str("reason", m.Reason).Msg("ignoring unknown backend message")
	default:
		o.handleTurnMessage(ctx, msg)
	}
}

// handleTurnMessage applies the per-request ordering: nothing but Emotion is
// acted on until the Emotion for the open request has been processed.
func (o *Orchestrator) handleTurnMessage(ctx context.Context, msg protocol.Incoming) {
	turn := o.turn
	if turn == nil || msg.RequestID() != turn.id {
		o.dropStale(msg)
		return
	}
	if _, isEmotion := msg.(protocol.Emotion); !isEmotion && !turn.emotionSeen {
		turn.held = append(turn.held, msg)
		return
	}

	switch m := msg.(type) {
	case protocol.Emotion:
		o.onEmotion(ctx, turn, m)
	case protocol.TextChunk:
		for _, sentence := range turn.sentences.Add(m.Text) {
			o.speak(sentence)
		}
	case protocol.CaptureRequest:
		o.onCaptureRequest(ctx, m)
	case protocol.ResponseMeta:
		o.onResponseMeta(turn, m)
	case protocol.StreamEnd:
		o.onStreamEnd(ctx, turn, m)
	}
}

func (o *Orchestrator) onEmotion(ctx context.Context, turn *interactionTurn, m protocol.Emotion) {
	if turn.emotionSeen {
		o.logger.Debug().Str("request_id", m.RequestID()).Msg("duplicate emotion ignored")
		return
	}
	turn.emotionSeen = true
	turn.stopThinkingTimer()
	o.window.Stop()

	// The cue goes out before anything for this turn can reach the speech queue.
	o.transition(domain.StateResponding, domain.ReasonResponseStarted)
	o.deps.Events.Emotion(m.RequestID(), m.Emotion)

	held := turn.held
	turn.held = nil
	for _, msg := range held {
		o.handleTurnMessage(ctx, msg)
	}
}

func (o *Orchestrator) onCaptureRequest(ctx context.Context, m protocol.CaptureRequest) {
	requestID := m.RequestID()
	media := o.deps.Media
	backend := o.deps.Backend
	logger := o.logger.With().Str("request_id", requestID).Str("capture_type", m.CaptureType).Logger()
	timeout := o.cfg.CaptureTimeout
	videoDuration := o.cfg.VideoDuration

	// The reply never blocks the stream; a failed capture is answered with an empty payload.
	go func() {
		captureCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		video := strings.EqualFold(m.CaptureType, "video")
		duration := time.Duration(m.DurationMS) * time.Millisecond
		if duration <= 0 {
			duration = videoDuration
		}

		var (
			data []byte
			err  error
		)
		switch {
		case media == nil:
			err = errors.New("no media capture available")
		case video:
			data, err = media.Video(captureCtx, duration)
		default:
			data, err = media.Photo(captureCtx)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("capture request failed, replying with empty payload")
			data = nil
		}

		var reply protocol.Outgoing = protocol.NewImage(requestID, captureRequestPhoto, data)
		if video {
			reply = protocol.NewVideo(requestID, duration, data)
		}
		if err := backend.Send(reply); err != nil {
			logger.Warn().Err(err).Msg("failed to answer capture request")
		}
	}()
}

func (o *Orchestrator) onResponseMeta(turn *interactionTurn, m protocol.ResponseMeta) {
	if rest := turn.sentences.Flush(); rest != "" {
		o.speak(rest)
	}
	if text := strings.TrimSpace(m.ResponseText); text != "" {
		o.deps.Events.Subtitle(text)
	}
	if expr, ok := expressionFromMeta(m.Expression); ok {
		o.expression.Play(expr)
	}
	o.runActions(m.Actions)
}

func (o *Orchestrator) onStreamEnd(ctx context.Context, turn *interactionTurn, m protocol.StreamEnd) {
	if rest := turn.sentences.Flush(); rest != "" {
		o.speak(rest)
	}
	o.logger.Debug().
		Str("request_id", turn.id).
		Int64("processing_ms", m.ProcessingTimeMS).
		Msg("response stream finished")

	o.closeTurn()
	o.awaiting = turn.id
	go o.afterPlayback(ctx, playbackDoneEvent{requestID: turn.id})
}

// afterPlayback waits for the queued speech, then for the settle delay so the
// microphone does not pick up the speaker's tail, and posts ev.
func (o *Orchestrator) afterPlayback(ctx context.Context, ev event) {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.PlaybackWaitMax)
	err := o.deps.Speech.WaitIdle(waitCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("speech playback did not finish in time")
	}
	o.clock.AfterFunc(o.cfg.SettleDelay, func() { o.post(ev) })
}

func (o *Orchestrator) onPlaybackDone(requestID string) {
	if requestID != o.awaiting {
		return
	}
	o.awaiting = ""
	if o.deps.State.Current() != domain.StateResponding {
		return
	}
	if !o.cfg.ContinuousListening {
		o.transition(domain.StateIdle, domain.ReasonResponseFinished)
		return
	}
	o.window.StartOrReset()
	o.transition(domain.StateListening, domain.ReasonResponseFinished)
}

func (o *Orchestrator) onNoticeDone(token string) {
	if token != o.awaiting {
		return
	}
	o.awaiting = ""
	if o.deps.State.Current() != domain.StateListening {
		return
	}
	o.transition(domain.StateIdle, domain.ReasonNoticeFinished)
}

func (o *Orchestrator) onWindowExpired() {
	if o.deps.State.Current() != domain.StateListening {
		return
	}
	o.closeTurn()
	o.transition(domain.StateIdle, domain.ReasonWindowExpired)
}

func (o *Orchestrator) onThinkingTimeout(requestID string) {
	if o.turn == nil || o.turn.id != requestID || o.turn.emotionSeen {
		return
	}
	o.deps.Events.Subtitle(subtitleNoAnswer)
	o.fail(domain.ReasonResponseTimeout, true, domain.ErrorCodeProtocol, fmt.Errorf("no response for %s", requestID))
}

func (o *Orchestrator) onBackendError(m protocol.Error) {
	if o.deps.State.Current() == domain.StateDisconnected {
		o.logger.Debug().Str("code", m.ErrorCode).Msg("backend error after channel loss ignored")
		return
	}
	o.logger.Warn().
		Str("request_id", m.RequestID()).
		Str("code", m.ErrorCode).
		Bool("recoverable", m.Recoverable).
		Msg(m.Message)

	if m.Recoverable {
		o.deps.Events.Subtitle(subtitleRetry)
		o.fail(domain.ReasonBackendError, true, domain.ErrorCodeBackend, errors.New(m.Message))
		return
	}
	o.deps.Events.Subtitle(subtitleFatal)
	o.fail(domain.ReasonBackendFatal, false, domain.ErrorCodeBackend, errors.New(m.Message))
}

func (o *Orchestrator) onPersonRegistered(ctx context.Context, m protocol.PersonRegistered) {
	if o.deps.Identities == nil {
		return
	}
	if len(o.lastEmbedding) == 0 {
		o.logger.Warn().Str("person_id", m.PersonID).Msg("registration without a captured face")
		return
	}
	err := o.deps.Identities.Save(ctx, ports.StoredIdentity{
		PersonID:  m.PersonID,
		Name:      m.Name,
		Embedding: o.lastEmbedding,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("person_id", m.PersonID).Msg("failed to store identity")
		return
	}
	o.logger.Info().Str("person_id", m.PersonID).Str("name", m.Name).Msg("identity registered")
	if !o.person.recognized {
		o.person = personContext{id: m.PersonID, name: m.Name, recognized: true, confidence: 1, embedding: o.lastEmbedding}
	}
	o.lastEmbedding = nil
}

func (o *Orchestrator) runActions(actions []protocol.Action) {
	if o.deps.Actuator == nil {
		return
	}
	for _, cmd := range commandsForActions(actions) {
		if err := o.deps.Actuator.Send(cmd); err != nil {
			o.logger.Warn().Err(err).Str("command", fmt.Sprintf("%T", cmd)).Msg("actuator command refused")
		}
	}
}

func (o *Orchestrator) sendBatteryAlert(source state.BatterySource, level int) {
	alert := protocol.NewBatteryAlert(uuid.NewString(), level, string(source))
	if err := o.deps.Backend.Send(alert); err != nil {
		o.logger.Warn().Err(err).Str("source", string(source)).Msg("failed to send battery alert")
	}
}

func (o *Orchestrator) scheduleBatteryPoll() {
	o.clock.AfterFunc(o.cfg.BatteryPoll, func() { o.post(batteryPollEvent{}) })
}

func (o *Orchestrator) pollBattery(ctx context.Context) {
	defer o.scheduleBatteryPoll()
	if o.deps.Battery == nil {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	level, err := o.deps.BatteryReader.Level(readCtx)
	if err != nil {
		o.logger.Debug().Err(err).Msg("host battery unavailable")
		return
	}
	if o.deps.Battery.Update(state.BatteryPhone, level) {
		o.sendBatteryAlert(state.BatteryPhone, level)
	}
}

func (o *Orchestrator) interactionContext() protocol.InteractionContext {
	if o.deps.Battery == nil {
		return protocol.InteractionContext{BatteryRobot: -1, BatteryPhone: -1}
	}
	levels, sensors := o.deps.Battery.Snapshot()
	return protocol.InteractionContext{
		BatteryRobot: levels.Robot,
		BatteryPhone: levels.Phone,
		Sensors:      sensors,
	}
}

func (o *Orchestrator) speak(text string) {
	if o.deps.Pronouncer != nil {
		text = o.deps.Pronouncer.Apply(text)
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	o.deps.Speech.Enqueue(text)
}

// openTurn invalidates any previous turn and its pending playback.
func (o *Orchestrator) openTurn(requestID string) *interactionTurn {
	o.closeTurn()
	o.awaiting = ""
	o.deps.Speech.Flush()
	o.expression.Stop()
	o.turn = &interactionTurn{id: requestID}
	return o.turn
}

func (o *Orchestrator) closeTurn() {
	if o.turn == nil {
		return
	}
	o.turn.stopThinkingTimer()
	o.turn = nil
}

func (o *Orchestrator) armThinkingTimer(turn *interactionTurn) {
	requestID := turn.id
	turn.thinking = o.clock.AfterFunc(o.cfg.ThinkingTimeout, func() {
		o.post(thinkingTimeoutEvent{requestID: requestID})
	})
}

// abandonTurn drops everything in flight: the turn, pending playback and the window.
func (o *Orchestrator) abandonTurn() {
	o.closeTurn()
	o.awaiting = ""
	o.window.Stop()
	o.expression.Stop()
	o.deps.Speech.Flush()
}

// fail flashes Error. While the channel is down the robot stays Disconnected:
// only re-authentication may lead back to Idle.
func (o *Orchestrator) fail(reason domain.TransitionReason, recoverable bool, code domain.ErrorCode, err error) {
	o.abandonTurn()
	if o.deps.State.Current() == domain.StateDisconnected {
		o.logger.Debug().Err(err).Str("reason", string(reason)).Msg("fault while disconnected ignored")
		return
	}
	o.logger.Warn().Err(err).Str("reason", string(reason)).Bool("recoverable", recoverable).Msg("interaction failed")
	o.deps.Events.SessionError(code, err.Error())
	if failErr := o.deps.State.Fail(reason, recoverable); failErr != nil {
		o.logger.Warn().Err(failErr).Msg("failed to enter error state")
	}
}

func (o *Orchestrator) transition(to domain.InteractionState, reason domain.TransitionReason) bool {
	if err := o.deps.State.Transition(to, reason); err != nil {
		o.logger.Warn().Err(err).Str("reason", string(reason)).Msg("transition refused")
		return false
	}
	return true
}

func (o *Orchestrator) dropStale(msg protocol.Incoming) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.StaleMessages.WithLabelValues(msg.MessageType()).Inc()
	}
	entry := o.logger.Debug().Str("type", msg.MessageType()).Str("request_id", msg.RequestID())
	if o.turn == nil {
		entry = entry.Err(ErrNoActiveTurn)
	} else {
		entry = entry.Str("open_request_id", o.turn.id)
	}
	entry.Msg("dropping stale backend message")
}

func (o *Orchestrator) shutdown() {
	o.closeTurn()
	o.window.Stop()
	o.expression.Stop()
}
