package usecase

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"robotcore/internal/domain"
	"robotcore/internal/ports"
	"robotcore/internal/protocol"
)

const testSampleRate = 16000

// pcm returns d of 16 kHz mono s16le samples at a constant amplitude.
func pcm(d time.Duration, amplitude int16) []byte {
	samples := int(d * testSampleRate / time.Second)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		value := amplitude
		if i%2 == 1 {
			value = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

func tone(d time.Duration) []byte    { return pcm(d, 8000) }
func silence(d time.Duration) []byte { return pcm(d, 0) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeMic hands out one scripted PCM buffer per session. A session that runs
// out of data blocks until stopped, like a live device.
type fakeMic struct {
	mu       sync.Mutex
	scripts  [][]byte
	startErr error
	sessions []*fakeMicSession
}

func newFakeMic(scripts ...[]byte) *fakeMic {
	return &fakeMic{scripts: scripts}
}

func (m *fakeMic) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	var data []byte
	if len(m.scripts) > 0 {
		data = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	session := &fakeMicSession{data: data, stop: make(chan struct{})}
	m.sessions = append(m.sessions, session)
	return session, nil
}

func (m *fakeMic) Sessions() []*fakeMicSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeMicSession(nil), m.sessions...)
}

type fakeMicSession struct {
	data    []byte
	stop    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (s *fakeMicSession) Read(p []byte) (int, error) {
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		return n, nil
	}
	<-s.stop
	return 0, io.EOF
}

func (s *fakeMicSession) Close() error { return s.Stop() }

func (s *fakeMicSession) Stop() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeMicSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeEncoder struct {
	err error
}

func (e fakeEncoder) Encode(pcm []byte) ([][]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return [][]byte{[]byte(fmt.Sprintf("packet:%d", len(pcm)))}, nil
}

func (fakeEncoder) Format() string { return "opus" }

type fakeCamera struct {
	mu       sync.Mutex
	startErr error
	sessions []*fakeFrameSession
}

func (c *fakeCamera) Start(context.Context, ports.CameraConfig) (ports.FrameSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	session := &fakeFrameSession{frames: make(chan ports.Frame)}
	c.sessions = append(c.sessions, session)
	return session, nil
}

func (c *fakeCamera) Sessions() []*fakeFrameSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeFrameSession(nil), c.sessions...)
}

func (c *fakeCamera) Last() *fakeFrameSession {
	sessions := c.Sessions()
	if len(sessions) == 0 {
		return nil
	}
	return sessions[len(sessions)-1]
}

type fakeFrameSession struct {
	frames chan ports.Frame

	mu      sync.Mutex
	stopped bool
}

func (s *fakeFrameSession) Frames() <-chan ports.Frame { return s.frames }

func (s *fakeFrameSession) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeFrameSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeDetector finds a face in any frame whose payload is "face".
type fakeDetector struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDetector) Detect(_ context.Context, frame ports.Frame) (*domain.FaceCrop, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if string(frame.JPEG) != "face" {
		return nil, nil
	}
	return &domain.FaceCrop{JPEG: frame.JPEG, Confidence: 0.9}, nil
}

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeMatcher struct {
	result ports.IdentityResult
	err    error
}

func (m fakeMatcher) Match(context.Context, domain.FaceCrop) (ports.IdentityResult, error) {
	return m.result, m.err
}

func (fakeMatcher) Threshold() float64 { return 0.70 }

func matchedAt(similarity float64) fakeMatcher {
	return fakeMatcher{result: ports.IdentityResult{
		Match:     &domain.FaceMatch{PersonID: "p-1", Name: "Ada", Similarity: similarity},
		Best:      similarity,
		Embedding: []float32{1, 0},
	}}
}

func unknownAt(similarity float64) fakeMatcher {
	return fakeMatcher{result: ports.IdentityResult{Best: similarity, Embedding: []float32{0.4, 0.9}}}
}

// recorder keeps one ordered log shared by the speech and display fakes.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	r.log = append(r.log, entry)
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

type fakeSpeech struct {
	rec *recorder

	mu      sync.Mutex
	spoken  []string
	flushes int
	waitErr error
}

func (s *fakeSpeech) Enqueue(text string) {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	s.rec.add("speak:" + text)
}

func (s *fakeSpeech) WaitIdle(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

func (s *fakeSpeech) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSpeech) Speaking() bool { return false }

func (s *fakeSpeech) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type sessionError struct {
	code   domain.ErrorCode
	detail string
}

type fakeSink struct {
	rec *recorder

	mu         sync.Mutex
	cues       []string
	subtitles  []string
	emojis     []string
	recognized []domain.FaceMatch
	errors     []sessionError
}

func (s *fakeSink) StateChanged(_ domain.StateChange, cue string) {
	s.mu.Lock()
	s.cues = append(s.cues, cue)
	s.mu.Unlock()
}

func (s *fakeSink) Emotion(_ string, emotion string) {
	s.rec.add("emotion:" + emotion)
}

func (s *fakeSink) Subtitle(text string) {
	s.mu.Lock()
	s.subtitles = append(s.subtitles, text)
	s.mu.Unlock()
}

func (s *fakeSink) ShowEmoji(emoji string, transition string) {
	s.mu.Lock()
	s.emojis = append(s.emojis, emoji+"/"+transition)
	s.mu.Unlock()
}

func (s *fakeSink) PersonRecognized(match domain.FaceMatch) {
	s.mu.Lock()
	s.recognized = append(s.recognized, match)
	s.mu.Unlock()
}

func (s *fakeSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	s.errors = append(s.errors, sessionError{code: code, detail: detail})
	s.mu.Unlock()
}

func (s *fakeSink) Emojis() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.emojis...)
}

func (s *fakeSink) Subtitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subtitles...)
}

func (s *fakeSink) Errors() []sessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessionError(nil), s.errors...)
}

func (s *fakeSink) Recognized() []domain.FaceMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FaceMatch(nil), s.recognized...)
}

type fakeBackend struct {
	mu    sync.Mutex
	sent  []protocol.Outgoing
	audio [][]byte
	err   error
}

func (b *fakeBackend) Send(msg protocol.Outgoing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBackend) SendAudio(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.audio = append(b.audio, append([]byte(nil), chunk...))
	return nil
}

func (b *fakeBackend) Sent() []protocol.Outgoing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Outgoing(nil), b.sent...)
}

func (b *fakeBackend) Types() []string {
	var types []string
	for _, msg := range b.Sent() {
		types = append(types, msg.MessageType())
	}
	return types
}

func (b *fakeBackend) AudioBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, chunk := range b.audio {
		n += len(chunk)
	}
	return n
}

type fakeActuator struct {
	mu       sync.Mutex
	commands []domain.ActuatorCommand
}

func (a *fakeActuator) Send(cmd domain.ActuatorCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, cmd)
	return nil
}

func (a *fakeActuator) Commands() []domain.ActuatorCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ActuatorCommand(nil), a.commands...)
}

type fakeMedia struct {
	err error
}

func (m fakeMedia) Photo(context.Context) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []byte("jpeg"), nil
}

func (m fakeMedia) Video(context.Context, time.Duration) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []byte("mp4"), nil
}

var errDeviceBusy = errors.New("device busy")
