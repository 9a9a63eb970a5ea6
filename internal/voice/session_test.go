package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxfolio/internal/observe"
	"github.com/MrWong99/voxfolio/pkg/audio"
	audiomock "github.com/MrWong99/voxfolio/pkg/audio/mock"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxfolio/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

type harness struct {
	backend  *audiomock.Backend
	provider *s2smock.Provider
	sess     *Session
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		backend: &audiomock.Backend{Devices: []audio.DeviceInfo{
			{ID: "mic", Name: "Built-in Microphone", Kind: audio.DeviceInput, Default: true},
		}},
		provider: &s2smock.Provider{},
	}
	cfg := Config{
		ID:           "test",
		Devices:      h.backend,
		Input:        h.backend,
		Output:       h.backend,
		Provider:     h.provider,
		ProviderName: "mock",
		Session:      s2s.SessionConfig{Instructions: "You are Sarah.", Voice: "Kore"},
		Metrics:      metrics,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.sess = NewSession(cfg)
	t.Cleanup(func() { _ = h.sess.Close() })
	return h
}

// expect reads events until one of kind arrives, skipping meter and caption
// updates.
func (h *harness) expect(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.sess.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventLoudnessChanged || ev.Kind == EventTranscript {
				continue
			}
			t.Fatalf("got event %v (state %v), want %v", ev.Kind, ev.State, kind)
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

// connect drives the session to Active and returns the transport.
func (h *harness) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expect(t, EventConnectingStarted)
	transport := h.transport(t)
	transport.Open()
	ev := h.expect(t, EventConnected)
	if ev.State != StateActive {
		t.Fatalf("Connected event state = %v, want active", ev.State)
	}
	return transport
}

func (h *harness) transport(t *testing.T) *s2smock.Session {
	t.Helper()
	var transport *s2smock.Session
	eventually(t, "transport connected", func() bool {
		transport = h.provider.LastSession()
		return transport != nil
	})
	return transport
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// assertReleased checks that no device or transport is left open.
func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	for i, in := range h.backend.Inputs() {
		if !in.Closed() {
			t.Errorf("input %d still open", i)
		}
	}
	for i, out := range h.backend.Outputs() {
		if !out.Closed() {
			t.Errorf("output %d still open", i)
		}
		if out.Playing() != 0 {
			t.Errorf("output %d still has %d sources", i, out.Playing())
		}
	}
	for i, s := range h.provider.Sessions() {
		if !s.Closed() {
			t.Errorf("transport %d still open", i)
		}
	}
}

// ── transitions ─────────────────────────────────────────────────────────────

func TestSession_IdleOnlyAcceptsStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx := context.Background()
	if err := h.sess.End(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("End from idle: err = %v, want ErrInvalidTransition", err)
	}
	if err := h.sess.Retry(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry from idle: err = %v, want ErrInvalidTransition", err)
	}
	if got := h.sess.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := h.expect(t, EventConnectingStarted)
	if ev.State != StateConnecting {
		t.Errorf("state = %v, want connecting", ev.State)
	}
	if err := h.sess.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start: err = %v, want ErrInvalidTransition", err)
	}
}

func TestSession_ConversationFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	transport := h.connect(t)

	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.Instructions != "You are Sarah." || cfg.Voice != "Kore" {
		t.Errorf("Connect cfg = %+v", cfg)
	}
	if got := h.backend.LastOutput().SampleRate; got != audio.PlaybackSampleRate {
		t.Errorf("output rate = %d, want %d", got, audio.PlaybackSampleRate)
	}

	// Microphone frames reach the transport once active.
	h.backend.LastInput().Feed(constant(audio.DefaultFrameSize, 0.1))
	h.backend.LastInput().Feed(constant(audio.DefaultFrameSize, 0.1))
	eventually(t, "frames sent", func() bool { return len(transport.Sent()) == 2 })
	if got := transport.Sent()[0].Format; got != audio.PCM16(16000) {
		t.Errorf("sent format = %v, want pcm16@16000", got)
	}

	// Model audio is scheduled back to back.
	out := h.backend.LastOutput()
	for range 3 {
		transport.Audio(modelFrame(200*time.Millisecond, 0.1))
	}
	eventually(t, "audio scheduled", func() bool { return len(out.Scheduled()) == 3 })
	calls := out.Scheduled()
	for i, want := range []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond} {
		if calls[i].At != want {
			t.Errorf("source %d at %v, want %v", i, calls[i].At, want)
		}
	}
	eventually(t, "loudness raised", func() bool { return h.sess.Loudness() > 0 })

	transport.Transcript(s2s.RoleModel, "Hi, I'm Sarah.")
	transport.TurnComplete()
	ev := h.expect(t, EventTurnCompleted)
	if ev.State != StateActive {
		t.Errorf("state = %v, want active", ev.State)
	}
	if got := h.sess.Loudness(); got != 0 {
		t.Errorf("loudness after turn = %v, want 0", got)
	}

	if err := h.sess.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	ev = h.expect(t, EventClosed)
	if ev.State != StateEnded {
		t.Errorf("state = %v, want ended", ev.State)
	}
	h.assertReleased(t)
	for _, c := range calls {
		if !slices.Contains(out.StopCalls, c.ID) {
			t.Errorf("source %d was not stopped at teardown", c.ID)
		}
	}
}

func TestSession_TranscriptEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	transport := h.connect(t)

	transport.Transcript(s2s.RoleUser, "hello")
	ev := h.expect(t, EventTranscript)
	if ev.Text != "hello" || ev.Role != s2s.RoleUser {
		t.Errorf("transcript = %+v", ev)
	}
}

func TestSession_FramesHeldUntilActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	transport := h.transport(t)

	h.backend.LastInput().Feed(constant(audio.DefaultFrameSize, 0.1))
	time.Sleep(20 * time.Millisecond)
	if n := len(transport.Sent()); n != 0 {
		t.Fatalf("%d frames sent while connecting", n)
	}

	transport.Open()
	h.expect(t, EventConnected)
	h.backend.LastInput().Feed(constant(audio.DefaultFrameSize, 0.1))
	eventually(t, "frame sent", func() bool { return len(transport.Sent()) == 1 })
}

func TestSession_TransportErrorWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	transport := h.connect(t)

	out := h.backend.LastOutput()
	transport.Audio(modelFrame(200*time.Millisecond, 0.1))
	transport.Audio(modelFrame(200*time.Millisecond, 0.1))
	eventually(t, "audio scheduled", func() bool { return len(out.Scheduled()) == 2 })

	transport.Fail(errors.New("websocket: connection reset"))

	ev := h.expect(t, EventConnectionError)
	if ev.State != StateError {
		t.Errorf("state = %v, want error", ev.State)
	}
	if ev.Err.Reason != ReasonConnectionFailed {
		t.Errorf("reason = %v, want connection_failed", ev.Err.Reason)
	}
	if !ev.Err.Interrupted {
		t.Error("Interrupted = false for a failure after connect")
	}
	if got := ev.Err.Message(); got != "Connection interrupted. Please try again." {
		t.Errorf("Message = %q", got)
	}
	if h.sess.Err() != ev.Err {
		t.Error("Err() does not match the event")
	}
	if !h.backend.LastInput().Closed() {
		t.Error("capture not stopped")
	}
	if len(out.StopCalls) != 2 {
		t.Errorf("Stop calls = %d, want 2", len(out.StopCalls))
	}
	if h.sess.Loudness() != 0 {
		t.Errorf("loudness = %v, want 0", h.sess.Loudness())
	}
	h.assertReleased(t)
}

func TestSession_TransportClosedWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	transport := h.connect(t)

	transport.End()
	ev := h.expect(t, EventClosed)
	if ev.State != StateEnded {
		t.Errorf("state = %v, want ended", ev.State)
	}
	h.assertReleased(t)
}

func TestSession_TransportClosedWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	h.transport(t).End()

	ev := h.expect(t, EventConnectionError)
	if ev.Err.Reason != ReasonConnectionFailed || ev.Err.Interrupted {
		t.Errorf("err = %+v, want non-interrupted connection_failed", ev.Err)
	}
	h.assertReleased(t)
}

func TestSession_CaptureFailureWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	h.backend.LastInput().Fail(fmt.Errorf("unplugged: %w", audio.ErrDeviceNotFound))

	ev := h.expect(t, EventConnectionError)
	if ev.Err.Reason != ReasonNoDevice {
		t.Errorf("reason = %v, want no_device", ev.Err.Reason)
	}
	h.assertReleased(t)
}

// ── acquisition failures ────────────────────────────────────────────────────

func TestSession_AcquisitionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*harness)
		wantReason Reason
	}{
		{
			name:       "no microphone",
			setup:      func(h *harness) { h.backend.Devices = nil },
			wantReason: ReasonNoDevice,
		},
		{
			name: "permission denied",
			setup: func(h *harness) {
				h.backend.OpenInputErr = fmt.Errorf("malgo: %w", audio.ErrPermissionDenied)
			},
			wantReason: ReasonPermissionDenied,
		},
		{
			name: "device busy",
			setup: func(h *harness) {
				h.backend.OpenInputErr = fmt.Errorf("malgo: %w", audio.ErrDeviceBusy)
			},
			wantReason: ReasonDeviceBusy,
		},
		{
			name: "output unsupported",
			setup: func(h *harness) {
				h.backend.OpenOutputErr = fmt.Errorf("malgo: %w", audio.ErrUnsupported)
			},
			wantReason: ReasonUnsupported,
		},
		{
			name: "no speaker",
			setup: func(h *harness) {
				h.backend.OpenOutputErr = fmt.Errorf("browser: no visitor connected: %w", audio.ErrDeviceNotFound)
			},
			wantReason: ReasonNoOutput,
		},
		{
			name: "speaker busy",
			setup: func(h *harness) {
				h.backend.OpenOutputErr = fmt.Errorf("malgo: %w", audio.ErrDeviceBusy)
			},
			wantReason: ReasonNoOutput,
		},
		{
			name:       "connect refused",
			setup:      func(h *harness) { h.provider.ConnectErr = errors.New("401 unauthorized") },
			wantReason: ReasonConnectionFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h)

			if err := h.sess.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			h.expect(t, EventConnectingStarted)
			ev := h.expect(t, EventConnectionError)
			if ev.Err.Reason != tc.wantReason {
				t.Errorf("reason = %v, want %v (err %v)", ev.Err.Reason, tc.wantReason, ev.Err)
			}
			if ev.Err.Interrupted {
				t.Error("Interrupted = true before connect")
			}
			h.assertReleased(t)
		})
	}
}

func TestSession_NoDeviceNeverOpensMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.backend.Devices = nil

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	h.expect(t, EventConnectionError)
	if h.backend.CallCountOpenInput != 0 {
		t.Errorf("OpenInput called %d times", h.backend.CallCountOpenInput)
	}
}

func TestSession_RetryAfterError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = errors.New("network down")

	ctx := context.Background()
	if err := h.sess.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	h.expect(t, EventConnectionError)

	h.provider.ConnectErr = nil
	if err := h.sess.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.expect(t, EventConnectingStarted)
	if h.sess.Err() != nil {
		t.Error("Err() not cleared by Retry")
	}
	h.transport(t).Open()
	h.expect(t, EventConnected)

	if got := h.provider.ConnectCount(); got != 2 {
		t.Errorf("Connect calls = %d, want 2", got)
	}
	if got := len(h.backend.Inputs()); got != 2 {
		t.Errorf("inputs opened = %d, want a fresh one per attempt", got)
	}
	if !h.backend.Inputs()[0].Closed() {
		t.Error("first attempt's input still open")
	}
}

func TestSession_EndedIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	ctx := context.Background()
	if err := h.sess.End(ctx); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventClosed)

	if err := h.sess.Start(ctx); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Start after end: err = %v, want ErrSessionEnded", err)
	}
	if err := h.sess.Retry(ctx); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Retry after end: err = %v, want ErrSessionEnded", err)
	}
	if err := h.sess.End(ctx); err != nil {
		t.Errorf("End after end: err = %v, want nil", err)
	}
}

func TestSession_EndFromError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = errors.New("nope")

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	h.expect(t, EventConnectionError)

	if err := h.sess.End(context.Background()); err != nil {
		t.Fatalf("End from error: %v", err)
	}
	h.expect(t, EventClosed)
}

func TestSession_ConnectTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.ConnectTimeout = 20 * time.Millisecond })
	h.provider.ConnectGate = make(chan struct{})

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	ev := h.expect(t, EventConnectionError)
	if ev.Err.Reason != ReasonTimeout {
		t.Errorf("reason = %v, want timeout", ev.Err.Reason)
	}
	eventually(t, "attempt rolled back", func() bool {
		in := h.backend.LastInput()
		return in != nil && in.Closed()
	})
	if h.provider.LastSession() != nil {
		t.Error("transport opened after timeout")
	}
}

func TestSession_OpenWithinTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.ConnectTimeout = 50 * time.Millisecond })
	h.connect(t)

	time.Sleep(100 * time.Millisecond)
	if got := h.sess.State(); got != StateActive {
		t.Errorf("state = %v, want active after the timeout elapsed", got)
	}
}

func TestSession_EndWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectGate = make(chan struct{})

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	eventually(t, "connect pending", func() bool { return h.provider.ConnectCount() == 1 })

	if err := h.sess.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventClosed)
	eventually(t, "stale attempt rolled back", func() bool { return h.backend.LastInput().Closed() })
}

// gatedOutput blocks OpenOutput until gate closes, ignoring cancellation, so
// an abandoned attempt still completes with live handles.
type gatedOutput struct {
	gate <-chan struct{}
	next audio.Output
}

func (g gatedOutput) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputStream, error) {
	<-g.gate
	return g.next.OpenOutput(ctx, sampleRate)
}

func TestSession_StaleAttemptIsRolledBack(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, func(c *Config) {
		c.Output = gatedOutput{gate: gate, next: c.Output}
	})

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventConnectingStarted)
	if err := h.sess.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expect(t, EventClosed)
	close(gate)

	eventually(t, "stale transport", func() bool { return h.provider.LastSession() != nil })
	eventually(t, "stale transport closed", func() bool { return h.provider.LastSession().Closed() })
	h.assertReleased(t)
	if got := h.sess.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
}

// ── close ───────────────────────────────────────────────────────────────────

func TestSession_CloseFromActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	transport := h.connect(t)
	transport.Audio(modelFrame(200*time.Millisecond, 0.1))
	eventually(t, "audio scheduled", func() bool { return len(h.backend.LastOutput().Scheduled()) == 1 })

	if err := h.sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	h.assertReleased(t)
	if got := h.sess.State(); got != StateEnded {
		t.Errorf("state = %v, want ended", got)
	}
	for range h.sess.Events() {
	}
	if err := h.sess.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: err = %v, want ErrClosed", err)
	}
}

func TestSession_CloseFromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.sess.Close(); err != nil {
		t.Fatal(err)
	}
	if h.backend.CallCountOpenInput != 0 {
		t.Error("Close opened a device")
	}
}

func TestSession_CommandContextCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The loop may still accept the command; either outcome is valid but a
	// cancelled caller must not block.
	done := make(chan struct{})
	go func() {
		_ = h.sess.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Start blocked with a cancelled context")
	}
}

// ── metrics ─────────────────────────────────────────────────────────────────

func TestSession_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, func(c *Config) { c.Metrics = metrics })
	h.provider.SendErr = s2s.ErrBackpressure
	transport := h.connect(t)

	h.backend.LastInput().Feed(constant(audio.DefaultFrameSize, 0.1))
	eventually(t, "send attempted", func() bool { return transport.SendCount() == 1 })
	transport.TurnComplete()
	h.expect(t, EventTurnCompleted)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{
		"voxfolio.sessions.started": 1,
		"voxfolio.sessions.active":  1,
		"voxfolio.frames.dropped":   1,
		"voxfolio.turns.completed":  1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateIdle: "idle", StateConnecting: "connecting", StateActive: "active",
		StateEnded: "ended", StateError: "error", State(9): "state(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
