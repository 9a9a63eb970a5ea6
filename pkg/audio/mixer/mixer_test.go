package mixer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/audio/mixer"
)

const testRate = 1000 // 1 frame == 1ms keeps the arithmetic readable

func constant(v float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func waitEnded(t *testing.T, tl *mixer.Timeline) audio.SourceID {
	t.Helper()
	select {
	case id := <-tl.Ended():
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Ended")
		return 0
	}
}

func expectNoEnded(t *testing.T, tl *mixer.Timeline) {
	t.Helper()
	select {
	case id := <-tl.Ended():
		t.Fatalf("unexpected Ended(%d)", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeline_ClockAdvancesOnlyOnRender(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	if got := tl.Now(); got != 0 {
		t.Fatalf("Now() = %v, want 0", got)
	}
	tl.Render(make([]float32, 250))
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Fatalf("Now() = %v, want 250ms", got)
	}
}

func TestTimeline_ScheduledAtFutureOffset(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	if _, err := tl.Schedule(constant(0.5, 10), testRate, 5*time.Millisecond); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out := make([]float32, 20)
	tl.Render(out)
	for i, v := range out {
		want := float32(0)
		if i >= 5 && i < 15 {
			want = 0.5
		}
		if v != want {
			t.Fatalf("out[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestTimeline_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	tl.Render(make([]float32, 100))
	if _, err := tl.Schedule(constant(0.25, 4), testRate, 10*time.Millisecond); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out := make([]float32, 4)
	tl.Render(out)
	for i, v := range out {
		if v != 0.25 {
			t.Fatalf("out[%d] = %v, want 0.25", i, v)
		}
	}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	tl.Schedule(constant(0.1, 7), testRate, 0)
	tl.Schedule(constant(0.2, 7), testRate, 7*time.Millisecond)

	// Render in windows that do not line up with buffer boundaries.
	var got []float32
	for range 5 {
		out := make([]float32, 3)
		tl.Render(out)
		got = append(got, out...)
	}
	for i := range 14 {
		want := float32(0.1)
		if i >= 7 {
			want = 0.2
		}
		if got[i] != want {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want)
		}
	}
	if got[14] != 0 {
		t.Fatalf("sample 14 = %v, want silence", got[14])
	}
}

func TestTimeline_OverlapIsSummedAndClamped(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	tl.Schedule(constant(0.75, 4), testRate, 0)
	tl.Schedule(constant(0.75, 4), testRate, 0)
	tl.Schedule(constant(-0.5, 4), testRate, 10*time.Millisecond)
	tl.Schedule(constant(-0.75, 4), testRate, 10*time.Millisecond)

	out := make([]float32, 14)
	tl.Render(out)
	if out[0] != 1 {
		t.Errorf("positive overlap = %v, want clamp to 1", out[0])
	}
	if out[10] != -1 {
		t.Errorf("negative overlap = %v, want clamp to -1", out[10])
	}
}

func TestTimeline_EndedReportedOnce(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	id, _ := tl.Schedule(constant(0.1, 5), testRate, 0)
	tl.Render(make([]float32, 3))
	expectNoEnded(t, tl)

	tl.Render(make([]float32, 3))
	if got := waitEnded(t, tl); got != id {
		t.Fatalf("Ended = %d, want %d", got, id)
	}
	tl.Render(make([]float32, 10))
	expectNoEnded(t, tl)
	if n := tl.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, want 0", n)
	}
}

func TestTimeline_StopSuppressesEnded(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	playing, _ := tl.Schedule(constant(0.3, 10), testRate, 0)
	queued, _ := tl.Schedule(constant(0.3, 10), testRate, 10*time.Millisecond)

	tl.Render(make([]float32, 5))
	tl.Stop(playing)
	tl.Stop(queued)
	tl.Stop(999) // unknown

	out := make([]float32, 30)
	tl.Render(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v after Stop, want silence", i, v)
		}
	}
	expectNoEnded(t, tl)
}

func TestTimeline_StopAll(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	defer tl.Close()

	for i := range 4 {
		tl.Schedule(constant(0.1, 10), testRate, time.Duration(i*10)*time.Millisecond)
	}
	tl.Render(make([]float32, 15))
	tl.StopAll()
	if n := tl.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after StopAll, want 0", n)
	}
	tl.Render(make([]float32, 50))
	expectNoEnded(t, tl)
}

func TestTimeline_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()
	tl := mixer.New(2 * testRate)
	defer tl.Close()

	tl.Schedule(constant(0.5, 10), testRate, 0)
	out := make([]float32, 25)
	tl.Render(out)
	nonZero := 0
	for _, v := range out {
		if v != 0 {
			nonZero++
		}
	}
	if nonZero != 20 {
		t.Fatalf("rendered %d samples, want 20 after 2x resampling", nonZero)
	}
}

func TestTimeline_ScheduleAfterClose(t *testing.T) {
	t.Parallel()
	tl := mixer.New(testRate)
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tl.Schedule(constant(0.1, 1), testRate, 0); !errors.Is(err, audio.ErrClosed) {
		t.Fatalf("Schedule after Close: err = %v, want ErrClosed", err)
	}
	if _, ok := <-tl.Ended(); ok {
		t.Fatal("Ended channel still open after Close")
	}
}

func TestTimeline_TruncatedStartLandsOnItsFrame(t *testing.T) {
	t.Parallel()
	const rate = 24000
	tl := mixer.New(rate)
	defer tl.Close()

	// 1000 frames at 24 kHz is 41.666...ms; SamplesDuration truncates it.
	at := audio.SamplesDuration(1000, rate)
	if _, err := tl.Schedule(constant(0.5, 10), rate, at); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out := make([]float32, 1010)
	tl.Render(out)
	if out[999] != 0 {
		t.Errorf("frame 999 = %v, want silence before the source", out[999])
	}
	if out[1000] != 0.5 || out[1009] != 0.5 {
		t.Errorf("frames 1000 and 1009 = %v, %v, want 0.5", out[1000], out[1009])
	}
}
