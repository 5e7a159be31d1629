package clock

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvTick(t *testing.T, ch <-chan Tick) Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(time.Second):
		t.Fatal("no tick received")
		return Tick{}
	}
}

func expectNoTick(t *testing.T, ch <-chan Tick) {
	t.Helper()
	select {
	case tick := <-ch:
		t.Fatalf("unexpected tick %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserver_AugmentLiveGap(t *testing.T) {
	vod := media.NewManifest("u", false)
	o := NewObserver(vod, true, nil)
	tick := o.Augment(Tick{CurrentTime: 10, BufferGap: 5, State: StatePlaying})
	assert.True(t, math.IsInf(tick.LiveGap, 1))
}

func TestObserver_AugmentStalled(t *testing.T) {
	o := NewObserver(media.NewManifest("u", false), true, nil)

	tick := o.Augment(Tick{CurrentTime: 10, BufferGap: 0.2, State: StatePlaying})
	assert.Equal(t, StateStalled, tick.State)

	tick = o.Augment(Tick{CurrentTime: 10, BufferGap: 5, State: StatePlaying})
	assert.Equal(t, StatePlaying, tick.State)

	// Paused streams never stall.
	tick = o.Augment(Tick{CurrentTime: 10, BufferGap: 0.2, State: StatePaused})
	assert.Equal(t, StatePaused, tick.State)
}

func TestObserver_SeekingsSeedsAndSkipsFirst(t *testing.T) {
	o := NewObserver(media.NewManifest("u", false), true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := make(chan Tick)
	ticks, seekings := o.Run(ctx, raw)

	// The synthetic seed is available immediately.
	recvTick(t, seekings)

	// First real seek into unbuffered territory: swallowed (initial
	// programmatic seek).
	raw <- Tick{State: StateSeeking, BufferGap: math.Inf(1)}
	recvTick(t, ticks)
	expectNoTick(t, seekings)

	// Second one: emitted.
	raw <- Tick{State: StateSeeking, BufferGap: math.Inf(1), CurrentTime: 42}
	recvTick(t, ticks)
	seek := recvTick(t, seekings)
	assert.Equal(t, 42.0, seek.CurrentTime)
}

func TestObserver_SkipInitialSeekDisabled(t *testing.T) {
	o := NewObserver(media.NewManifest("u", false), false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := make(chan Tick)
	ticks, seekings := o.Run(ctx, raw)
	recvTick(t, seekings) // seed

	raw <- Tick{State: StateSeeking, BufferGap: math.Inf(1), CurrentTime: 7}
	recvTick(t, ticks)
	seek := recvTick(t, seekings)
	assert.Equal(t, 7.0, seek.CurrentTime)
}

func TestObserver_BufferedSeekDoesNotEmit(t *testing.T) {
	o := NewObserver(media.NewManifest("u", false), false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := make(chan Tick)
	ticks, seekings := o.Run(ctx, raw)
	recvTick(t, seekings) // seed

	// Seeking inside a buffered range: the scheduler needs no rebuild.
	raw <- Tick{State: StateSeeking, BufferGap: 12}
	recvTick(t, ticks)
	expectNoTick(t, seekings)

	// Impossible negative gap accepted defensively.
	raw <- Tick{State: StateSeeking, BufferGap: -5}
	recvTick(t, ticks)
	require.NotNil(t, recvTick(t, seekings))
}
