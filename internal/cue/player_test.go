package cue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	speaking []bool
	frames   [][]byte
	gate     chan struct{}
}

func (s *fakeSender) Speaking(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = append(s.speaking, on)
	return nil
}

func (s *fakeSender) Send(ctx context.Context, frame []byte) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestPlayer(s Sender, frames [][]byte) (*Player, *int) {
	loads := 0
	p := NewPlayer("unused.ogg", 2, func(string) Sender { return s })
	p.load = func() ([][]byte, error) {
		loads++
		return frames, nil
	}
	return p, &loads
}

func TestPlaySendsEveryFrame(t *testing.T) {
	s := &fakeSender{}
	p, _ := newTestPlayer(s, [][]byte{{1}, {2}, {3}})

	p.Play("g1")
	p.Close()

	assert.Equal(t, [][]byte{{1}, {2}, {3}}, s.frames)
	assert.Equal(t, []bool{true, false}, s.speaking)
}

func TestConcurrentPlaysAreCoalesced(t *testing.T) {
	s := &fakeSender{gate: make(chan struct{})}
	p, _ := newTestPlayer(s, [][]byte{{1}})

	p.Play("g1")
	p.Play("g1")
	close(s.gate)
	require.Eventually(t, func() bool { return s.sent() == 1 }, time.Second, 5*time.Millisecond)
	p.Close()

	assert.Equal(t, 1, s.sent())
}

func TestFramesAreLoadedOnce(t *testing.T) {
	s := &fakeSender{}
	p, loads := newTestPlayer(s, [][]byte{{1}})

	p.Play("g1")
	require.Eventually(t, func() bool { return s.sent() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.playing["g1"]
	}, time.Second, 5*time.Millisecond)
	p.Play("g1")
	p.Close()

	assert.Equal(t, 2, s.sent())
	assert.Equal(t, 1, *loads)
}

func TestNoConnectionIsQuiet(t *testing.T) {
	p := NewPlayer("unused.ogg", 2, func(string) Sender { return nil })
	p.load = func() ([][]byte, error) { return [][]byte{{1}}, nil }
	p.Play("g1")
	p.Close()
}

func TestLoadFailureIsRetried(t *testing.T) {
	s := &fakeSender{}
	p := NewPlayer("unused.ogg", 2, func(string) Sender { return s })
	calls := 0
	p.load = func() ([][]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("not yet")
		}
		return [][]byte{{1}}, nil
	}

	p.Play("g1")
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.playing["g1"]
	}, time.Second, 5*time.Millisecond)
	p.Play("g1")
	p.Close()

	assert.Equal(t, 1, s.sent())
}

func TestCloseAbortsPlayback(t *testing.T) {
	s := &fakeSender{gate: make(chan struct{})}
	p, _ := newTestPlayer(s, [][]byte{{1}, {2}})
	p.Play("g1")
	p.Close()
	assert.Zero(t, s.sent())

	p.Play("g1")
	assert.Zero(t, s.sent())
}

func TestEncodeFileMissing(t *testing.T) {
	_, err := EncodeFile(filepath.Join(t.TempDir(), "nope.ogg"), 2)
	assert.Error(t, err)
}

type countingEncoder struct{ lens []int }

func (e *countingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.lens = append(e.lens, len(pcm))
	data[0] = byte(len(e.lens))
	return 1, nil
}

func TestEncodeFramesPadsLastFrame(t *testing.T) {
	enc := &countingEncoder{}
	samples := make([]int16, frameSize*2*2+10)

	frames, err := encodeFrames(enc, samples, 2)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	assert.Equal(t, []int{1920, 1920, 1920}, enc.lens)
	assert.Equal(t, []byte{3}, frames[2])
}
