// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct{ now time.Time }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRecorder() (*CallRecorder, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewCallRecorder()
	r.clock = func() time.Time { return clk.now }
	return r, clk
}

func TestCallRecorder_PersistWithoutAudio(t *testing.T) {
	r, _ := newTestRecorder()
	r.Start()
	_, _, err := r.Persist()
	assert.Error(t, err, "nothing recorded")
}

func TestCallRecorder_CallerPlacedAtWallClock(t *testing.T) {
	r, clk := newTestRecorder()
	r.Start()

	clk.advance(100 * time.Millisecond)
	r.RecordCaller(make([]byte, 640)) // 20ms of 16kHz linear16
	clk.advance(100 * time.Millisecond)

	caller, agent, err := r.Persist()
	require.NoError(t, err)

	// 200ms session → 6400 PCM bytes + 44-byte WAV header.
	assert.Equal(t, 44+6400, len(caller))
	assert.Equal(t, 44+6400, len(agent))
}

func TestCallRecorder_AgentBurstIsPaced(t *testing.T) {
	r, clk := newTestRecorder()
	r.Start()

	clk.advance(50 * time.Millisecond)
	// TTS burst: three chunks delivered at once. They must land back to
	// back, not stacked on the same wall-clock offset.
	r.RecordAgent(make([]byte, 640))
	r.RecordAgent(make([]byte, 640))
	r.RecordAgent(make([]byte, 640))

	r.mu.Lock()
	offsets := []int{r.chunks[0].byteOffset, r.chunks[1].byteOffset, r.chunks[2].byteOffset}
	r.mu.Unlock()

	assert.Equal(t, offsets[0]+640, offsets[1], "second chunk paced after first")
	assert.Equal(t, offsets[1]+640, offsets[2], "third chunk paced after second")
}

func TestRenderWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := RenderWAV(pcm)

	require.Equal(t, 44+320, len(wav))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(PipelineSampleRate), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(320), binary.LittleEndian.Uint32(wav[40:44]))
}
