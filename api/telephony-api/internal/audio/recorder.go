// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	wavBitsPerSample = 16
	wavPCMFormat     = 1

	trackCaller = 0
	trackAgent  = 1
)

// recordedChunk is an audio fragment placed at a byte position on the
// session timeline.
type recordedChunk struct {
	byteOffset int
	data       []byte
	track      int
}

// CallRecorder captures both legs of a call as pipeline-format PCM
// (linear16 16 kHz mono) and renders one WAV per track on Persist.
//
// Caller audio arrives at real-time rate, so wall-clock placement is
// correct. Agent (TTS) audio arrives in bursts faster than real time; it is
// paced at the playback rate, anchored to wall-clock only at the start of
// each burst. Gaps render as silence.
type CallRecorder struct {
	mu        sync.Mutex
	startTime time.Time
	started   bool
	chunks    []recordedChunk
	cursor    [2]int
	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

func NewCallRecorder() *CallRecorder {
	return &CallRecorder{clock: time.Now}
}

// Start anchors the recording timeline. Both tracks share this start time.
func (r *CallRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clock()
	r.started = true
}

func recorderBytesPerSecond() int {
	return PipelineSampleRate * BytesPerSample
}

// durationBytes converts a wall-clock duration to a sample-aligned byte count.
func durationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(recorderBytesPerSecond()))
	return (raw / BytesPerSample) * BytesPerSample
}

// RecordCaller places caller audio at the current wall-clock position.
func (r *CallRecorder) RecordCaller(pcm []byte) {
	r.push(pcm, trackCaller)
}

// RecordAgent places synthesized audio on the agent track, paced at the
// playback rate.
func (r *CallRecorder) RecordAgent(pcm []byte) {
	r.push(pcm, trackAgent)
}

func (r *CallRecorder) push(data []byte, track int) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wallOffset := 0
	if r.started {
		wallOffset = durationBytes(r.clock().Sub(r.startTime))
	}

	offset := wallOffset
	if track == trackCaller {
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}
	} else {
		// Burst continuation paces from the cursor; a fresh burst anchors
		// at wall-clock.
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks = append(r.chunks, recordedChunk{byteOffset: offset, data: buf, track: track})
	r.cursor[track] = offset + len(buf)
}

// Persist renders two WAV files, caller track first. Both span the full
// session duration with chunks painted at their timeline positions.
func (r *CallRecorder) Persist() ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) == 0 {
		return nil, nil, fmt.Errorf("no audio chunks to persist")
	}

	totalLen := 0
	if r.started {
		totalLen = durationBytes(r.clock().Sub(r.startTime))
	}
	for _, c := range r.chunks {
		if end := c.byteOffset + len(c.data); end > totalLen {
			totalLen = end
		}
	}

	callerPCM := make([]byte, totalLen)
	agentPCM := make([]byte, totalLen)
	for _, c := range r.chunks {
		dst := callerPCM
		if c.track == trackAgent {
			dst = agentPCM
		}
		copy(dst[c.byteOffset:], c.data)
	}

	return RenderWAV(callerPCM), RenderWAV(agentPCM), nil
}

// RenderWAV wraps mono linear16 16 kHz PCM in a RIFF/WAVE container.
func RenderWAV(pcm []byte) []byte {
	var buf bytes.Buffer
	bps := recorderBytesPerSecond()

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(PipelineSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(bps))
	binary.Write(&buf, binary.LittleEndian, uint16(BytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(wavBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
