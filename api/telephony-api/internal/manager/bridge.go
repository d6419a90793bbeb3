// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_manager

import (
	"context"
	"sync"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	internal_pipeline "github.com/rapidaai/voice-gateway/api/telephony-api/internal/pipeline"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
)

// pendingAudioLimit bounds the pre-pipeline queue per call; overflow is
// dropped from the tail.
const pendingAudioLimit = 100

// callBridge owns the pipeline side of one call: the handle, the resolved
// TTS rate, and the audio buffered while the pipeline is still starting.
// Two states: awaiting pipeline (pending != nil semantics) and ready.
type callBridge struct {
	adapter internal_telephony.Adapter
	callID  string
	cancel  context.CancelFunc

	mu       sync.Mutex
	pipeline internal_pipeline.Pipeline
	ttsRate  int
	ready    bool
	pending  [][]byte
	dropped  int
	recorder *internal_audio.CallRecorder
	closed   bool
}

// deliver hands one 16 kHz frame to the pipeline, or buffers it while the
// pipeline is starting. The ready check and the push happen under one lock
// so buffered audio can never be overtaken by a later frame.
func (b *callBridge) deliver(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.ready {
		b.pipeline.PushAudio(pcm)
		return
	}
	if len(b.pending) >= pendingAudioLimit {
		b.dropped++
		return
	}
	b.pending = append(b.pending, pcm)
}

// markReady installs the started pipeline, drains the pending queue in FIFO
// order and deletes it. Frames arriving after this go straight through.
func (b *callBridge) markReady(p internal_pipeline.Pipeline, ttsRate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		p.Stop()
		return
	}
	b.pipeline = p
	b.ttsRate = ttsRate
	for _, pcm := range b.pending {
		b.pipeline.PushAudio(pcm)
	}
	b.pending = nil
	b.ready = true
}

// close stops the pipeline and cancels its context. Returns false when the
// bridge was already closed.
func (b *callBridge) close() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	p := b.pipeline
	b.pipeline = nil
	b.pending = nil
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if p != nil {
		p.Stop()
	}
	return true
}

// resolvedTTSRate returns the native rate derived once from the call's TTS
// provider. The fallback covers chunks emitted before the bridge is ready.
func (b *callBridge) resolvedTTSRate(fallback int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ttsRate > 0 {
		return b.ttsRate
	}
	return fallback
}

func (b *callBridge) droppedPackets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *callBridge) pendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
