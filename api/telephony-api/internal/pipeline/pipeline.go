// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_pipeline

import (
	"context"
	"strings"
	"sync"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// ProviderConfig names one STT/LLM/TTS backend and its model.
type ProviderConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
}

// AgentConfig is everything the pipeline needs to serve one call.
type AgentConfig struct {
	Name         string         `json:"name" mapstructure:"name"`
	SystemPrompt string         `json:"systemPrompt" mapstructure:"system_prompt"`
	STT          ProviderConfig `json:"stt" mapstructure:"stt"`
	LLM          ProviderConfig `json:"llm" mapstructure:"llm"`
	TTS          ProviderConfig `json:"tts" mapstructure:"tts"`
	RecordCalls  bool           `json:"recordCalls" mapstructure:"record_calls"`
}

// Hooks are the pipeline's upward callbacks. All fields are optional; nil
// hooks are skipped.
type Hooks struct {
	// OnTTSChunk delivers synthesized linear16 PCM at the given rate.
	OnTTSChunk func(audio []byte, sampleRate int)
	// OnTTSFlush signals end of one synthesized utterance.
	OnTTSFlush func()
	// OnBargeIn signals the caller started speaking over playback.
	OnBargeIn func()
	// OnHangupRequest signals the agent decided to end the call.
	OnHangupRequest func()
}

// Pipeline is the voice loop for one call: consumes 16 kHz linear16 frames,
// produces synthesized audio through the hooks.
type Pipeline interface {
	// Start brings the pipeline up. Blocking; callers run it async.
	Start(ctx context.Context) error
	// Stop tears the pipeline down. Idempotent.
	Stop()
	// PushAudio feeds one 16 kHz linear16 frame. Never blocks.
	PushAudio(pcm []byte)
}

// Factory builds pipelines; injected into the manager so transports stay
// decoupled from STT/LLM/TTS wiring.
type Factory interface {
	NewPipeline(callID string, agent AgentConfig, hooks Hooks) (Pipeline, error)
}

// NativeTTSSampleRate maps a synthesis provider to the rate its audio
// arrives at, so the bridge resolves the outbound rate once per call
// instead of per chunk.
func NativeTTSSampleRate(provider string) int {
	switch strings.ToLower(provider) {
	case "sarvam":
		return 8000
	case "deepgram":
		return internal_audio.PipelineSampleRate
	case "elevenlabs":
		return 22050
	case "cartesia":
		return 44100
	default:
		return internal_audio.PipelineSampleRate
	}
}

// ====================================================================
// Loopback pipeline
// ====================================================================

// LoopbackFactory builds echo pipelines: every pushed frame comes straight
// back as a TTS chunk. Used when no synthesis backend is configured and in
// integration tests.
type LoopbackFactory struct {
	Logger commons.Logger
}

func (f *LoopbackFactory) NewPipeline(callID string, agent AgentConfig, hooks Hooks) (Pipeline, error) {
	return &loopbackPipeline{logger: f.Logger, callID: callID, hooks: hooks}, nil
}

type loopbackPipeline struct {
	logger commons.Logger
	callID string
	hooks  Hooks

	mu      sync.Mutex
	stopped bool
}

func (p *loopbackPipeline) Start(ctx context.Context) error {
	p.logger.Debugw("loopback pipeline started", "callId", p.callID)
	return nil
}

func (p *loopbackPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.logger.Debugw("loopback pipeline stopped", "callId", p.callID)
}

func (p *loopbackPipeline) PushAudio(pcm []byte) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || p.hooks.OnTTSChunk == nil {
		return
	}
	p.hooks.OnTTSChunk(pcm, internal_audio.PipelineSampleRate)
}
