// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	internal_directory "github.com/rapidaai/voice-gateway/api/telephony-api/internal/directory"
	internal_journal "github.com/rapidaai/voice-gateway/api/telephony-api/internal/journal"
	internal_pipeline "github.com/rapidaai/voice-gateway/api/telephony-api/internal/pipeline"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// Manager bridges provider adapters and voice pipelines. It implements the
// adapter event sink: one manager subscribes to every adapter and owns one
// callBridge per active call.
type Manager struct {
	logger    commons.Logger
	factory   internal_pipeline.Factory
	directory internal_directory.AgentDirectory
	journal   internal_journal.CallJournal

	defaultAgent  internal_pipeline.AgentConfig
	recordingsDir string

	mu       sync.Mutex
	adapters map[string]internal_telephony.Adapter
	bridges  map[string]*callBridge
}

type ManagerOption func(*Manager)

func WithDirectory(d internal_directory.AgentDirectory) ManagerOption {
	return func(m *Manager) { m.directory = d }
}

func WithJournal(j internal_journal.CallJournal) ManagerOption {
	return func(m *Manager) { m.journal = j }
}

func WithDefaultAgent(agent internal_pipeline.AgentConfig) ManagerOption {
	return func(m *Manager) { m.defaultAgent = agent }
}

// WithRecordingsDir enables call recording; both legs are written as WAV
// files under dir when the call ends.
func WithRecordingsDir(dir string) ManagerOption {
	return func(m *Manager) { m.recordingsDir = dir }
}

func NewManager(logger commons.Logger, factory internal_pipeline.Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   logger,
		factory:  factory,
		journal:  internal_journal.NoopJournal{},
		adapters: make(map[string]internal_telephony.Adapter),
		bridges:  make(map[string]*callBridge),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAdapter attaches a provider adapter. Called once per provider at
// boot, before any traffic.
func (m *Manager) RegisterAdapter(a internal_telephony.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Adapter resolves a registered adapter by provider tag.
func (m *Manager) Adapter(name string) (internal_telephony.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[name]
	return a, ok
}

// MakeCall originates an outbound call through the named provider.
func (m *Manager) MakeCall(ctx context.Context, provider, to, from string) (string, error) {
	adapter, ok := m.Adapter(provider)
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %q", internal_telephony.ErrConfig, provider)
	}
	return adapter.MakeCall(ctx, to, from)
}

// ====================================================================
// EventSink
// ====================================================================

// OnCallStarted journals the call, creates the bridge and starts the
// pipeline asynchronously. Inbound audio buffers until the pipeline is up.
func (m *Manager) OnCallStarted(rec *internal_telephony.CallRecord) {
	m.mu.Lock()
	adapter, ok := m.adapters[rec.Provider]
	if !ok {
		m.mu.Unlock()
		m.logger.Errorw("call started for unregistered provider", "callId", rec.CallID, "provider", rec.Provider)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	bridge := &callBridge{
		adapter: adapter,
		callID:  rec.CallID,
		cancel:  cancel,
	}
	if m.recordingsDir != "" {
		bridge.recorder = internal_audio.NewCallRecorder()
		bridge.recorder.Start()
	}
	m.bridges[rec.CallID] = bridge
	m.mu.Unlock()

	m.journal.CreateCallRecord(rec)
	m.logger.Infow("call started", "callId", rec.CallID, "provider", rec.Provider, "from", rec.From, "to", rec.To)

	go m.startPipeline(ctx, bridge, rec)
}

func (m *Manager) startPipeline(ctx context.Context, bridge *callBridge, rec *internal_telephony.CallRecord) {
	agent := m.resolveAgent(ctx, rec.To)
	ttsRate := internal_pipeline.NativeTTSSampleRate(agent.TTS.Provider)

	hooks := internal_pipeline.Hooks{
		OnTTSChunk: func(audio []byte, sampleRate int) {
			m.onTTSChunk(bridge, audio, sampleRate)
		},
		OnTTSFlush: func() {
			if flusher, ok := bridge.adapter.(internal_telephony.Flusher); ok {
				flusher.Flush(bridge.callID)
			}
		},
		OnBargeIn: func() {
			m.logger.Debugw("barge-in, clearing outbound audio", "callId", bridge.callID)
			bridge.adapter.ClearAudio(bridge.callID)
		},
		OnHangupRequest: func() {
			m.logger.Infow("agent requested hangup", "callId", bridge.callID)
			bridge.adapter.EndCall(context.Background(), bridge.callID, internal_telephony.ReasonSessionEndRequested)
		},
	}

	p, err := m.factory.NewPipeline(rec.CallID, agent, hooks)
	if err != nil {
		m.failPipeline(bridge, err)
		return
	}
	if err := p.Start(ctx); err != nil {
		m.failPipeline(bridge, err)
		return
	}
	bridge.markReady(p, ttsRate)
	m.logger.Infow("pipeline ready", "callId", rec.CallID,
		"stt", agent.STT.Provider, "llm", agent.LLM.Provider, "tts", agent.TTS.Provider, "ttsRate", ttsRate)
}

// failPipeline implements the startup failure policy: end the call on the
// adapter; the socket close performs the rest of the cleanup.
func (m *Manager) failPipeline(bridge *callBridge, err error) {
	m.logger.Errorw("pipeline start failed, ending call", "callId", bridge.callID, "error", err)
	bridge.adapter.EndCall(context.Background(), bridge.callID, internal_telephony.ReasonPipelineFailed)
}

func (m *Manager) resolveAgent(ctx context.Context, to string) internal_pipeline.AgentConfig {
	if m.directory != nil {
		agent, err := m.directory.LookupAgentForNumber(ctx, to)
		if err != nil {
			m.logger.Warnw("agent directory lookup failed, using default agent", "to", to, "error", err)
		} else if agent != nil {
			return *agent
		}
	}
	return m.defaultAgent
}

// OnAudioReceived normalizes inbound audio to 16 kHz linear16 and routes it
// to the pipeline, or to the pending queue while the pipeline starts.
func (m *Manager) OnAudioReceived(pkt *internal_telephony.AudioPacket) {
	bridge := m.bridge(pkt.CallID)
	if bridge == nil {
		m.logger.Warnw("audio for unknown call", "callId", pkt.CallID)
		return
	}

	pcm, err := internal_audio.TelephonyToPipeline(pkt.Payload, pkt.Encoding, pkt.SampleRate)
	if err != nil {
		m.logger.Warnw("dropping inbound packet", "callId", pkt.CallID, "error", err)
		return
	}

	if bridge.recorder != nil {
		bridge.recorder.RecordCaller(pcm)
	}
	bridge.deliver(pcm)
}

// onTTSChunk forwards synthesized audio to the carrier and, when recording,
// captures the agent leg in pipeline format. The outbound rate comes from
// the bridge's once-resolved provider rate, not from each chunk.
func (m *Manager) onTTSChunk(bridge *callBridge, audio []byte, sampleRate int) {
	rate := bridge.resolvedTTSRate(sampleRate)
	bridge.adapter.SendAudio(bridge.callID, audio, rate)
	if bridge.recorder != nil {
		bridge.recorder.RecordAgent(internal_audio.Resample(audio, rate, internal_audio.PipelineSampleRate))
	}
}

// OnCallEnded stops the pipeline, persists recordings and journals the end.
// Adapters guarantee this fires exactly once per call.
func (m *Manager) OnCallEnded(callID, reason string) {
	m.mu.Lock()
	bridge := m.bridges[callID]
	delete(m.bridges, callID)
	m.mu.Unlock()

	if bridge == nil {
		m.logger.Warnw("call ended for unknown call", "callId", callID, "reason", reason)
		return
	}
	if dropped := bridge.droppedPackets(); dropped > 0 {
		m.logger.Warnw("pending audio overflowed during call", "callId", callID, "droppedPackets", dropped)
	}
	bridge.close()
	m.persistRecording(callID, bridge)
	m.journal.EndCallRecord(callID, reason)
	m.logger.Infow("call ended", "callId", callID, "reason", reason)
}

func (m *Manager) persistRecording(callID string, bridge *callBridge) {
	if bridge.recorder == nil {
		return
	}
	caller, agent, err := bridge.recorder.Persist()
	if err != nil {
		m.logger.Warnw("no recording persisted", "callId", callID, "error", err)
		return
	}
	if err := os.MkdirAll(m.recordingsDir, 0o755); err != nil {
		m.logger.Errorw("recordings directory unavailable", "dir", m.recordingsDir, "error", err)
		return
	}
	callerPath := filepath.Join(m.recordingsDir, callID+"_caller.wav")
	agentPath := filepath.Join(m.recordingsDir, callID+"_agent.wav")
	if err := os.WriteFile(callerPath, caller, 0o644); err != nil {
		m.logger.Errorw("failed writing caller recording", "callId", callID, "error", err)
	}
	if err := os.WriteFile(agentPath, agent, 0o644); err != nil {
		m.logger.Errorw("failed writing agent recording", "callId", callID, "error", err)
	}
	m.logger.Infow("recordings persisted", "callId", callID, "caller", callerPath, "agent", agentPath)
}

// OnDTMF logs keypad input. The pipeline contract has no digit channel yet;
// TODO: forward digits once the pipeline grows a text side-channel input.
func (m *Manager) OnDTMF(callID, digit string) {
	m.logger.Infow("dtmf received", "callId", callID, "digit", digit)
}

// OnError logs and moves on. Socket-level failures separately produce
// OnCallEnded, which performs the teardown.
func (m *Manager) OnError(callID string, err error) {
	m.logger.Errorw("telephony error", "callId", callID, "error", err)
}

// ====================================================================
// Introspection and shutdown
// ====================================================================

// ActiveCalls snapshots every live call across adapters.
func (m *Manager) ActiveCalls() []*internal_telephony.CallRecord {
	m.mu.Lock()
	adapters := make([]internal_telephony.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	var out []*internal_telephony.CallRecord
	for _, a := range adapters {
		out = append(out, a.GetAllSessions()...)
	}
	return out
}

// Shutdown terminates every adapter concurrently and waits.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	adapters := make([]internal_telephony.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		adapter := a
		g.Go(func() error {
			adapter.Shutdown(ctx)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) bridge(callID string) *callBridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bridges[callID]
}
