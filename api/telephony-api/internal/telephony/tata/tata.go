// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_tata_telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const (
	ProviderName = "tata"

	callIDPrefix = "tata_"

	// The vendor transport accepts μ-law in fixed 20 ms packets only:
	// envelopes with any other decoded length are discarded server-side.
	outboundFrameBytes = 160
)

// ====================================================================
// Wire envelopes
// ====================================================================

type inboundEnvelope struct {
	Event          string        `json:"event"`
	SequenceNumber json.Number   `json:"sequenceNumber"`
	StreamSID      string        `json:"streamSid"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID   string       `json:"streamSid"`
	AccountSID  string       `json:"accountSid"`
	CallSID     string       `json:"callSid"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Direction   string       `json:"direction"`
	MediaFormat *mediaFormat `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	BitRate    int    `json:"bitRate"`
	BitDepth   int    `json:"bitDepth"`
}

type mediaPayload struct {
	Chunk     json.Number `json:"chunk"`
	Timestamp string      `json:"timestamp"`
	Payload   string      `json:"payload"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	Reason     string `json:"reason"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMediaEnvelope struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     outboundMediaFrame `json:"media"`
}

type outboundMediaFrame struct {
	Payload string `json:"payload"`
	Chunk   uint64 `json:"chunk"`
}

type outboundMarkEnvelope struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

// ====================================================================
// Adapter
// ====================================================================

// TataTelephony services Tata-style media streams: μ-law @ 8 kHz both ways,
// outbound audio framed in exact 160-byte packets with a per-call residual
// buffer, and mark acknowledgments for playback tracking. The vendor offers
// no REST origination and no answer document.
type TataTelephony struct {
	logger   commons.Logger
	sink     internal_telephony.EventSink
	registry *internal_telephony.Registry

	markCounter atomic.Uint64
}

func NewTataTelephony(logger commons.Logger, sink internal_telephony.EventSink) *TataTelephony {
	return &TataTelephony{
		logger:   logger,
		sink:     sink,
		registry: internal_telephony.NewRegistry(),
	}
}

func (t *TataTelephony) Name() string {
	return ProviderName
}

// ====================================================================
// Media stream
// ====================================================================

func (t *TataTelephony) HandleStream(conn *websocket.Conn) {
	defer t.onSocketGone(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warnw("tata: dropping malformed envelope", "error", err)
			t.sink.OnError("", fmt.Errorf("%w: %v", internal_telephony.ErrProtocol, err))
			continue
		}

		switch env.Event {
		case "connected":
			t.logger.Debugw("tata: stream handshake", "streamSid", env.StreamSID)
		case "start":
			t.handleStart(conn, &env)
		case "media":
			t.handleMedia(conn, &env)
		case "stop":
			t.handleStop(conn, &env)
			return
		case "dtmf":
			t.handleDTMF(conn, &env)
		case "mark":
			t.handleMark(conn, &env)
		default:
			t.logger.Warnw("tata: unknown stream event", "event", env.Event)
		}
	}
}

func (t *TataTelephony) handleStart(conn *websocket.Conn, env *inboundEnvelope) {
	if env.Start == nil || env.Start.CallSID == "" {
		t.sink.OnError("", fmt.Errorf("%w: start without callSid", internal_telephony.ErrProtocol))
		return
	}
	streamSID := env.Start.StreamSID
	if streamSID == "" {
		streamSID = env.StreamSID
	}
	direction := env.Start.Direction
	if direction == "" {
		direction = internal_telephony.DirectionInbound
	}
	rec := &internal_telephony.CallRecord{
		CallID:    callIDPrefix + env.Start.CallSID,
		Provider:  ProviderName,
		StreamID:  streamSID,
		From:      env.Start.From,
		To:        env.Start.To,
		Direction: direction,
		StartTime: time.Now(),
	}
	session, err := t.registry.Register(rec, conn)
	if err != nil {
		t.logger.Errorw("tata: rejecting duplicate stream registration", "streamSid", streamSID, "error", err)
		t.sink.OnError(rec.CallID, err)
		conn.Close()
		return
	}
	session.Activate()
	t.logger.Infow("tata: stream started", "callId", rec.CallID, "streamSid", streamSID, "from", rec.From, "to", rec.To)
	t.sink.OnCallStarted(rec)
}

// handleMedia decodes the μ-law payload to linear16 @ 8 kHz before emitting,
// so downstream consumers never see wire encoding.
func (t *TataTelephony) handleMedia(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := t.registry.ByConn(conn)
	if !ok || session.State() == internal_telephony.StateAwaitingStart {
		t.logger.Warnw("tata: media before start, ignoring")
		return
	}
	if env.Media == nil {
		return
	}
	mulaw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.sink.OnError(session.Record.CallID, fmt.Errorf("%w: bad media payload: %v", internal_telephony.ErrProtocol, err))
		return
	}
	t.sink.OnAudioReceived(&internal_telephony.AudioPacket{
		CallID:         session.Record.CallID,
		StreamID:       session.Record.StreamID,
		SequenceNumber: session.NextSeq(),
		Timestamp:      env.Media.Timestamp,
		Payload:        internal_audio.MulawToLinear(mulaw),
		Encoding:       internal_audio.EncodingLinear16,
		SampleRate:     internal_audio.TelephonySampleRate,
	})
}

func (t *TataTelephony) handleStop(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := t.registry.ByConn(conn)
	if !ok {
		return
	}
	if env.Stop != nil && env.Stop.Reason != "" {
		t.logger.Infow("tata: stop received", "callId", session.Record.CallID, "providerReason", env.Stop.Reason)
	}
	session.BeginDraining()
	t.finishCall(session, internal_telephony.ReasonStreamStopped)
	conn.Close()
}

func (t *TataTelephony) handleDTMF(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := t.registry.ByConn(conn)
	if !ok || env.DTMF == nil {
		return
	}
	t.sink.OnDTMF(session.Record.CallID, env.DTMF.Digit)
}

func (t *TataTelephony) handleMark(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := t.registry.ByConn(conn)
	if !ok || env.Mark == nil {
		return
	}
	session.AckMark(env.Mark.Name)
	t.logger.Debugw("tata: mark acknowledged", "callId", session.Record.CallID, "name", env.Mark.Name)
}

func (t *TataTelephony) onSocketGone(conn *websocket.Conn) {
	session, ok := t.registry.ByConn(conn)
	if !ok {
		return
	}
	t.finishCall(session, internal_telephony.ReasonWebsocketClosed)
}

func (t *TataTelephony) finishCall(session *internal_telephony.StreamSession, reason string) {
	if !session.Close() {
		return
	}
	t.registry.Remove(session.Record.CallID)
	t.logger.Infow("tata: call ended", "callId", session.Record.CallID, "reason", reason)
	t.sink.OnCallEnded(session.Record.CallID, reason)
}

// ====================================================================
// Outbound media
// ====================================================================

// SendAudio transcodes pipeline PCM to μ-law @ 8 kHz and emits as many
// 160-byte frames as the residual buffer holds; the remainder waits for the
// next call or a flush.
func (t *TataTelephony) SendAudio(callID string, pcm []byte, sampleRate int) {
	session, ok := t.registry.ByCall(callID)
	if !ok || !session.Sendable() {
		return
	}
	wire, err := internal_audio.PipelineToTelephony(pcm, sampleRate, internal_audio.EncodingMulaw)
	if err != nil {
		t.sink.OnError(callID, err)
		return
	}
	frames := session.AppendResidual(wire, outboundFrameBytes)
	t.writeFrames(session, frames)
}

// Flush pads the residual to the frame boundary with μ-law silence, sends
// the final frame(s), then emits a named mark so playback completion can be
// observed via the mark acknowledgment.
func (t *TataTelephony) Flush(callID string) {
	session, ok := t.registry.ByCall(callID)
	if !ok || !session.Sendable() {
		return
	}
	frames := session.FlushResidual(outboundFrameBytes, internal_audio.MulawSilence)
	t.writeFrames(session, frames)

	name := fmt.Sprintf("complete_%d", t.markCounter.Add(1))
	session.AddPendingMark(name)
	env := outboundMarkEnvelope{
		Event:     "mark",
		StreamSID: session.Record.StreamID,
		Mark:      markPayload{Name: name},
	}
	if err := session.WriteJSON(env); err != nil {
		t.logger.Warnw("tata: mark write failed", "callId", callID, "error", err)
	}
}

func (t *TataTelephony) writeFrames(session *internal_telephony.StreamSession, frames [][]byte) {
	for _, frame := range frames {
		env := outboundMediaEnvelope{
			Event:     "media",
			StreamSID: session.Record.StreamID,
			Media: outboundMediaFrame{
				Payload: base64.StdEncoding.EncodeToString(frame),
				Chunk:   session.NextChunk(),
			},
		}
		if err := session.WriteJSON(env); err != nil {
			t.logger.Warnw("tata: media write failed", "callId", session.Record.CallID, "error", err)
			t.sink.OnError(session.Record.CallID, err)
			return
		}
	}
}

// ClearAudio drops queued outbound audio. The vendor protocol has no clear
// envelope in the endpoint→vendor direction, so barge-in only empties the
// residual buffer.
func (t *TataTelephony) ClearAudio(callID string) {
	session, ok := t.registry.ByCall(callID)
	if !ok {
		return
	}
	session.DropResidual()
}

// ====================================================================
// Unsupported provider operations
// ====================================================================

func (t *TataTelephony) MakeCall(ctx context.Context, to, from string) (string, error) {
	return "", fmt.Errorf("%w: tata offers no outbound origination", internal_telephony.ErrUnsupported)
}

func (t *TataTelephony) GetAnswerXML(callID, streamURL string) (string, error) {
	return "", fmt.Errorf("%w: tata uses no answer document", internal_telephony.ErrUnsupported)
}

func (t *TataTelephony) HandleWebhook(path, method string, body []byte, query url.Values) internal_telephony.WebhookResponse {
	return internal_telephony.WebhookResponse{
		StatusCode:  http.StatusNotFound,
		ContentType: "application/json",
		Body:        `{"error":"Unknown webhook path"}`,
	}
}

// ====================================================================
// Lifecycle
// ====================================================================

// EndCall closes the socket and purges local state. There is no provider
// REST hangup; dropping the stream ends the call.
func (t *TataTelephony) EndCall(ctx context.Context, callID, reason string) {
	session, ok := t.registry.ByCall(callID)
	if !ok {
		t.logger.Warnw("tata: endCall for unknown call", "callId", callID)
		return
	}
	session.BeginDraining()
	// Emit the terminal event before dropping the socket, so the reader's
	// close path cannot win the race and report websocket_closed instead.
	t.finishCall(session, reason)
	session.CloseConn()
}

func (t *TataTelephony) GetSession(callID string) (*internal_telephony.CallRecord, bool) {
	session, ok := t.registry.ByCall(callID)
	if !ok {
		return nil, false
	}
	rec := *session.Record
	return &rec, true
}

func (t *TataTelephony) GetAllSessions() []*internal_telephony.CallRecord {
	sessions := t.registry.All()
	out := make([]*internal_telephony.CallRecord, 0, len(sessions))
	for _, s := range sessions {
		rec := *s.Record
		out = append(out, &rec)
	}
	return out
}

func (t *TataTelephony) Shutdown(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, session := range t.registry.All() {
		callID := session.Record.CallID
		g.Go(func() error {
			t.EndCall(ctx, callID, internal_telephony.ReasonShutdown)
			return nil
		})
	}
	g.Wait()
}
