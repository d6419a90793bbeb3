// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Direction of the call relative to the gateway.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Reasons attached to the terminal callEnded event.
const (
	ReasonStreamStopped       = "stream_stopped"
	ReasonWebsocketClosed     = "websocket_closed"
	ReasonProviderTimeout     = "provider_timeout"
	ReasonPipelineFailed      = "pipeline_failed"
	ReasonSessionEndRequested = "session_end_requested"
	ReasonShutdown            = "shutdown"
)

// CallRecord is the per-call metadata created on the provider's start event
// and destroyed when the call ends.
type CallRecord struct {
	// CallID is the process-wide unique id: provider tag + provider call id
	// (e.g. "plivo_<callId>", "tata_<callSid>").
	CallID    string    `json:"callId"`
	Provider  string    `json:"provider"`
	StreamID  string    `json:"streamId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Direction string    `json:"direction"`
	StartTime time.Time `json:"startTime"`
}

// AudioPacket is one normalized inbound media frame. The receiving goroutine
// owns the payload until it is handed to the pipeline.
type AudioPacket struct {
	CallID         string
	StreamID       string
	SequenceNumber uint64
	Timestamp      string
	Payload        []byte
	Encoding       string // internal_audio.EncodingLinear16 or EncodingMulaw
	SampleRate     int
}

// EventSink receives normalized events from an adapter. Implemented by the
// telephony manager and injected at adapter construction.
//
// Guarantees the adapter upholds: OnCallStarted precedes any OnAudioReceived
// for the same call; OnCallEnded is terminal and fires exactly once per
// call; OnAudioReceived never carries a streamId that was not registered by
// a start event.
type EventSink interface {
	OnCallStarted(rec *CallRecord)
	OnCallEnded(callID, reason string)
	OnAudioReceived(pkt *AudioPacket)
	OnDTMF(callID, digit string)
	OnError(callID string, err error)
}

// Flusher is implemented by adapters whose wire protocol needs an explicit
// end-of-utterance flush (silence padding plus a mark envelope).
type Flusher interface {
	Flush(callID string)
}

// WebhookResponse is the structured reply for a provider webhook.
type WebhookResponse struct {
	StatusCode  int
	ContentType string
	Body        string
}

// Adapter is the per-carrier contract. One adapter owns every socket and
// per-stream state for its provider; all methods are safe for concurrent
// use.
type Adapter interface {
	// Name returns the provider tag ("plivo", "tata").
	Name() string

	// MakeCall originates an outbound call and returns the provider-side
	// request id. ErrUnsupported when the provider offers no outbound REST.
	MakeCall(ctx context.Context, to, from string) (string, error)

	// EndCall is best-effort: provider REST hangup if available, then close
	// the socket, then purge local state. A no-op (with a warning) for
	// unknown callIds; never returns an error.
	EndCall(ctx context.Context, callID, reason string)

	// SendAudio transcodes pipeline PCM to the provider wire format and
	// enqueues framed envelopes in order. Non-blocking; drops silently when
	// the socket is absent.
	SendAudio(callID string, pcm []byte, sampleRate int)

	// ClearAudio flushes queued outbound audio for barge-in. Silent for
	// unknown callIds.
	ClearAudio(callID string)

	// GetAnswerXML returns the provider answer document instructing the
	// carrier to open a bidirectional stream to streamURL.
	GetAnswerXML(callID, streamURL string) (string, error)

	// HandleWebhook serves provider HTTP callbacks. Unknown paths get a
	// well-formed error envelope.
	HandleWebhook(path, method string, body []byte, query url.Values) WebhookResponse

	// HandleStream services one media WebSocket until it closes. Blocks for
	// the life of the socket; callers run it on the connection goroutine.
	HandleStream(conn *websocket.Conn)

	// GetSession returns a read-only snapshot of one active call.
	GetSession(callID string) (*CallRecord, bool)

	// GetAllSessions returns read-only snapshots of every active call.
	GetAllSessions() []*CallRecord

	// Shutdown terminates all active calls and closes every socket.
	Shutdown(ctx context.Context)
}
