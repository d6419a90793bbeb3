// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_plivo_telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const (
	ProviderName = "plivo"

	callIDPrefix       = "plivo_"
	defaultAPIBase     = "https://api.plivo.com"
	defaultContentType = "audio/x-l16;rate=8000"

	restTimeout   = 30 * time.Second
	restRetryWait = 250 * time.Millisecond
)

// ====================================================================
// Wire envelopes
// ====================================================================

type inboundEnvelope struct {
	Event          string         `json:"event"`
	SequenceNumber uint64         `json:"sequenceNumber"`
	StreamID       string         `json:"streamId"`
	Start          *startPayload  `json:"start,omitempty"`
	Media          *mediaPayload  `json:"media,omitempty"`
	DTMF           *dtmfPayload   `json:"dtmf,omitempty"`
}

type startPayload struct {
	StreamID  string `json:"streamId"`
	CallID    string `json:"callId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
}

type mediaPayload struct {
	ContentType string `json:"contentType"`
	Timestamp   string `json:"timestamp"`
	Payload     string `json:"payload"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

type playAudioEnvelope struct {
	Event string         `json:"event"`
	Media playAudioMedia `json:"media"`
}

type playAudioMedia struct {
	ContentType string `json:"contentType"`
	SampleRate  int    `json:"sampleRate"`
	Payload     string `json:"payload"`
}

type clearAudioEnvelope struct {
	Event string `json:"event"`
}

type originateResponse struct {
	RequestUUID string `json:"request_uuid"`
}

// ====================================================================
// Adapter
// ====================================================================

// PlivoTelephony services Plivo-style bidirectional media streams: linear16
// (or μ-law) over per-call WebSockets, XML answer documents and a REST
// surface for origination and hangup.
type PlivoTelephony struct {
	logger   commons.Logger
	sink     internal_telephony.EventSink
	registry *internal_telephony.Registry
	rest     *resty.Client

	authID         string
	authToken      string
	apiBase        string
	webhookBaseURL string
}

type PlivoOption func(*PlivoTelephony)

func WithCredentials(authID, authToken string) PlivoOption {
	return func(p *PlivoTelephony) {
		p.authID = authID
		p.authToken = authToken
	}
}

func WithAPIBase(base string) PlivoOption {
	return func(p *PlivoTelephony) {
		p.apiBase = strings.TrimRight(base, "/")
	}
}

func WithWebhookBaseURL(base string) PlivoOption {
	return func(p *PlivoTelephony) {
		p.webhookBaseURL = strings.TrimRight(base, "/")
	}
}

func NewPlivoTelephony(logger commons.Logger, sink internal_telephony.EventSink, opts ...PlivoOption) (*PlivoTelephony, error) {
	p := &PlivoTelephony{
		logger:   logger,
		sink:     sink,
		registry: internal_telephony.NewRegistry(),
		apiBase:  defaultAPIBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.authID == "" || p.authToken == "" {
		return nil, fmt.Errorf("%w: plivo authId and authToken are required", internal_telephony.ErrConfig)
	}
	p.rest = resty.New().
		SetBaseURL(p.apiBase).
		SetBasicAuth(p.authID, p.authToken).
		SetTimeout(restTimeout).
		SetRetryCount(1).
		SetRetryWaitTime(restRetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry transport failures only, never HTTP-level rejections.
			return err != nil
		})
	return p, nil
}

func (p *PlivoTelephony) Name() string {
	return ProviderName
}

// ====================================================================
// Media stream
// ====================================================================

// HandleStream services one media socket until it closes. One reader
// goroutine per connection; all outbound writes go through the session's
// write lock.
func (p *PlivoTelephony) HandleStream(conn *websocket.Conn) {
	defer p.onSocketGone(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			p.logger.Warnw("plivo: dropping malformed envelope", "error", err)
			p.sink.OnError("", fmt.Errorf("%w: %v", internal_telephony.ErrProtocol, err))
			continue
		}

		switch env.Event {
		case "start":
			p.handleStart(conn, &env)
		case "media":
			p.handleMedia(conn, &env)
		case "stop":
			p.handleStop(conn)
			return
		case "dtmf":
			p.handleDTMF(conn, &env)
		default:
			p.logger.Warnw("plivo: unknown stream event", "event", env.Event)
		}
	}
}

func (p *PlivoTelephony) handleStart(conn *websocket.Conn, env *inboundEnvelope) {
	if env.Start == nil || env.Start.StreamID == "" || env.Start.CallID == "" {
		p.sink.OnError("", fmt.Errorf("%w: start without stream/call id", internal_telephony.ErrProtocol))
		return
	}
	direction := env.Start.Direction
	if direction == "" {
		direction = internal_telephony.DirectionInbound
	}
	rec := &internal_telephony.CallRecord{
		CallID:    callIDPrefix + env.Start.CallID,
		Provider:  ProviderName,
		StreamID:  env.Start.StreamID,
		From:      env.Start.From,
		To:        env.Start.To,
		Direction: direction,
		StartTime: time.Now(),
	}
	session, err := p.registry.Register(rec, conn)
	if err != nil {
		p.logger.Errorw("plivo: rejecting duplicate stream registration", "streamId", rec.StreamID, "error", err)
		p.sink.OnError(rec.CallID, err)
		conn.Close()
		return
	}
	session.Activate()
	p.logger.Infow("plivo: stream started", "callId", rec.CallID, "streamId", rec.StreamID, "from", rec.From, "to", rec.To)
	p.sink.OnCallStarted(rec)
}

func (p *PlivoTelephony) handleMedia(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := p.registry.ByConn(conn)
	if !ok || session.State() == internal_telephony.StateAwaitingStart {
		p.logger.Warnw("plivo: media before start, ignoring")
		return
	}
	if env.Media == nil {
		return
	}

	encoding, sampleRate, err := parseContentType(env.Media.ContentType)
	if err != nil {
		p.logger.Warnw("plivo: dropping packet with unsupported media format",
			"callId", session.Record.CallID, "contentType", env.Media.ContentType)
		p.sink.OnError(session.Record.CallID, err)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		p.sink.OnError(session.Record.CallID, fmt.Errorf("%w: bad media payload: %v", internal_telephony.ErrProtocol, err))
		return
	}

	seq := env.SequenceNumber
	if seq == 0 {
		seq = session.NextSeq()
	}
	p.sink.OnAudioReceived(&internal_telephony.AudioPacket{
		CallID:         session.Record.CallID,
		StreamID:       session.Record.StreamID,
		SequenceNumber: seq,
		Timestamp:      env.Media.Timestamp,
		Payload:        payload,
		Encoding:       encoding,
		SampleRate:     sampleRate,
	})
}

// parseContentType inspects the provider content type substring-wise, the
// way the wire actually behaves: the rate token is present only sometimes.
// Rates other than 8000/16000 are unsupported rather than mis-detected.
func parseContentType(ct string) (encoding string, sampleRate int, err error) {
	if ct == "" {
		ct = defaultContentType
	}
	lower := strings.ToLower(ct)

	encoding = internal_audio.EncodingLinear16
	if strings.Contains(lower, "x-mulaw") {
		encoding = internal_audio.EncodingMulaw
	}

	// Match the whole rate token: a bare "8000" scan would also accept
	// rate=48000 and mis-tag it as 8 kHz.
	idx := strings.Index(lower, "rate=")
	if idx < 0 {
		return encoding, internal_audio.TelephonySampleRate, nil
	}
	digits := lower[idx+len("rate="):]
	if end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
		digits = digits[:end]
	}
	switch digits {
	case "8000":
		sampleRate = internal_audio.TelephonySampleRate
	case "16000":
		sampleRate = 16000
	default:
		return "", 0, fmt.Errorf("%w: content type %q", internal_telephony.ErrMediaFormat, ct)
	}
	return encoding, sampleRate, nil
}

func (p *PlivoTelephony) handleStop(conn *websocket.Conn) {
	session, ok := p.registry.ByConn(conn)
	if !ok {
		return
	}
	session.BeginDraining()
	p.finishCall(session, internal_telephony.ReasonStreamStopped)
	conn.Close()
}

func (p *PlivoTelephony) handleDTMF(conn *websocket.Conn, env *inboundEnvelope) {
	session, ok := p.registry.ByConn(conn)
	if !ok || env.DTMF == nil {
		return
	}
	p.sink.OnDTMF(session.Record.CallID, env.DTMF.Digit)
}

// onSocketGone runs when the reader loop exits for any reason.
func (p *PlivoTelephony) onSocketGone(conn *websocket.Conn) {
	session, ok := p.registry.ByConn(conn)
	if !ok {
		return
	}
	p.finishCall(session, internal_telephony.ReasonWebsocketClosed)
}

// finishCall closes the session exactly once: emits the terminal event and
// purges registry state. Safe to call from stop, socket-close and endCall
// paths concurrently.
func (p *PlivoTelephony) finishCall(session *internal_telephony.StreamSession, reason string) {
	if !session.Close() {
		return
	}
	p.registry.Remove(session.Record.CallID)
	p.logger.Infow("plivo: call ended", "callId", session.Record.CallID, "reason", reason)
	p.sink.OnCallEnded(session.Record.CallID, reason)
}

// ====================================================================
// Outbound media
// ====================================================================

// SendAudio resamples pipeline PCM to 8 kHz linear16 and writes a playAudio
// envelope. Drops silently when the stream is gone or not yet active.
func (p *PlivoTelephony) SendAudio(callID string, pcm []byte, sampleRate int) {
	session, ok := p.registry.ByCall(callID)
	if !ok || !session.Sendable() {
		return
	}
	wire := internal_audio.Resample(pcm, sampleRate, internal_audio.TelephonySampleRate)
	env := playAudioEnvelope{
		Event: "playAudio",
		Media: playAudioMedia{
			ContentType: "audio/x-l16",
			SampleRate:  internal_audio.TelephonySampleRate,
			Payload:     base64.StdEncoding.EncodeToString(wire),
		},
	}
	session.NextChunk()
	if err := session.WriteJSON(env); err != nil {
		p.logger.Warnw("plivo: playAudio write failed", "callId", callID, "error", err)
		p.sink.OnError(callID, err)
	}
}

// ClearAudio asks the provider to flush queued playback for barge-in.
func (p *PlivoTelephony) ClearAudio(callID string) {
	session, ok := p.registry.ByCall(callID)
	if !ok {
		return
	}
	if err := session.WriteJSON(clearAudioEnvelope{Event: "clearAudio"}); err != nil {
		p.logger.Warnw("plivo: clearAudio write failed", "callId", callID, "error", err)
	}
}

// ====================================================================
// REST surface
// ====================================================================

// MakeCall originates an outbound call; the carrier will POST to the answer
// webhook for the stream instructions.
func (p *PlivoTelephony) MakeCall(ctx context.Context, to, from string) (string, error) {
	var out originateResponse
	resp, err := p.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"from":          from,
			"to":            to,
			"answer_url":    p.webhookBaseURL + "/telephony/plivo/answer",
			"answer_method": "POST",
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1/Account/%s/Call/", p.authID))
	if err != nil {
		return "", fmt.Errorf("%w: originate: %v", internal_telephony.ErrProvider, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: originate returned %d: %s", internal_telephony.ErrProvider, resp.StatusCode(), resp.String())
	}
	p.logger.Infow("plivo: call originated", "to", to, "from", from, "requestUuid", out.RequestUUID)
	return out.RequestUUID, nil
}

// EndCall is best-effort: provider hangup, then socket close, then local
// purge. Unknown callIds are a warning, never an error.
func (p *PlivoTelephony) EndCall(ctx context.Context, callID, reason string) {
	session, ok := p.registry.ByCall(callID)
	if !ok {
		p.logger.Warnw("plivo: endCall for unknown call", "callId", callID)
		return
	}
	session.BeginDraining()

	providerCallID := strings.TrimPrefix(callID, callIDPrefix)
	resp, err := p.rest.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v1/Account/%s/Call/%s/", p.authID, providerCallID))
	if err != nil {
		p.logger.Warnw("plivo: hangup request failed", "callId", callID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = internal_telephony.ReasonProviderTimeout
		}
	} else if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		p.logger.Warnw("plivo: hangup rejected", "callId", callID, "status", resp.StatusCode())
	}

	// Emit the terminal event before dropping the socket, so the reader's
	// close path cannot win the race and report websocket_closed instead.
	p.finishCall(session, reason)
	session.CloseConn()
}

// ====================================================================
// Webhooks
// ====================================================================

// GetAnswerXML returns the stream instruction document the carrier fetches
// when the call is answered.
func (p *PlivoTelephony) GetAnswerXML(callID, streamURL string) (string, error) {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Stream bidirectional="true" keepCallAlive="true" contentType="audio/x-l16;rate=8000" streamTimeout="3600">%s</Stream>
</Response>`, streamURL), nil
}

// StreamURL derives the media socket address from the webhook base,
// mapping https→wss.
func (p *PlivoTelephony) StreamURL() string {
	base := p.webhookBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/telephony/plivo/stream"
}

func (p *PlivoTelephony) HandleWebhook(path, method string, body []byte, query url.Values) internal_telephony.WebhookResponse {
	switch path {
	case "answer":
		callID := query.Get("CallUUID")
		xml, _ := p.GetAnswerXML(callID, p.StreamURL())
		return internal_telephony.WebhookResponse{
			StatusCode:  http.StatusOK,
			ContentType: "text/xml",
			Body:        xml,
		}
	case "status":
		p.logger.Infow("plivo: status callback", "method", method, "body", string(body))
		return internal_telephony.WebhookResponse{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        `{"success":true}`,
		}
	default:
		return internal_telephony.WebhookResponse{
			StatusCode:  http.StatusNotFound,
			ContentType: "application/json",
			Body:        `{"error":"Unknown webhook path"}`,
		}
	}
}

// ====================================================================
// Introspection and shutdown
// ====================================================================

func (p *PlivoTelephony) GetSession(callID string) (*internal_telephony.CallRecord, bool) {
	session, ok := p.registry.ByCall(callID)
	if !ok {
		return nil, false
	}
	rec := *session.Record
	return &rec, true
}

func (p *PlivoTelephony) GetAllSessions() []*internal_telephony.CallRecord {
	sessions := p.registry.All()
	out := make([]*internal_telephony.CallRecord, 0, len(sessions))
	for _, s := range sessions {
		rec := *s.Record
		out = append(out, &rec)
	}
	return out
}

// Shutdown hangs up every active call concurrently.
func (p *PlivoTelephony) Shutdown(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, session := range p.registry.All() {
		callID := session.Record.CallID
		g.Go(func() error {
			p.EndCall(ctx, callID, internal_telephony.ReasonShutdown)
			return nil
		})
	}
	g.Wait()
}
