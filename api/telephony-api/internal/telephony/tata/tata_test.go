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
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-gateway/api/telephony-api/internal/audio"
	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

type recordingSink struct {
	started chan *internal_telephony.CallRecord
	ended   chan string
	audio   chan *internal_telephony.AudioPacket
	dtmf    chan string
	errs    chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		started: make(chan *internal_telephony.CallRecord, 8),
		ended:   make(chan string, 8),
		audio:   make(chan *internal_telephony.AudioPacket, 64),
		dtmf:    make(chan string, 8),
		errs:    make(chan error, 8),
	}
}

func (s *recordingSink) OnCallStarted(rec *internal_telephony.CallRecord) { s.started <- rec }
func (s *recordingSink) OnCallEnded(callID, reason string)                { s.ended <- reason }
func (s *recordingSink) OnAudioReceived(pkt *internal_telephony.AudioPacket) {
	s.audio <- pkt
}
func (s *recordingSink) OnDTMF(callID, digit string)      { s.dtmf <- digit }
func (s *recordingSink) OnError(callID string, err error) { s.errs <- err }

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func dialAdapter(t *testing.T, adapter *TataTelephony) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		adapter.HandleStream(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func startEnvelope(streamSID, callSID string) map[string]interface{} {
	return map[string]interface{}{
		"event":          "start",
		"sequenceNumber": "1",
		"streamSid":      streamSID,
		"start": map[string]interface{}{
			"streamSid": streamSID,
			"callSid":   callSID,
			"from":      "+919900112233",
			"to":        "+918800112233",
			"direction": "inbound",
			"mediaFormat": map[string]interface{}{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"bitRate":    64,
				"bitDepth":   8,
			},
		},
	}
}

// readOutbound reads one envelope from the client side of the stream.
func readOutbound(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func decodedPayload(t *testing.T, env map[string]json.RawMessage) []byte {
	t.Helper()
	var media outboundMediaFrame
	require.NoError(t, json.Unmarshal(env["media"], &media))
	data, err := base64.StdEncoding.DecodeString(media.Payload)
	require.NoError(t, err)
	return data
}

func startedAdapter(t *testing.T) (*TataTelephony, *recordingSink, *websocket.Conn) {
	t.Helper()
	sink := newRecordingSink()
	adapter := NewTataTelephony(commons.NewNopLogger(), sink)
	conn := dialAdapter(t, adapter)
	sendEnvelope(t, conn, map[string]string{"event": "connected"})
	sendEnvelope(t, conn, startEnvelope("MZ_st1", "CA_c1"))
	waitFor(t, sink.started, "callStarted")
	return adapter, sink, conn
}

// ====================================================================
// Inbound stream
// ====================================================================

func TestHandleStream_StartBindsCall(t *testing.T) {
	sink := newRecordingSink()
	adapter := NewTataTelephony(commons.NewNopLogger(), sink)
	conn := dialAdapter(t, adapter)

	sendEnvelope(t, conn, map[string]string{"event": "connected"})
	sendEnvelope(t, conn, startEnvelope("MZ_st1", "CA_c1"))

	rec := waitFor(t, sink.started, "callStarted")
	assert.Equal(t, "tata_CA_c1", rec.CallID)
	assert.Equal(t, "MZ_st1", rec.StreamID)
	assert.Equal(t, ProviderName, rec.Provider)
}

func TestHandleStream_MediaNormalizedToLinear16(t *testing.T) {
	_, sink, conn := startedAdapter(t)

	mulaw := make([]byte, 160)
	for i := range mulaw {
		mulaw[i] = internal_audio.MulawSilence
	}
	sendEnvelope(t, conn, map[string]interface{}{
		"event":     "media",
		"streamSid": "MZ_st1",
		"media": map[string]interface{}{
			"chunk":     1,
			"timestamp": "120",
			"payload":   base64.StdEncoding.EncodeToString(mulaw),
		},
	})

	pkt := waitFor(t, sink.audio, "audioReceived")
	assert.Equal(t, "tata_CA_c1", pkt.CallID)
	assert.Equal(t, internal_audio.EncodingLinear16, pkt.Encoding)
	assert.Equal(t, 8000, pkt.SampleRate)
	// 160 μ-law bytes decode to 320 PCM bytes, and 0xFF decodes to zero.
	require.Len(t, pkt.Payload, 320)
	for _, b := range pkt.Payload {
		assert.Equal(t, byte(0), b)
	}
}

func TestHandleStream_StopEndsCallOnce(t *testing.T) {
	adapter, sink, conn := startedAdapter(t)

	sendEnvelope(t, conn, map[string]interface{}{
		"event":     "stop",
		"streamSid": "MZ_st1",
		"stop":      map[string]string{"callSid": "CA_c1", "reason": "callended"},
	})

	assert.Equal(t, internal_telephony.ReasonStreamStopped, waitFor(t, sink.ended, "callEnded"))

	conn.Close()
	select {
	case r := <-sink.ended:
		t.Fatalf("unexpected second callEnded: %s", r)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, adapter.GetAllSessions())
}

func TestHandleStream_SocketCloseEndsCall(t *testing.T) {
	_, sink, conn := startedAdapter(t)

	conn.Close()
	assert.Equal(t, internal_telephony.ReasonWebsocketClosed, waitFor(t, sink.ended, "callEnded"))
}

func TestHandleStream_DTMF(t *testing.T) {
	_, sink, conn := startedAdapter(t)

	sendEnvelope(t, conn, map[string]interface{}{
		"event":     "dtmf",
		"streamSid": "MZ_st1",
		"dtmf":      map[string]string{"digit": "#"},
	})
	assert.Equal(t, "#", waitFor(t, sink.dtmf, "dtmf"))
}

func TestHandleStream_MarkAcknowledged(t *testing.T) {
	adapter, _, conn := startedAdapter(t)

	adapter.Flush("tata_CA_c1") // nothing buffered: no media frame, one mark
	env := readOutbound(t, conn)
	var event string
	json.Unmarshal(env["event"], &event)
	require.Equal(t, "mark", event)
	var mark markPayload
	require.NoError(t, json.Unmarshal(env["mark"], &mark))

	session, ok := adapter.registry.ByCall("tata_CA_c1")
	require.True(t, ok)
	require.Equal(t, []string{mark.Name}, session.PendingMarks())

	sendEnvelope(t, conn, map[string]interface{}{
		"event":     "mark",
		"streamSid": "MZ_st1",
		"mark":      map[string]string{"name": mark.Name},
	})

	assert.Eventually(t, func() bool {
		return len(session.PendingMarks()) == 0
	}, 2*time.Second, 10*time.Millisecond, "pending mark cleared on acknowledgment")
}

// ====================================================================
// Outbound framing
// ====================================================================

func TestSendAudio_FramesExactly160Bytes(t *testing.T) {
	adapter, _, conn := startedAdapter(t)

	// 400 bytes of linear16 @ 16 kHz → 200 bytes @ 8 kHz → 200 μ-law bytes:
	// one full frame on the wire, 40 bytes retained.
	adapter.SendAudio("tata_CA_c1", make([]byte, 400), 16000)

	env := readOutbound(t, conn)
	var event string
	json.Unmarshal(env["event"], &event)
	assert.Equal(t, "media", event)

	var streamSID string
	json.Unmarshal(env["streamSid"], &streamSID)
	assert.Equal(t, "MZ_st1", streamSID)

	assert.Len(t, decodedPayload(t, env), 160)

	session, ok := adapter.registry.ByCall("tata_CA_c1")
	require.True(t, ok)
	assert.Equal(t, 40, session.ResidualLen())
}

func TestFlush_PadsWithSilenceAndMarks(t *testing.T) {
	adapter, _, conn := startedAdapter(t)

	adapter.SendAudio("tata_CA_c1", make([]byte, 400), 16000)
	readOutbound(t, conn) // the full frame from SendAudio

	adapter.Flush("tata_CA_c1")

	frame := readOutbound(t, conn)
	payload := decodedPayload(t, frame)
	require.Len(t, payload, 160)
	for i := 40; i < 160; i++ {
		require.Equal(t, byte(internal_audio.MulawSilence), payload[i], "padding byte %d", i)
	}

	markEnv := readOutbound(t, conn)
	var event string
	json.Unmarshal(markEnv["event"], &event)
	require.Equal(t, "mark", event)
	var mark markPayload
	require.NoError(t, json.Unmarshal(markEnv["mark"], &mark))
	assert.Regexp(t, regexp.MustCompile(`^complete_\d+$`), mark.Name)

	session, ok := adapter.registry.ByCall("tata_CA_c1")
	require.True(t, ok)
	assert.Equal(t, 0, session.ResidualLen())
}

func TestSendAudio_ChunkNumbersAreSequential(t *testing.T) {
	adapter, _, conn := startedAdapter(t)

	// Three full frames in one shot: 960 bytes of 8 kHz PCM → 480 μ-law.
	adapter.SendAudio("tata_CA_c1", make([]byte, 960), 8000)

	for want := uint64(1); want <= 3; want++ {
		env := readOutbound(t, conn)
		var media outboundMediaFrame
		require.NoError(t, json.Unmarshal(env["media"], &media))
		assert.Equal(t, want, media.Chunk)
		assert.Len(t, decodedPayload(t, env), 160)
	}
}

func TestClearAudio_DropsResidualWithoutEnvelope(t *testing.T) {
	adapter, _, conn := startedAdapter(t)

	// 40 μ-law bytes buffered, below one frame.
	adapter.SendAudio("tata_CA_c1", make([]byte, 80), 8000)
	session, ok := adapter.registry.ByCall("tata_CA_c1")
	require.True(t, ok)
	require.Equal(t, 40, session.ResidualLen())

	adapter.ClearAudio("tata_CA_c1")
	assert.Equal(t, 0, session.ResidualLen())

	// No clear envelope exists in this protocol: the wire stays quiet.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no envelope expected after clear")
}

func TestSendAudio_UnknownCallIsSilent(t *testing.T) {
	adapter := NewTataTelephony(commons.NewNopLogger(), newRecordingSink())
	adapter.SendAudio("tata_missing", make([]byte, 320), 16000)
	adapter.ClearAudio("tata_missing")
	adapter.Flush("tata_missing")
}

// ====================================================================
// Unsupported surface
// ====================================================================

func TestUnsupportedOperations(t *testing.T) {
	adapter := NewTataTelephony(commons.NewNopLogger(), newRecordingSink())

	_, err := adapter.MakeCall(context.Background(), "+918800112233", "+919900112233")
	assert.True(t, errors.Is(err, internal_telephony.ErrUnsupported))

	_, err = adapter.GetAnswerXML("tata_c1", "wss://gw.example.com/telephony/tata/stream")
	assert.True(t, errors.Is(err, internal_telephony.ErrUnsupported))

	resp := adapter.HandleWebhook("answer", http.MethodPost, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Unknown webhook path"}`, resp.Body)
}

// ====================================================================
// Lifecycle
// ====================================================================

func TestEndCall_PurgesState(t *testing.T) {
	adapter, sink, conn := startedAdapter(t)

	adapter.EndCall(context.Background(), "tata_CA_c1", internal_telephony.ReasonSessionEndRequested)

	assert.Equal(t, internal_telephony.ReasonSessionEndRequested, waitFor(t, sink.ended, "callEnded"))
	_, ok := adapter.GetSession("tata_CA_c1")
	assert.False(t, ok)

	// The socket teardown that follows must not produce a second terminal
	// event with websocket_closed.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, readErr := conn.ReadMessage()
	require.Error(t, readErr, "socket closed by the adapter")
	select {
	case r := <-sink.ended:
		t.Fatalf("unexpected second callEnded: %s", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestShutdown_EndsAllCalls(t *testing.T) {
	sink := newRecordingSink()
	adapter := NewTataTelephony(commons.NewNopLogger(), sink)

	c1 := dialAdapter(t, adapter)
	c2 := dialAdapter(t, adapter)
	sendEnvelope(t, c1, startEnvelope("MZ_st1", "CA_c1"))
	sendEnvelope(t, c2, startEnvelope("MZ_st2", "CA_c2"))
	waitFor(t, sink.started, "first callStarted")
	waitFor(t, sink.started, "second callStarted")

	adapter.Shutdown(context.Background())

	reasons := []string{waitFor(t, sink.ended, "ended"), waitFor(t, sink.ended, "ended")}
	assert.Equal(t, []string{internal_telephony.ReasonShutdown, internal_telephony.ReasonShutdown}, reasons)
	assert.Empty(t, adapter.GetAllSessions())
}
