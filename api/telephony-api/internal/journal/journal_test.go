// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_journal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

func TestHTTPJournal_FireAndForget(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var created internal_telephony.CallRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/call-records" {
			json.NewDecoder(r.Body).Decode(&created)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	j := NewHTTPJournal(commons.NewNopLogger(), srv.URL)
	j.CreateCallRecord(&internal_telephony.CallRecord{
		CallID:   "plivo_c1",
		Provider: "plivo",
		From:     "+15550001",
		To:       "+15550002",
	})
	j.EndCallRecord("plivo_c1", internal_telephony.ReasonStreamStopped)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, paths, "/v1/call-records")
	assert.Contains(t, paths, "/v1/call-records/plivo_c1/end")
	assert.Equal(t, "plivo_c1", created.CallID)
}

func TestHTTPJournal_FailureDoesNotPanic(t *testing.T) {
	j := NewHTTPJournal(commons.NewNopLogger(), "http://127.0.0.1:1")
	j.CreateCallRecord(&internal_telephony.CallRecord{CallID: "plivo_c1"})
	j.EndCallRecord("plivo_c1", internal_telephony.ReasonWebsocketClosed)
	time.Sleep(50 * time.Millisecond)
}
