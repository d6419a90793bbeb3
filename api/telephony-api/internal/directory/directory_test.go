// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_pipeline "github.com/rapidaai/voice-gateway/api/telephony-api/internal/pipeline"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

func TestStaticDirectory_Lookup(t *testing.T) {
	d := NewStaticDirectory(map[string]internal_pipeline.AgentConfig{
		"+1 555-000-2222": {Name: "support", SystemPrompt: "You handle support calls."},
	})

	agent, err := d.LookupAgentForNumber(context.Background(), "+15550002222")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "support", agent.Name)

	miss, err := d.LookupAgentForNumber(context.Background(), "+15550009999")
	require.NoError(t, err)
	assert.Nil(t, miss, "unknown number resolves to no agent, not an error")
}

func TestRemoteDirectory_Lookup(t *testing.T) {
	var gotPhone string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPhone = r.URL.Query().Get("phone")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"sales","systemPrompt":"You close deals.","tts":{"provider":"elevenlabs"}}`))
	}))
	defer srv.Close()

	d := NewRemoteDirectory(commons.NewNopLogger(), srv.URL)
	agent, err := d.LookupAgentForNumber(context.Background(), "+1 555-000-2222")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "+15550002222", gotPhone, "number is normalized before lookup")
	assert.Equal(t, "sales", agent.Name)
	assert.Equal(t, "elevenlabs", agent.TTS.Provider)
}

func TestRemoteDirectory_MissIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewRemoteDirectory(commons.NewNopLogger(), srv.URL)
	agent, err := d.LookupAgentForNumber(context.Background(), "+15550002222")
	require.NoError(t, err)
	assert.Nil(t, agent)
}

func TestRemoteDirectory_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewRemoteDirectory(commons.NewNopLogger(), srv.URL)
	_, err := d.LookupAgentForNumber(context.Background(), "+15550002222")
	assert.Error(t, err)
}
