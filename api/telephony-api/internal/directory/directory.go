// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	internal_pipeline "github.com/rapidaai/voice-gateway/api/telephony-api/internal/pipeline"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// AgentDirectory resolves the agent definition serving a dialed number.
// A nil config with a nil error means no agent matches; callers fall back
// to their default definition.
type AgentDirectory interface {
	LookupAgentForNumber(ctx context.Context, to string) (*internal_pipeline.AgentConfig, error)
}

// ====================================================================
// Static directory
// ====================================================================

// StaticDirectory serves agent definitions from configuration. Numbers are
// matched after normalization (spaces and dashes stripped).
type StaticDirectory struct {
	agents map[string]internal_pipeline.AgentConfig
}

func NewStaticDirectory(agents map[string]internal_pipeline.AgentConfig) *StaticDirectory {
	normalized := make(map[string]internal_pipeline.AgentConfig, len(agents))
	for number, agent := range agents {
		normalized[normalizeNumber(number)] = agent
	}
	return &StaticDirectory{agents: normalized}
}

func (d *StaticDirectory) LookupAgentForNumber(ctx context.Context, to string) (*internal_pipeline.AgentConfig, error) {
	agent, ok := d.agents[normalizeNumber(to)]
	if !ok {
		return nil, nil
	}
	return &agent, nil
}

func normalizeNumber(number string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	return replacer.Replace(number)
}

// ====================================================================
// Remote directory
// ====================================================================

// RemoteDirectory resolves agents against an external definitions service.
// Misses are not errors: a 404 means no agent owns the number.
type RemoteDirectory struct {
	logger commons.Logger
	rest   *resty.Client
}

func NewRemoteDirectory(logger commons.Logger, baseURL string) *RemoteDirectory {
	return &RemoteDirectory{
		logger: logger,
		rest: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10 * time.Second).
			SetRetryCount(1).
			SetRetryWaitTime(250 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil
			}),
	}
}

func (d *RemoteDirectory) LookupAgentForNumber(ctx context.Context, to string) (*internal_pipeline.AgentConfig, error) {
	var agent internal_pipeline.AgentConfig
	resp, err := d.rest.R().
		SetContext(ctx).
		SetQueryParam("phone", normalizeNumber(to)).
		SetResult(&agent).
		Get("/v1/agent-definitions")
	if err != nil {
		return nil, fmt.Errorf("agent directory lookup: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent directory lookup returned %d", resp.StatusCode())
	}
	return &agent, nil
}
