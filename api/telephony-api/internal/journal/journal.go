// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_journal

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	internal_telephony "github.com/rapidaai/voice-gateway/api/telephony-api/internal/telephony"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// CallJournal records call lifecycle for billing and analytics. Both
// operations are fire-and-forget: the media path never waits on them and
// failures are logged, not propagated.
type CallJournal interface {
	CreateCallRecord(rec *internal_telephony.CallRecord)
	EndCallRecord(callID, reason string)
}

// NoopJournal discards everything; the default when no journal endpoint is
// configured.
type NoopJournal struct{}

func (NoopJournal) CreateCallRecord(*internal_telephony.CallRecord) {}
func (NoopJournal) EndCallRecord(string, string)                    {}

// ====================================================================
// HTTP journal
// ====================================================================

type HTTPJournal struct {
	logger commons.Logger
	rest   *resty.Client
}

func NewHTTPJournal(logger commons.Logger, baseURL string) *HTTPJournal {
	return &HTTPJournal{
		logger: logger,
		rest: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10 * time.Second),
	}
}

func (j *HTTPJournal) CreateCallRecord(rec *internal_telephony.CallRecord) {
	snapshot := *rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := j.rest.R().
			SetContext(ctx).
			SetHeader("X-Request-Id", uuid.NewString()).
			SetBody(&snapshot).
			Post("/v1/call-records")
		if err != nil {
			j.logger.Warnw("journal: create call record failed", "callId", snapshot.CallID, "error", err)
			return
		}
		if resp.IsError() {
			j.logger.Warnw("journal: create call record rejected", "callId", snapshot.CallID, "status", resp.StatusCode())
		}
	}()
}

func (j *HTTPJournal) EndCallRecord(callID, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := j.rest.R().
			SetContext(ctx).
			SetHeader("X-Request-Id", uuid.NewString()).
			SetBody(map[string]string{
				"reason":  reason,
				"endedAt": time.Now().UTC().Format(time.RFC3339),
			}).
			Post("/v1/call-records/" + callID + "/end")
		if err != nil {
			j.logger.Warnw("journal: end call record failed", "callId", callID, "error", err)
			return
		}
		if resp.IsError() {
			j.logger.Warnw("journal: end call record rejected", "callId", callID, "status", resp.StatusCode())
		}
	}()
}
