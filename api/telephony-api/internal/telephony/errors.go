// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import "errors"

// Error taxonomy for the media bridge. Wrap with fmt.Errorf("...: %w", ...)
// and test with errors.Is.
var (
	// ErrConfig: wrong provider tag or missing credential. Fatal to Init.
	ErrConfig = errors.New("telephony: invalid configuration")

	// ErrProtocol: malformed envelope, unknown event or stream collision.
	// The offending message is dropped; the stream continues.
	ErrProtocol = errors.New("telephony: protocol error")

	// ErrProvider: HTTP non-2xx or transport failure talking to the carrier.
	ErrProvider = errors.New("telephony: provider error")

	// ErrMediaFormat: sample rate or encoding the core does not support.
	// The packet is dropped with a warning.
	ErrMediaFormat = errors.New("telephony: unsupported media format")

	// ErrPipeline: voice pipeline failure.
	ErrPipeline = errors.New("telephony: pipeline error")

	// ErrUnsupported: the provider does not offer the requested operation.
	ErrUnsupported = errors.New("telephony: operation not supported by provider")
)
