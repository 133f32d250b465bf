// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote provides the client for the hosted inference service.
//
// The service is a Gradio app. The session controller only depends on the
// small contract defined here:
//
//	conn, err := client.Connect(ctx, "owner/space")
//	job, err := conn.Submit(ctx, "/chat", []any{message, history, true})
//	for {
//	    unit, err := job.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// GradioClient implements it over the Gradio HTTP call API: a POST that
// queues the call and returns an event id, followed by a Server-Sent Events
// stream carrying "generating", "complete" and "error" events.
//
// # Features
//
//   - Space id ("owner/space") or full URL targets
//   - Connect retry with exponential backoff
//   - Request pacing through a token-bucket rate limiter
//   - Optional bearer token for private spaces
//   - Context-aware Next: a per-unit timeout abandons the wait without
//     leaking the reader goroutine once the job is closed
package remote
