// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event, returning its type and data. Multi-line
// data is joined with newlines. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}
		eof := err == io.EOF

		line = bytes.TrimRight(line, "\r\n")

		// A blank line ends the event.
		if len(line) == 0 {
			if len(dataLines) > 0 || eventType != "" {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if eof {
				return "", nil, io.EOF
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// id:, retry: and ":" comments are ignored.

		// The stream may end without the final newline.
		if eof {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// =============================================================================
// EVENT JOB
// =============================================================================

const (
	eventGenerating = "generating"
	eventComplete   = "complete"
	eventError      = "error"
	eventHeartbeat  = "heartbeat"
)

type jobResult struct {
	unit Unit
	err  error
}

// sseJob turns a Gradio event stream into units. A pump goroutine reads the
// stream and hands results over an unbuffered channel; it exits when the
// stream ends or the job is closed.
type sseJob struct {
	body    io.ReadCloser
	cancel  func()
	logger  *zap.Logger
	results chan jobResult
	done    chan struct{}

	closeOnce sync.Once
	onClose   func()

	mu       sync.Mutex
	finished bool
	lastErr  error
}

func newSSEJob(body io.ReadCloser, cancel func(), logger *zap.Logger) *sseJob {
	j := &sseJob{
		body:    body,
		cancel:  cancel,
		logger:  logger,
		results: make(chan jobResult),
		done:    make(chan struct{}),
	}
	go j.pump()
	return j
}

func (j *sseJob) pump() {
	defer close(j.results)

	reader := NewSSEReader(j.body)
	for {
		event, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				err = ErrStreamEnded
			}
			j.deliver(jobResult{err: err})
			return
		}

		switch event {
		case eventHeartbeat:
			continue
		case eventError:
			j.deliver(jobResult{err: &ServerError{Message: errorMessage(data)}})
			return
		case eventGenerating, eventComplete, "":
			var values []json.RawMessage
			if err := json.Unmarshal(data, &values); err != nil {
				j.logger.Debug("skipping malformed event", zap.String("event", event), zap.Error(err))
				continue
			}
			if !j.deliver(jobResult{unit: Unit{Data: values}}) {
				return
			}
			if event == eventComplete {
				j.deliver(jobResult{err: io.EOF})
				return
			}
		default:
			j.logger.Debug("ignoring event", zap.String("event", event))
		}
	}
}

// deliver hands r to Next. It returns false if the job was closed first.
func (j *sseJob) deliver(r jobResult) bool {
	select {
	case j.results <- r:
		return true
	case <-j.done:
		return false
	}
}

func (j *sseJob) Next(ctx context.Context) (Unit, error) {
	j.mu.Lock()
	if j.finished {
		err := j.lastErr
		j.mu.Unlock()
		return Unit{}, err
	}
	j.mu.Unlock()

	if j.closed() {
		return Unit{}, ErrClosed
	}

	select {
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	case <-j.done:
		return Unit{}, ErrClosed
	case r, ok := <-j.results:
		if j.closed() {
			return Unit{}, ErrClosed
		}
		if !ok {
			return Unit{}, j.finish(ErrStreamEnded)
		}
		if r.err != nil {
			return Unit{}, j.finish(r.err)
		}
		return r.unit, nil
	}
}

func (j *sseJob) closed() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// finish records the terminal error so later Next calls repeat it, then
// releases the stream.
func (j *sseJob) finish(err error) error {
	j.mu.Lock()
	j.finished = true
	j.lastErr = err
	j.mu.Unlock()
	j.release()
	return err
}

func (j *sseJob) Close() error {
	j.closeOnce.Do(func() {
		close(j.done)
		j.release()
	})
	return nil
}

func (j *sseJob) release() {
	j.cancel()
	j.body.Close()
	if j.onClose != nil {
		j.onClose()
	}
}

// errorMessage extracts the message from an "error" event payload, which is
// null, a JSON string or an object with "error"/"message".
func errorMessage(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Error != "" {
			return obj.Error
		}
		return obj.Message
	}
	return string(data)
}
