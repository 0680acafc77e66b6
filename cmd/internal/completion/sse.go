package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"frugalgpt/cmd/internal/chat"
)

const maxSSELine = 1024 * 1024

type streamItem struct {
	ev  chat.StreamEvent
	err error
}

// sseStream adapts an Assistants run event stream to Stream.
//
// A reader goroutine parses the body and hands events over an unbuffered
// channel, so Next can honor ctx while the body read blocks. Next is meant
// for a single consumer.
type sseStream struct {
	body io.ReadCloser
	log  *slog.Logger

	items     chan streamItem
	done      chan struct{}
	closeOnce sync.Once

	finished bool
	err      error
}

func newSSEStream(body io.ReadCloser, log *slog.Logger) *sseStream {
	s := &sseStream{
		body:  body,
		log:   log,
		items: make(chan streamItem),
		done:  make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *sseStream) Next(ctx context.Context) (chat.StreamEvent, error) {
	if s.finished {
		if s.err != nil {
			return chat.StreamEvent{}, s.err
		}
		return chat.StreamEvent{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return chat.StreamEvent{}, ctx.Err()
	case it, ok := <-s.items:
		if !ok {
			s.finished = true
			return chat.StreamEvent{}, io.EOF
		}
		if it.err != nil {
			s.finished, s.err = true, it.err
			return chat.StreamEvent{}, it.err
		}
		if it.ev.Kind == chat.EventTurnEnded {
			s.finished = true
		}
		return it.ev, nil
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) emit(it streamItem) bool {
	select {
	case s.items <- it:
		return true
	case <-s.done:
		return false
	}
}

func (s *sseStream) read() {
	defer close(s.items)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	dec := newRunDecoder()
	var (
		name string
		data bytes.Buffer
	)

	dispatch := func() bool {
		if name == "" && data.Len() == 0 {
			return true
		}
		evs, terminal, err := dec.decode(name, data.Bytes())
		name = ""
		data.Reset()
		if err != nil {
			s.emit(streamItem{err: err})
			return false
		}
		for _, ev := range evs {
			if !s.emit(streamItem{ev: ev}) {
				return false
			}
		}
		return !terminal
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	// A final event without its trailing blank line still counts.
	if !dispatch() {
		return
	}

	err := scanner.Err()
	select {
	case <-s.done:
		return
	default:
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.log.Warn("completion.stream.truncated", "err", err)
	s.emit(streamItem{err: fmt.Errorf("%w: stream ended before run completed: %v", ErrTransport, err)})
}

// runDecoder maps Assistants stream events to chat.StreamEvent values.
type runDecoder struct {
	seenTools map[string]struct{}
}

func newRunDecoder() *runDecoder {
	return &runDecoder{seenTools: make(map[string]struct{})}
}

type wireToolCall struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
}

type wireStepDetails struct {
	Type      string         `json:"type"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decode returns the events for one SSE event and whether it terminates the stream.
func (d *runDecoder) decode(name string, data []byte) ([]chat.StreamEvent, bool, error) {
	switch name {
	case "thread.message.created":
		var m struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, true, malformed(name, err)
		}
		if m.Role != "" && m.Role != "assistant" {
			return nil, false, nil
		}
		return []chat.StreamEvent{chat.TurnStarted()}, false, nil

	case "thread.message.delta":
		var m struct {
			Delta struct {
				Content []struct {
					Type string `json:"type"`
					Text struct {
						Value string `json:"value"`
					} `json:"text"`
				} `json:"content"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, true, malformed(name, err)
		}
		var out []chat.StreamEvent
		for _, c := range m.Delta.Content {
			if c.Type == "text" && c.Text.Value != "" {
				out = append(out, chat.TextDelta(c.Text.Value))
			}
		}
		return out, false, nil

	case "thread.run.step.created":
		var m struct {
			ID          string          `json:"id"`
			StepDetails wireStepDetails `json:"step_details"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, true, malformed(name, err)
		}
		// Full step objects carry no per-call index; position is the index.
		for i := range m.StepDetails.ToolCalls {
			m.StepDetails.ToolCalls[i].Index = i
		}
		return d.tools(m.ID, m.StepDetails), false, nil

	case "thread.run.step.delta":
		var m struct {
			ID    string `json:"id"`
			Delta struct {
				StepDetails wireStepDetails `json:"step_details"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, true, malformed(name, err)
		}
		return d.tools(m.ID, m.Delta.StepDetails), false, nil

	case "thread.run.completed":
		return []chat.StreamEvent{chat.TurnEnded()}, true, nil

	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired", "thread.run.incomplete":
		var m struct {
			LastError *wireLastError `json:"last_error"`
		}
		_ = json.Unmarshal(data, &m)
		return nil, true, runErr(name, m.LastError)

	case "thread.run.requires_action":
		return nil, true, fmt.Errorf("%w: run requires client-side tool outputs", ErrRunFailed)

	case "error":
		var m wireLastError
		_ = json.Unmarshal(data, &m)
		return nil, true, runErr(name, &m)

	case "done":
		// [DONE] without thread.run.completed is a truncated run.
		return nil, true, fmt.Errorf("%w: done before run completed", ErrTransport)

	default:
		return nil, false, nil
	}
}

func (d *runDecoder) tools(stepID string, sd wireStepDetails) []chat.StreamEvent {
	if sd.Type != "tool_calls" {
		return nil
	}
	var out []chat.StreamEvent
	for _, tc := range sd.ToolCalls {
		// Only the first chunk of a call carries its type.
		if tc.Type == "" {
			continue
		}
		key := stepID + "#" + strconv.Itoa(tc.Index)
		if _, ok := d.seenTools[key]; ok {
			continue
		}
		d.seenTools[key] = struct{}{}
		out = append(out, chat.ToolInvoked(tc.Type))
	}
	return out
}

func runErr(name string, le *wireLastError) error {
	kind := ErrRunFailed
	msg := name
	if le != nil {
		switch le.Code {
		case "rate_limit_exceeded":
			kind = ErrRateLimited
		case "invalid_api_key":
			kind = ErrInvalidCredential
		case "server_error":
			kind = ErrServiceUnavailable
		}
		if le.Message != "" {
			msg = name + ": " + le.Message
		}
	}
	return fmt.Errorf("%w: %s", kind, msg)
}

func malformed(name string, err error) error {
	return fmt.Errorf("%w: malformed %s event: %v", ErrTransport, name, err)
}
