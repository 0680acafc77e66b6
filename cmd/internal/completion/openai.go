package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"frugalgpt/cmd/internal/credential"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultNamerModel = "gpt-4o-mini"
	maxErrorBody      = 4096
	maxNameRunes      = 80
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	// BaseURL defaults to the public OpenAI API.
	BaseURL string
	// DefaultAssistantID is used when the user's credential carries none.
	DefaultAssistantID string
	// NamerModel is the chat model used to name new conversations.
	NamerModel string
	// RequestTimeout bounds non-streaming calls (thread/message creation, naming).
	RequestTimeout time.Duration
}

// OpenAIClient is a Service and Namer over the OpenAI Assistants API.
//
// A turn is three calls: create the thread (new conversations only), add
// the user message, then start a streaming run. The thread id is the
// conversation identity.
type OpenAIClient struct {
	cfg  OpenAIConfig
	http *http.Client
	log  *slog.Logger
}

// NewOpenAIClient constructs an OpenAIClient. A nil http client uses a
// client without an overall timeout, since runs stream for as long as the
// reply takes.
func NewOpenAIClient(cfg OpenAIConfig, hc *http.Client, log *slog.Logger) *OpenAIClient {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.NamerModel) == "" {
		cfg.NamerModel = defaultNamerModel
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIClient{cfg: cfg, http: hc, log: log}
}

// Start implements Service.
func (c *OpenAIClient) Start(ctx context.Context, req Request) (Turn, error) {
	key := strings.TrimSpace(req.Credential.APIKey)
	if key == "" {
		return Turn{}, fmt.Errorf("%w: missing api key", ErrInvalidCredential)
	}
	assistant := strings.TrimSpace(req.Credential.AssistantID)
	if assistant == "" {
		assistant = c.cfg.DefaultAssistantID
	}
	if assistant == "" {
		return Turn{}, fmt.Errorf("%w: missing assistant id", ErrInvalidCredential)
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		var thread struct {
			ID string `json:"id"`
		}
		if err := c.doJSON(ctx, http.MethodPost, "/threads", key, struct{}{}, &thread); err != nil {
			return Turn{}, &StartError{Phase: PhaseThread, Err: fmt.Errorf("create thread: %w", err)}
		}
		if thread.ID == "" {
			return Turn{}, &StartError{Phase: PhaseThread, Err: fmt.Errorf("%w: thread without id", ErrTransport)}
		}
		identity = thread.ID
		c.log.Debug("completion.thread.create", "identity", identity)
	}

	if !req.MessagePosted {
		msg := map[string]any{"role": "user", "content": req.Content}
		if err := c.doJSON(ctx, http.MethodPost, "/threads/"+identity+"/messages", key, msg, nil); err != nil {
			return Turn{}, &StartError{Phase: PhaseMessage, Identity: identity, Err: fmt.Errorf("add message: %w", err)}
		}
	}

	runFail := func(err error) error {
		return &StartError{Phase: PhaseRun, Identity: identity, Err: err}
	}
	body, err := json.Marshal(map[string]any{"assistant_id": assistant, "stream": true})
	if err != nil {
		return Turn{}, runFail(err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/threads/"+identity+"/runs", bytes.NewReader(body))
	if err != nil {
		return Turn{}, runFail(err)
	}
	c.setHeaders(hreq, key)
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Turn{}, runFail(transportErr(ctx, err))
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return Turn{}, runFail(fmt.Errorf("start run: %w", statusErr(resp)))
	}

	c.log.Debug("completion.run.start", "identity", identity)
	return Turn{Identity: identity, Stream: newSSEStream(resp.Body, c.log)}, nil
}

// Name implements Namer with a single chat completion.
func (c *OpenAIClient) Name(ctx context.Context, cred credential.Credential, firstMessage string) (string, error) {
	key := strings.TrimSpace(cred.APIKey)
	if key == "" {
		return "", fmt.Errorf("%w: missing api key", ErrInvalidCredential)
	}

	in := map[string]any{
		"model": c.cfg.NamerModel,
		"messages": []map[string]string{
			{"role": "system", "content": "Write a title of at most six words for a conversation that starts with the user's message. Reply with the title only."},
			{"role": "user", "content": firstMessage},
		},
		"max_tokens": 24,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", key, in, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return cleanName(out.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) doJSON(parent context.Context, method, path, key string, in, out any) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req, key)

	resp, err := c.http.Do(req)
	if err != nil {
		// Our own timeout is a transport fault; the caller's cancellation is not.
		return transportErr(parent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusErr(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return nil
}

func (c *OpenAIClient) setHeaders(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

func transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// statusErr maps a non-2xx response to one of the package errors. The body
// snippet is kept for logs; it never contains the request's API key.
func statusErr(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	snippet := strings.TrimSpace(string(raw))

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrInvalidCredential
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case resp.StatusCode >= 500:
		kind = ErrServiceUnavailable
	default:
		kind = ErrRejected
	}
	return fmt.Errorf("%w: status %d: %s", kind, resp.StatusCode, snippet)
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”")
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxNameRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxNameRunes]))
	}
	return s
}

var _ Service = (*OpenAIClient)(nil)
var _ Namer = (*OpenAIClient)(nil)
