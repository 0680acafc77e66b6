package app

import (
	"net/http"
	"testing"
	"time"
)

func TestStartupURLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr     string
		wantHTTP string
		wantWS   string
	}{
		{addr: "127.0.0.1:8080", wantHTTP: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080/ws"},
		{addr: "0.0.0.0:8080", wantHTTP: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080/ws"},
		{addr: ":9090", wantHTTP: "http://127.0.0.1:9090", wantWS: "ws://127.0.0.1:9090/ws"},
		{addr: "[::]:9090", wantHTTP: "http://127.0.0.1:9090", wantWS: "ws://127.0.0.1:9090/ws"},
		{addr: "[2001:db8::1]:9090", wantHTTP: "http://[2001:db8::1]:9090", wantWS: "ws://[2001:db8::1]:9090/ws"},
		{addr: "chat.internal", wantHTTP: "http://chat.internal", wantWS: "ws://chat.internal/ws"},
	}
	for _, tc := range cases {
		base := runtimeBaseURL(tc.addr)
		if base != tc.wantHTTP {
			t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.addr, base, tc.wantHTTP)
		}
		if got := wsBaseURL(base) + "/ws"; got != tc.wantWS {
			t.Fatalf("ws url for %q=%q want=%q", tc.addr, got, tc.wantWS)
		}
	}
	if got := wsBaseURL("https://chat.example.com"); got != "wss://chat.example.com" {
		t.Fatalf("wsBaseURL(https)=%q", got)
	}
}

func TestCompletionHTTPClient_StreamsWithoutOverallTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CompletionDialTimeout:  3 * time.Second,
		CompletionTLSHandshake: 4 * time.Second,
		CompletionHTTPTimeout:  20 * time.Second,
	}
	c := completionHTTPClient(cfg)
	if c.Timeout != 0 {
		t.Fatalf("client timeout=%s; streamed runs must not be cut off", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport=%T", c.Transport)
	}
	if tr.TLSHandshakeTimeout != cfg.CompletionTLSHandshake || tr.ResponseHeaderTimeout != cfg.CompletionHTTPTimeout {
		t.Fatalf("tls=%s header=%s", tr.TLSHandshakeTimeout, tr.ResponseHeaderTimeout)
	}
	if tr.DialContext == nil {
		t.Fatalf("dialer not set")
	}
}

func TestNonZeroDefaults(t *testing.T) {
	t.Parallel()

	if got := nonZeroDuration(0, time.Second); got != time.Second {
		t.Fatalf("nonZeroDuration(0)=%s", got)
	}
	if got := nonZeroDuration(-time.Second, time.Second); got != time.Second {
		t.Fatalf("nonZeroDuration(<0)=%s", got)
	}
	if got := nonZeroDuration(2*time.Second, time.Second); got != 2*time.Second {
		t.Fatalf("nonZeroDuration(2s)=%s", got)
	}
	if got := nonZeroInt(0, 7); got != 7 {
		t.Fatalf("nonZeroInt(0)=%d", got)
	}
	if got := nonZeroInt(3, 7); got != 3 {
		t.Fatalf("nonZeroInt(3)=%d", got)
	}
}
