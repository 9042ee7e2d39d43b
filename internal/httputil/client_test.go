package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)
	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Client.Timeout == 0 {
		t.Error("default client should carry a timeout")
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "hello").AddResponse(http.StatusNotFound, "missing")

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/call", strings.NewReader(`{"power":100}`))
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Errorf("got %d %q, want 200 hello", resp.StatusCode, body)
	}

	req, _ = http.NewRequest(http.MethodGet, "http://example.com/exists", nil)
	resp, _ = mock.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	// exhausted queue falls back to empty 200
	resp, _ = mock.Do(req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if mock.RequestCount() != 3 {
		t.Errorf("RequestCount() = %d, want 3", mock.RequestCount())
	}
	first, firstBody := mock.GetRequest(0)
	if first.Method != http.MethodPost || firstBody != `{"power":100}` {
		t.Errorf("first request = %s %q", first.Method, firstBody)
	}
	if r, _ := mock.GetRequest(10); r != nil {
		t.Error("out of range request should be nil")
	}
}

func TestMockHTTPClient_ErrorResponse(t *testing.T) {
	mock := NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); err == nil {
		t.Error("expected queued error")
	}
}
