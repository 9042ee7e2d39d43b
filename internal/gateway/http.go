package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/conveyor/internal/httputil"
)

// HTTPTransport reaches the services through a JSON-over-HTTP gateway:
//
//	GET  {base}/exists?service=NAME  -> {"exists": bool}
//	POST {base}/call?service=NAME    -> {"success": bool, "message": string}
type HTTPTransport struct {
	base   string
	client httputil.HTTPClient
}

// NewHTTPTransport returns a transport for the gateway at baseURL.
func NewHTTPTransport(baseURL string, client httputil.HTTPClient) *HTTPTransport {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPTransport{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) endpoint(path, service string) string {
	return t.base + path + "?service=" + url.QueryEscape(service)
}

// Exists reports whether the gateway accepts calls for service. A gateway
// that cannot be reached reports false without error.
func (t *HTTPTransport) Exists(ctx context.Context, service string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("/exists", service), nil)
	if err != nil {
		return false, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode exists response: %w", err)
	}
	return body.Exists, nil
}

// Call posts args to service.
func (t *HTTPTransport) Call(ctx context.Context, service string, args map[string]any) (Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s request: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("/call", service), bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s call failed: %w", service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("%s call failed: status %d: %s", service, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("failed to decode %s response: %w", service, err)
	}
	return res, nil
}

// NewHTTPHandler serves backend with the same protocol HTTPTransport speaks.
func NewHTTPHandler(backend Transport) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/exists", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		ok, err := backend.Exists(r.Context(), r.URL.Query().Get("service"))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"exists": ok})
	})
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		service := r.URL.Query().Get("service")
		if service == "" {
			httputil.BadRequest(w, "missing service")
			return
		}
		args := map[string]any{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&args); err != nil && err != io.EOF {
				httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
				return
			}
		}
		res, err := backend.Call(r.Context(), service, args)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	})
	return mux
}
