package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// request is the wire body of one request.
type request struct {
	Document Document `json:"document"`
	Vars     Vars     `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []responseError `json:"errors,omitempty"`
}

type responseError struct {
	Message string `json:"message"`
}

// HTTPClient posts requests to a single endpoint.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	token    string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClient) {
		h.token = token
	}
}

// NewHTTPClient creates a client for endpoint (e.g. http://host:4000/request).
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, doc Document, vars Vars) (json.RawMessage, error) {
	body, err := json.Marshal(request{Document: doc, Vars: vars})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", doc, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", doc, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", doc, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", doc, err)
	}
	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s response (status %d): %w", doc, resp.StatusCode, err)
	}
	if len(out.Errors) > 0 {
		e := &Error{Document: doc}
		for _, m := range out.Errors {
			e.Messages = append(e.Messages, m.Message)
		}
		return nil, e
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: unexpected status %d", doc, resp.StatusCode)
	}
	return out.Data, nil
}

// Handler serves requests for an executor, typically the authority.
//
// Remote rejections are answered 200 with an errors list; malformed bodies
// 400; anything else 500.
func Handler(exec Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeResponse(w, http.StatusMethodNotAllowed, response{Errors: []responseError{{Message: "method not allowed"}}})
			return
		}
		var req request
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, response{Errors: []responseError{{Message: "invalid request body: " + err.Error()}}})
			return
		}

		data, err := exec.Request(r.Context(), req.Document, req.Vars)
		if err != nil {
			status := http.StatusInternalServerError
			var re *Error
			if errors.As(err, &re) {
				status = http.StatusOK
				resp := response{}
				for _, m := range re.Messages {
					resp.Errors = append(resp.Errors, responseError{Message: m})
				}
				writeResponse(w, status, resp)
				return
			}
			slog.Error("request failed", "document", req.Document, "error", err)
			writeResponse(w, status, response{Errors: []responseError{{Message: err.Error()}}})
			return
		}
		writeResponse(w, http.StatusOK, response{Data: data})
	})
}

func writeResponse(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
