package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmerrifield20/ipwbridge/pkg/signer"
)

// authResponse is the body of a successful authenticate call.
type authResponse struct {
	Success flag   `json:"success"`
	Token   string `json:"token"`
}

// flag decodes the loosely typed "success" field: true, "true" in any case, or 1.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("1")):
		*f = true
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		*f = flag(strings.EqualFold(s, "true") || s == "1")
	default:
		*f = false
	}
	return nil
}

// httpAuthenticator exchanges the client credential for a session token.
type httpAuthenticator struct {
	c *Client
}

func (a *httpAuthenticator) Authenticate(ctx context.Context) (string, error) {
	c := a.c
	var p signer.Params
	p.Add("pass", c.cred.Password)
	p.Add("site", "1")
	p.Add("user", c.cred.Username)

	sum, err := signer.Sign(p, c.cred.Secret, nil)
	if err != nil {
		return "", &AuthError{Reason: "sign request", Err: err}
	}
	p.Add("checksum", sum)

	if err := c.wait(ctx); err != nil {
		return "", &AuthError{Reason: "rate limit", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL(endpointAuthenticate, p), nil)
	if err != nil {
		return "", &AuthError{Reason: "build request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Reason: "HTTP request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", &AuthError{Status: resp.StatusCode, Reason: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "credentials rejected"}
	}

	var out authResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "decode response", Err: err}
	}
	if !out.Success || out.Token == "" {
		return "", &AuthError{
			Status: resp.StatusCode,
			Body:   string(body),
			Reason: fmt.Sprintf("unsuccessful response (success=%t, token present=%t)", bool(out.Success), out.Token != ""),
		}
	}
	return out.Token, nil
}
