// Package signer computes the request checksums expected by the IPW API.
//
// Every signed request carries a "checksum" parameter: an HMAC-SHA1 over the
// request's parameters (and, for model calls, the top-level fields of the JSON
// body), canonicalized so that client and server derive the same bytes.
//
//	p := signer.Params{}
//	p.Add("datatype", "person")
//	p.Add("token", token)
//	sum, err := signer.Sign(p, secret, nil)
//	p.Add("checksum", sum)
//
// Key casing, ordering and concatenation format are part of the wire contract.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // mandated by the remote API
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
)

// ErrMalformedPayload is returned when a JSON body passed to Sign is not a JSON object.
var ErrMalformedPayload = errors.New("signer: malformed JSON payload")

// Param is a single request parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter set. Order only matters for the query
// string; signing sorts its own copy.
type Params []Param

// Add appends a key/value pair.
func (p *Params) Add(key, value string) {
	*p = append(*p, Param{Key: key, Value: value})
}

// Get returns the first value for key, or "" when absent.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	return append(Params(nil), p...)
}

// Encode renders p as a query string in insertion order. Values are escaped
// as RFC 3986 data strings, so a space becomes %20 rather than '+'.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(kv.Key))
		b.WriteByte('=')
		b.WriteString(escape(kv.Value))
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Sign returns the lowercase hex HMAC-SHA1 of the canonical message built
// from params and body, keyed by secret.
func Sign(params Params, secret string, body []byte) (string, error) {
	msg, err := Message(params, body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Message returns the canonical string that Sign hashes: every pair sorted
// by lower-cased key and concatenated as lower(key)+value.
func Message(params Params, body []byte) (string, error) {
	pairs := params.Clone()
	if len(bytes.TrimSpace(body)) > 0 {
		fields, err := Fields(body)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, fields...)
	}

	slices.SortStableFunc(pairs, func(a, b Param) int {
		return strings.Compare(strings.ToLower(a.Key), strings.ToLower(b.Key))
	})

	var b strings.Builder
	for _, kv := range pairs {
		b.WriteString(strings.ToLower(kv.Key))
		b.WriteString(kv.Value)
	}
	return b.String(), nil
}

// Fields flattens the top-level members of a JSON object into pairs.
// Strings are unquoted, numbers and nested values keep their literal JSON
// text, booleans become "True"/"False" and null becomes "".
func Fields(body []byte) (Params, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrMalformedPayload)
	}

	var out Params
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, key, err)
		}
		val, err := stringify(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, key, err)
		}
		out.Add(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}
	return out, nil
}

func stringify(raw json.RawMessage) (string, error) {
	switch t := bytes.TrimSpace(raw); {
	case len(t) == 0:
		return "", nil
	case t[0] == '"':
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return "", err
		}
		return s, nil
	case bytes.Equal(t, []byte("true")):
		return "True", nil
	case bytes.Equal(t, []byte("false")):
		return "False", nil
	case bytes.Equal(t, []byte("null")):
		return "", nil
	default:
		return string(t), nil
	}
}
