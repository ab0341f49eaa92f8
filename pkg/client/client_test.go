package client_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/ipwbridge/pkg/client"
	"github.com/jmerrifield20/ipwbridge/pkg/signer"
)

const (
	testUser   = "svc-bridge"
	testPass   = "p@ss word"
	testSecret = "shared-secret"
)

// ── Stub server ─────────────────────────────────────────────────────────

// stubIPW mimics the remote API: it issues tokens, verifies every checksum,
// and can be told to reject tokens.
type stubIPW struct {
	t *testing.T

	mu            sync.Mutex
	authCalls     int
	apiCalls      map[string]int
	issued        int
	valid         map[string]bool
	rejectNext    int  // reject this many upcoming API calls as token-invalid
	alwaysReject  bool // reject every API call as token-invalid
	failStatus    int  // answer API calls with this status when non-zero
	lastQuery     map[string]string
	lastRawQuery  string
	lastBody      []byte
	lastMediaType string
	lastRequest   *http.Request

	srv *httptest.Server
}

func newStub(t *testing.T) *stubIPW {
	t.Helper()
	s := &stubIPW{t: t, apiCalls: map[string]int{}, valid: map[string]bool{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubIPW) baseURL() string { return s.srv.URL + "/api/" }

func (s *stubIPW) newClient(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(client.Credential{
		Username: testUser,
		Password: testPass,
		Secret:   testSecret,
		BaseURL:  s.baseURL(),
	}, opts...)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

func (s *stubIPW) counts() (auth, api int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.apiCalls {
		api += n
	}
	return s.authCalls, api
}

func (s *stubIPW) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	endpoint := strings.TrimPrefix(r.URL.Path, "/api/")

	q := map[string]string{}
	var p signer.Params
	for _, kv := range strings.Split(r.URL.RawQuery, "&") {
		k, v, _ := strings.Cut(kv, "=")
		k = unescape(k)
		v = unescape(v)
		q[k] = v
		if k != "checksum" {
			p.Add(k, v)
		}
	}

	var signed []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		signed = body
	}
	want, err := signer.Sign(p, testSecret, signed)
	if err != nil || want != q["checksum"] {
		http.Error(w, `{"error":"Checksum mismatch"}`, http.StatusForbidden)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if endpoint == "authenticate" {
		s.authCalls++
		if q["user"] != testUser || q["pass"] != testPass || q["site"] != "1" {
			http.Error(w, `{"success":"false","error":"Invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		s.issued++
		tok := fmt.Sprintf("srv-tok-%d", s.issued)
		s.valid[tok] = true
		fmt.Fprintf(w, `{"success":"true","token":%q}`, tok)
		return
	}

	s.apiCalls[endpoint]++
	s.lastQuery = q
	s.lastRawQuery = r.URL.RawQuery
	s.lastBody = body
	s.lastMediaType = r.Header.Get("Content-Type")
	s.lastRequest = r.Clone(context.Background())
	s.lastRequest.Body = io.NopCloser(bytes.NewReader(body))

	if s.alwaysReject || s.rejectNext > 0 || !s.valid[q["token"]] {
		if s.rejectNext > 0 {
			s.rejectNext--
		}
		http.Error(w, `{"error":"Token doesn't exist in the database"}`, http.StatusBadRequest)
		return
	}
	if s.failStatus != 0 {
		http.Error(w, `{"error":"boom"}`, s.failStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"endpoint":%q}`, endpoint)
}

func unescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestDatatypes_success(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	res, err := c.Datatypes(context.Background())
	if err != nil {
		t.Fatalf("Datatypes: %v", err)
	}
	if string(res) != `{"endpoint":"datatypes"}` {
		t.Errorf("unexpected body: %s", res)
	}
	if auth, api := s.counts(); auth != 1 || api != 1 {
		t.Errorf("calls: auth=%d api=%d, want 1/1", auth, api)
	}
}

func TestToken_reusedAcrossCalls(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Read(ctx, 7); err != nil {
			t.Fatal(err)
		}
	}
	if auth, _ := s.counts(); auth != 1 {
		t.Errorf("expected one authentication for three calls, got %d", auth)
	}
}

func TestRetry_refreshesOnceOnTokenRejection(t *testing.T) {
	s := newStub(t)
	s.rejectNext = 1
	c := s.newClient(t)

	if _, err := c.Explain(context.Background(), "person"); err != nil {
		t.Fatalf("Explain: %v", err)
	}
	auth, api := s.counts()
	if api != 2 {
		t.Errorf("API calls: got %d, want 2", api)
	}
	if auth != 2 {
		t.Errorf("authentications: got %d, want 2 (initial + refresh)", auth)
	}
	if got := s.lastQuery["token"]; got != "srv-tok-2" {
		t.Errorf("retry must carry the refreshed token, got %q", got)
	}
}

func TestRetry_secondRejectionIsAuthFailure(t *testing.T) {
	s := newStub(t)
	s.alwaysReject = true
	c := s.newClient(t)

	_, err := c.Datatypes(context.Background())
	if !errors.Is(err, client.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if _, api := s.counts(); api != 2 {
		t.Errorf("API calls: got %d, want exactly 2", api)
	}
}

func TestRetry_expiredServerSideToken(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)
	ctx := context.Background()

	if _, err := c.Datatypes(ctx); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.valid = map[string]bool{} // server forgets every session
	s.mu.Unlock()

	if _, err := c.Datatypes(ctx); err != nil {
		t.Fatalf("expected transparent re-authentication, got %v", err)
	}
	if auth, api := s.counts(); auth != 2 || api != 3 {
		t.Errorf("calls: auth=%d api=%d, want 2/3", auth, api)
	}
}

func TestRemoteError(t *testing.T) {
	s := newStub(t)
	s.failStatus = http.StatusInternalServerError
	c := s.newClient(t)

	_, err := c.Read(context.Background(), 42)
	var re *client.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if re.Status != http.StatusInternalServerError || re.Endpoint != "read" {
		t.Errorf("unexpected RemoteError: %+v", re)
	}
	if !strings.Contains(re.Body, "boom") {
		t.Errorf("body not preserved: %q", re.Body)
	}
	if _, api := s.counts(); api != 1 {
		t.Errorf("remote errors must not be retried, got %d calls", api)
	}
}

func TestAuthentication_rejectedCredentials(t *testing.T) {
	s := newStub(t)
	c, err := client.New(client.Credential{
		Username: "intruder",
		Password: "wrong",
		Secret:   testSecret,
		BaseURL:  s.baseURL(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Datatypes(context.Background())
	if !errors.Is(err, client.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	var ae *client.AuthError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnauthorized {
		t.Errorf("expected AuthError with 401, got %#v", err)
	}
	if _, api := s.counts(); api != 0 {
		t.Errorf("no API call may follow a failed authentication, got %d", api)
	}
}

func TestAuthentication_successFlagForms(t *testing.T) {
	cases := []struct {
		body string
		ok   bool
	}{
		{`{"success":true,"token":"a"}`, true},
		{`{"success":"true","token":"a"}`, true},
		{`{"success":"True","token":"a"}`, true},
		{`{"success":1,"token":"a"}`, true},
		{`{"success":"false","token":"a"}`, false},
		{`{"success":false,"token":"a"}`, false},
		{`{"success":true,"token":""}`, false},
		{`{"success":true}`, false},
		{`not json`, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/authenticate") {
				io.WriteString(w, tc.body)
				return
			}
			io.WriteString(w, `[]`)
		}))

		c := client.MustNew(client.Credential{Username: "u", Password: "p", Secret: "s", BaseURL: srv.URL})
		_, err := c.Datatypes(context.Background())
		srv.Close()

		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.body, err)
		}
		if !tc.ok && !errors.Is(err, client.ErrAuthenticationFailed) {
			t.Errorf("%s: expected ErrAuthenticationFailed, got %v", tc.body, err)
		}
	}
}

func TestList_defaults(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	if _, err := c.List(context.Background(), client.NewListQuery("person")); err != nil {
		t.Fatalf("List: %v", err)
	}

	q := s.lastQuery
	want := map[string]string{
		"datatype":    "person",
		"fields":      "",
		"limit":       "20",
		"offset":      "0",
		"searchandor": "AND",
		"searchfield": "created",
		"searchcomp":  "GREATEREQUAL",
	}
	for k, v := range want {
		if q[k] != v {
			t.Errorf("%s: got %q, want %q", k, q[k], v)
		}
	}

	from, err := time.Parse("2006-01-02", q["search"])
	if err != nil {
		t.Fatalf("search is not a date: %q", q["search"])
	}
	if age := time.Since(from); age < 29*24*time.Hour || age > 31*24*time.Hour {
		t.Errorf("search date %s is not about 30 days ago", q["search"])
	}
}

func TestList_searchValueWins(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	q := client.NewListQuery("invoice")
	q.SearchValue = "ACME Corp"
	q.SearchField = "customer"
	q.SearchOperation = "EQUAL"
	q.Limit, q.Offset = 5, 10
	if _, err := c.List(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if got := s.lastQuery["search"]; got != "ACME Corp" {
		t.Errorf("search: got %q", got)
	}
	if !strings.Contains(s.lastRawQuery, "search=ACME%20Corp") {
		t.Errorf("space must be escaped as %%20: %s", s.lastRawQuery)
	}
	if s.lastQuery["limit"] != "5" || s.lastQuery["offset"] != "10" {
		t.Errorf("paging not sent: %v", s.lastQuery)
	}
}

func TestList_negativePagingRejected(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	for _, q := range []client.ListQuery{{Datatype: "x", Limit: -1}, {Datatype: "x", Offset: -3}} {
		if _, err := c.List(context.Background(), q); !errors.Is(err, client.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for %+v, got %v", q, err)
		}
	}
	if auth, api := s.counts(); auth != 0 || api != 0 {
		t.Errorf("validation must precede network calls: auth=%d api=%d", auth, api)
	}
}

func TestExplain_escapesDatatype(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	if _, err := c.Explain(context.Background(), "a b&c"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.lastRawQuery, "datatype=a%20b%26c") {
		t.Errorf("unexpected query: %s", s.lastRawQuery)
	}
}

func TestModel_signsPayload(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	id := 99
	payload := json.RawMessage(`{"name":"Bob","age":42,"active":true}`)
	_, err := c.Model(context.Background(), client.ModelRequest{
		Datatype: "person",
		Op:       client.OpUpdate,
		ObjectID: &id,
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("Model: %v", err)
	}

	if s.lastRequest.Method != http.MethodPost {
		t.Errorf("method: got %s", s.lastRequest.Method)
	}
	if !strings.HasPrefix(s.lastMediaType, "application/json") {
		t.Errorf("content type: got %q", s.lastMediaType)
	}
	if !bytes.Equal(s.lastBody, payload) {
		t.Errorf("body: got %s", s.lastBody)
	}
	if s.lastQuery["model"] != "update" || s.lastQuery["objectid"] != "99" {
		t.Errorf("query: %v", s.lastQuery)
	}
}

func TestModel_validation(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)
	ctx := context.Background()

	_, err := c.Model(ctx, client.ModelRequest{Datatype: "person", Op: client.OpDelete})
	if !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("delete without id: got %v", err)
	}
	_, err = c.Model(ctx, client.ModelRequest{Datatype: "person", Op: "merge", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, client.ErrInvalidArgument) {
		t.Errorf("unknown op: got %v", err)
	}
	_, err = c.Model(ctx, client.ModelRequest{Datatype: "person", Op: client.OpCreate, Payload: json.RawMessage(`[1]`)})
	if !errors.Is(err, client.ErrMalformedPayload) {
		t.Errorf("array payload: got %v", err)
	}

	if auth, api := s.counts(); auth != 0 || api != 0 {
		t.Errorf("validation must precede network calls: auth=%d api=%d", auth, api)
	}
}

func TestUpload_emptyBatch(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	_, err := c.Upload(context.Background(), client.UploadBatch{ParentID: 1})
	if !errors.Is(err, client.ErrEmptyUploadBatch) {
		t.Fatalf("expected ErrEmptyUploadBatch, got %v", err)
	}
	if auth, api := s.counts(); auth != 0 || api != 0 {
		t.Errorf("empty batch must make no calls: auth=%d api=%d", auth, api)
	}
}

func TestUpload_invalidFiles(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	cases := map[string]map[string]io.ReadSeeker{
		"reserved token":    {"token": strings.NewReader("x")},
		"reserved checksum": {"Checksum": strings.NewReader("x")},
		"reserved parentid": {"parentid": strings.NewReader("x")},
		"empty name":        {" ": strings.NewReader("x")},
		"nil stream":        {"scan": nil},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Upload(context.Background(), client.UploadBatch{ParentID: 1, Files: files})
			if !errors.Is(err, client.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if auth, api := s.counts(); auth != 0 || api != 0 {
		t.Errorf("invalid batches must make no calls: auth=%d api=%d", auth, api)
	}
}

func TestUpload_multipart(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	big := bytes.Repeat([]byte("0123456789abcdef"), 40) // 640 bytes
	small := []byte("short note")
	files := map[string]io.ReadSeeker{
		"scan": bytes.NewReader(big),
		"note": bytes.NewReader(small),
	}

	if _, err := c.Upload(context.Background(), client.UploadBatch{ParentID: 12, Files: files}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if s.lastQuery["parentid"] != "12" {
		t.Errorf("parentid: got %q", s.lastQuery["parentid"])
	}
	bigSum := sha1.Sum(big[:256])
	smallSum := sha1.Sum(small)
	if got := s.lastQuery["scan"]; got != hex.EncodeToString(bigSum[:]) {
		t.Errorf("scan checksum: got %q", got)
	}
	if got := s.lastQuery["note"]; got != hex.EncodeToString(smallSum[:]) {
		t.Errorf("note checksum: got %q", got)
	}

	if err := s.lastRequest.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse multipart: %v", err)
	}
	for name, want := range map[string][]byte{"scan": big, "note": small} {
		fhs := s.lastRequest.MultipartForm.File[name]
		if len(fhs) != 1 {
			t.Fatalf("part %q: got %d files", name, len(fhs))
		}
		if _, err := uuid.Parse(fhs[0].Filename); err != nil {
			t.Errorf("part %q: filename %q is not a UUID", name, fhs[0].Filename)
		}
		f, _ := fhs[0].Open()
		got, _ := io.ReadAll(f)
		f.Close()
		if !bytes.Equal(got, want) {
			t.Errorf("part %q: content mismatch (%d bytes)", name, len(got))
		}
	}

	for name, r := range files {
		if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
			t.Errorf("stream %q left at offset %d", name, pos)
		}
	}
}

func TestConcurrentCalls_authenticateOnce(t *testing.T) {
	s := newStub(t)
	c := s.newClient(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Read(context.Background(), i); err != nil {
				t.Errorf("Read(%d): %v", i, err)
			}
		}()
	}
	wg.Wait()

	if auth, api := s.counts(); auth != 1 || api != 20 {
		t.Errorf("calls: auth=%d api=%d, want 1/20", auth, api)
	}
}

func TestInvalidResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/authenticate") {
			io.WriteString(w, `{"success":"true","token":"t"}`)
			return
		}
		io.WriteString(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	c := client.MustNew(client.Credential{Username: "u", Password: "p", Secret: "s", BaseURL: srv.URL})
	if _, err := c.Datatypes(context.Background()); !errors.Is(err, client.ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestNew_invalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "ipw.example.com", "ftp://ipw.example.com/"} {
		_, err := client.New(client.Credential{BaseURL: base})
		if !errors.Is(err, client.ErrInvalidArgument) {
			t.Errorf("%q: expected ErrInvalidArgument, got %v", base, err)
		}
	}
}
