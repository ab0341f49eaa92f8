// Package client is the Go SDK for the IPW object API.
//
// Every request carries a session token and an HMAC checksum computed by
// package signer. The client obtains the token lazily, shares it across all
// goroutines, and re-authenticates at most once per call when the server
// reports the token as unknown.
//
// # Connecting
//
//	c, err := client.New(client.Credential{
//	    Username: "svc-bridge",
//	    Password: os.Getenv("IPW_PASSWORD"),
//	    Secret:   os.Getenv("IPW_CHECKSUM_SECRET"),
//	    BaseURL:  "https://ipw.example.com/api/",
//	},
//	    client.WithLogger(logger),
//	    client.WithRateLimit(10, 5),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Reading
//
//	types, err := c.Datatypes(ctx)
//	schema, err := c.Explain(ctx, "person")
//
//	q := client.NewListQuery("person") // 20 objects created in the last 30 days
//	q.Fields = "name,email"
//	people, err := c.List(ctx, q)
//
//	obj, err := c.Read(ctx, 4711)
//
// Results are returned as json.RawMessage; decode them into whatever shape
// the datatype has.
//
// # Writing
//
//	id := 4711
//	_, err = c.Model(ctx, client.ModelRequest{
//	    Datatype: "person",
//	    Op:       client.OpUpdate,
//	    ObjectID: &id,
//	    Payload:  json.RawMessage(`{"email":"bob@example.com"}`),
//	})
//
// The payload must be a JSON object; its top-level fields are folded into
// the request checksum.
//
// # Uploading files
//
//	f, _ := os.Open("scan.pdf")
//	defer f.Close()
//	_, err = c.Upload(ctx, client.UploadBatch{
//	    ParentID: 4711,
//	    Files:    map[string]io.ReadSeeker{"scan": f},
//	})
//
// Each stream is read twice: once for its 256-byte sample checksum and once
// for the multipart body.
//
// # Token management
//
// Tokens are reused for 25 minutes (WithTokenTTL) and never refreshed ahead
// of time. Concurrent callers that find the cache empty wait on a single
// authentication. For direct control:
//
//	tok, err := c.Tokens().Get(ctx)
//	tok, err = c.Tokens().ForceRefresh(ctx)
//
// The cache also satisfies oauth2.TokenSource through Tokens().TokenSource(ctx).
//
// # Errors
//
//	errors.Is(err, client.ErrAuthenticationFailed) // credentials or token rejected
//	errors.Is(err, client.ErrInvalidArgument)       // rejected before any request
//	errors.Is(err, client.ErrMalformedPayload)      // model payload not a JSON object
//	errors.Is(err, client.ErrEmptyUploadBatch)
//
//	var re *client.RemoteError
//	if errors.As(err, &re) {
//	    log.Printf("%s returned %d: %s", re.Endpoint, re.Status, re.Body)
//	}
package client
