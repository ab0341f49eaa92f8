package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/ipwbridge/pkg/signer"
)

const (
	endpointAuthenticate = "authenticate"
	endpointDatatypes    = "datatypes"
	endpointExplain      = "explain"
	endpointList         = "list"
	endpointRead         = "read"
	endpointModel        = "model"
	endpointUpload       = "binfile/upload"
)

// Defaults applied by NewListQuery.
const (
	DefaultListLimit       = 20
	DefaultSearchAndOr     = "AND"
	DefaultSearchField     = "created"
	DefaultSearchOperation = "GREATEREQUAL"
	DefaultListWindow      = 30 * 24 * time.Hour
)

// searchDateLayout is the format of FromDate on the wire.
const searchDateLayout = "2006-01-02"

// ListQuery selects objects of one datatype.
type ListQuery struct {
	Datatype        string
	Fields          string // comma-separated field list, "" for the server default
	Limit           int
	Offset          int
	SearchAndOr     string
	SearchField     string
	SearchOperation string
	SearchValue     string    // takes precedence over FromDate when non-empty
	FromDate        time.Time // sent as yyyy-mm-dd
}

// NewListQuery returns a query for objects of datatype created in the last
// 30 days, 20 at a time.
func NewListQuery(datatype string) ListQuery {
	return ListQuery{
		Datatype:        datatype,
		Limit:           DefaultListLimit,
		SearchAndOr:     DefaultSearchAndOr,
		SearchField:     DefaultSearchField,
		SearchOperation: DefaultSearchOperation,
		FromDate:        time.Now().Add(-DefaultListWindow),
	}
}

// Search returns the value sent as the "search" parameter.
func (q ListQuery) Search() string {
	if q.SearchValue != "" {
		return q.SearchValue
	}
	return q.FromDate.Format(searchDateLayout)
}

func (q ListQuery) validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit %d is negative", ErrInvalidArgument, q.Limit)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset %d is negative", ErrInvalidArgument, q.Offset)
	}
	return nil
}

// ModelOp is a mutation applied by Model.
type ModelOp string

const (
	OpCreate     ModelOp = "create"
	OpUpdate     ModelOp = "update"
	OpDelete     ModelOp = "delete"
	OpCreateCopy ModelOp = "createcopy"
)

// ParseModelOp accepts an operation name in any case.
func ParseModelOp(s string) (ModelOp, error) {
	op := ModelOp(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpCreateCopy:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown model operation %q", ErrInvalidArgument, s)
}

// ModelRequest is a create, update, delete or createcopy on one datatype.
type ModelRequest struct {
	Datatype string
	Op       ModelOp
	Payload  json.RawMessage // must be a JSON object
	ObjectID *int            // required for update and delete
}

// validate checks m and returns its normalized operation.
func (m ModelRequest) validate() (ModelOp, error) {
	op, err := ParseModelOp(string(m.Op))
	if err != nil {
		return "", err
	}
	if m.ObjectID == nil && (op == OpUpdate || op == OpDelete) {
		return "", fmt.Errorf("%w: %s requires an object id", ErrInvalidArgument, op)
	}
	if len(bytes.TrimSpace(m.Payload)) > 0 {
		if _, err := signer.Fields(m.Payload); err != nil {
			return "", err
		}
	}
	return op, nil
}

// UploadBatch is a set of files attached to one parent object. Files maps
// each logical name to a seekable stream; streams are read twice.
type UploadBatch struct {
	ParentID int
	Files    map[string]io.ReadSeeker
}

// uploadReserved are query keys the upload request already carries; a file
// named after one would duplicate it.
var uploadReserved = []string{"parentid", "token", "checksum"}

func (b UploadBatch) validate() error {
	if len(b.Files) == 0 {
		return ErrEmptyUploadBatch
	}
	for name, r := range b.Files {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty file name", ErrInvalidArgument)
		}
		if slices.ContainsFunc(uploadReserved, func(k string) bool { return strings.EqualFold(k, name) }) {
			return fmt.Errorf("%w: file name %q is reserved", ErrInvalidArgument, name)
		}
		if r == nil {
			return fmt.Errorf("%w: nil stream for %q", ErrInvalidArgument, name)
		}
	}
	return nil
}

// Datatypes lists the datatypes visible to the account.
func (c *Client) Datatypes(ctx context.Context) (json.RawMessage, error) {
	return c.execute(ctx, call{endpoint: endpointDatatypes, method: http.MethodGet})
}

// Explain describes the fields of datatype.
func (c *Client) Explain(ctx context.Context, datatype string) (json.RawMessage, error) {
	var p signer.Params
	p.Add("datatype", datatype)
	return c.execute(ctx, call{endpoint: endpointExplain, method: http.MethodGet, params: p})
}

// List returns objects matching q.
func (c *Client) List(ctx context.Context, q ListQuery) (json.RawMessage, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var p signer.Params
	p.Add("datatype", q.Datatype)
	p.Add("fields", q.Fields)
	p.Add("limit", strconv.Itoa(q.Limit))
	p.Add("offset", strconv.Itoa(q.Offset))
	p.Add("searchandor", q.SearchAndOr)
	p.Add("search", q.Search())
	p.Add("searchcomp", q.SearchOperation)
	p.Add("searchfield", q.SearchField)
	return c.execute(ctx, call{endpoint: endpointList, method: http.MethodGet, params: p})
}

// Read fetches a single object.
func (c *Client) Read(ctx context.Context, objectID int) (json.RawMessage, error) {
	var p signer.Params
	p.Add("objectid", strconv.Itoa(objectID))
	return c.execute(ctx, call{endpoint: endpointRead, method: http.MethodGet, params: p})
}

// Model applies m. The payload's top-level fields are part of the signature.
func (c *Client) Model(ctx context.Context, m ModelRequest) (json.RawMessage, error) {
	op, err := m.validate()
	if err != nil {
		return nil, err
	}

	var p signer.Params
	p.Add("datatype", m.Datatype)
	p.Add("model", string(op))
	var extra signer.Params
	if m.ObjectID != nil {
		extra.Add("objectid", strconv.Itoa(*m.ObjectID))
	}

	payload := slices.Clone(m.Payload)
	return c.execute(ctx, call{
		endpoint: endpointModel,
		method:   http.MethodPost,
		params:   p,
		extra:    extra,
		signBody: payload,
		body: func() (io.Reader, string) {
			return bytes.NewReader(payload), "application/json; charset=utf-8"
		},
	})
}

// Upload sends every file in b as one multipart request. Each file's
// sample checksum travels as a query parameter named after the file.
func (c *Client) Upload(ctx context.Context, b UploadBatch) (json.RawMessage, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.Files))
	for name := range b.Files {
		names = append(names, name)
	}
	slices.Sort(names)

	var sums signer.Params
	for _, name := range names {
		sum, err := signer.SampleChecksum(b.Files[name])
		if err != nil {
			return nil, fmt.Errorf("checksum %q: %w", name, err)
		}
		sums.Add(name, sum)
	}

	form, contentType, err := multipartBody(names, b.Files)
	if err != nil {
		return nil, err
	}

	var p signer.Params
	p.Add("parentid", strconv.Itoa(b.ParentID))
	return c.execute(ctx, call{
		endpoint: endpointUpload,
		method:   http.MethodPost,
		params:   p,
		extra:    sums,
		body: func() (io.Reader, string) {
			return bytes.NewReader(form), contentType
		},
	})
}

// multipartBody encodes one part per file, named by its logical key and
// given a random filename. Streams are rewound afterwards.
func multipartBody(names []string, files map[string]io.ReadSeeker) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		r := files[name]
		part, err := mw.CreateFormFile(name, uuid.NewString())
		if err != nil {
			return nil, "", fmt.Errorf("create part %q: %w", name, err)
		}
		if _, err := io.Copy(part, r); err != nil {
			return nil, "", fmt.Errorf("copy %q: %w", name, err)
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("rewind %q: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
