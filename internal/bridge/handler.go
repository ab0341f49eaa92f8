// Package bridge exposes an IPW client over a small REST API so that
// services without the checksum secret can use one shared session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ipwbridge/pkg/client"
)

// maxUploadMemory is how much of a multipart upload is buffered in memory;
// the rest spills to temporary files.
const maxUploadMemory = 32 << 20

// API is the subset of *client.Client the bridge serves.
type API interface {
	Datatypes(ctx context.Context) (json.RawMessage, error)
	Explain(ctx context.Context, datatype string) (json.RawMessage, error)
	List(ctx context.Context, q client.ListQuery) (json.RawMessage, error)
	Read(ctx context.Context, objectID int) (json.RawMessage, error)
	Model(ctx context.Context, m client.ModelRequest) (json.RawMessage, error)
	Upload(ctx context.Context, b client.UploadBatch) (json.RawMessage, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	api    API
	logger *zap.Logger
}

// NewHandler creates a Handler backed by api.
func NewHandler(api API, logger *zap.Logger) *Handler {
	return &Handler{api: api, logger: logger}
}

// Register registers all bridge routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/datatypes", h.Datatypes)
	rg.GET("/datatypes/:datatype/explain", h.Explain)
	rg.GET("/objects", h.List)
	rg.GET("/objects/:id", h.Read)
	rg.POST("/models/:datatype/:op", h.Model)
	rg.POST("/binfiles/:parentid", h.Upload)
}

// Datatypes handles GET /api/v1/datatypes.
func (h *Handler) Datatypes(c *gin.Context) {
	res, err := h.api.Datatypes(c.Request.Context())
	h.respond(c, res, err)
}

// Explain handles GET /api/v1/datatypes/:datatype/explain.
func (h *Handler) Explain(c *gin.Context) {
	res, err := h.api.Explain(c.Request.Context(), c.Param("datatype"))
	h.respond(c, res, err)
}

// List handles GET /api/v1/objects.
//
// Query parameters: datatype (required), fields, limit, offset, searchandor,
// searchfield, searchcomp, search, from (yyyy-mm-dd). Omitted parameters
// keep the defaults of client.NewListQuery.
func (h *Handler) List(c *gin.Context) {
	q, err := listQuery(c)
	if err != nil {
		h.respond(c, nil, err)
		return
	}
	res, err := h.api.List(c.Request.Context(), q)
	h.respond(c, res, err)
}

func listQuery(c *gin.Context) (client.ListQuery, error) {
	datatype := c.Query("datatype")
	if datatype == "" {
		return client.ListQuery{}, fmt.Errorf("%w: datatype is required", client.ErrInvalidArgument)
	}
	q := client.NewListQuery(datatype)

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: %s must be an integer", client.ErrInvalidArgument, name)
		}
		*dst = n
	}
	for name, dst := range map[string]*string{
		"fields":      &q.Fields,
		"searchandor": &q.SearchAndOr,
		"searchfield": &q.SearchField,
		"searchcomp":  &q.SearchOperation,
		"search":      &q.SearchValue,
	} {
		if v, ok := c.GetQuery(name); ok {
			*dst = v
		}
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return q, fmt.Errorf("%w: from must be yyyy-mm-dd", client.ErrInvalidArgument)
		}
		q.FromDate = from
	}
	return q, nil
}

// Read handles GET /api/v1/objects/:id.
func (h *Handler) Read(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		h.respond(c, nil, fmt.Errorf("%w: object id must be an integer", client.ErrInvalidArgument))
		return
	}
	res, err := h.api.Read(c.Request.Context(), id)
	h.respond(c, res, err)
}

// Model handles POST /api/v1/models/:datatype/:op[?objectid=N].
// The request body is forwarded unchanged as the model payload.
func (h *Handler) Model(c *gin.Context) {
	op, err := client.ParseModelOp(c.Param("op"))
	if err != nil {
		h.respond(c, nil, err)
		return
	}
	req := client.ModelRequest{Datatype: c.Param("datatype"), Op: op}

	if raw := c.Query("objectid"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			h.respond(c, nil, fmt.Errorf("%w: objectid must be an integer", client.ErrInvalidArgument))
			return
		}
		req.ObjectID = &id
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respond(c, nil, fmt.Errorf("%w: read body: %w", client.ErrInvalidArgument, err))
		return
	}
	req.Payload = body

	res, err := h.api.Model(c.Request.Context(), req)
	h.respond(c, res, err)
}

// Upload handles POST /api/v1/binfiles/:parentid. Every file part is
// uploaded under its form field name.
func (h *Handler) Upload(c *gin.Context) {
	parentID, err := strconv.Atoi(c.Param("parentid"))
	if err != nil {
		h.respond(c, nil, fmt.Errorf("%w: parent id must be an integer", client.ErrInvalidArgument))
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		h.respond(c, nil, fmt.Errorf("%w: multipart form: %w", client.ErrInvalidArgument, err))
		return
	}
	defer c.Request.MultipartForm.RemoveAll() //nolint:errcheck

	batch := client.UploadBatch{ParentID: parentID, Files: map[string]io.ReadSeeker{}}
	for name, headers := range c.Request.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			h.respond(c, nil, fmt.Errorf("open part %q: %w", name, err))
			return
		}
		defer f.Close()
		batch.Files[name] = f
	}

	res, err := h.api.Upload(c.Request.Context(), batch)
	h.respond(c, res, err)
}

func (h *Handler) respond(c *gin.Context, res json.RawMessage, err error) {
	if err == nil {
		c.Data(http.StatusOK, "application/json; charset=utf-8", res)
		return
	}

	var (
		remote *client.RemoteError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit)})

	case errors.Is(err, client.ErrInvalidArgument),
		errors.Is(err, client.ErrMalformedPayload),
		errors.Is(err, client.ErrEmptyUploadBatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.As(err, &remote):
		h.logger.Warn("upstream error",
			zap.String("endpoint", remote.Endpoint),
			zap.Int("upstream_status", remote.Status),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "upstream request failed",
			"upstream_status": remote.Status,
			"upstream_body":   remote.Body,
		})

	case errors.Is(err, client.ErrAuthenticationFailed):
		h.logger.Error("upstream authentication failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream authentication failed"})

	default:
		h.logger.Error("bridge request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
