package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// HTTPConfig configures an HTTPService.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. https://docs.example.com/api.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each request. Zero means no client-side limit beyond ctx.
	Timeout time.Duration
}

// HTTPService talks to the remote document service over JSON/HTTP.
type HTTPService struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPService creates a client for the service at cfg.BaseURL.
func NewHTTPService(cfg HTTPConfig) (*HTTPService, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base URL cannot be empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	return &HTTPService{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
	}, nil
}

type createRequest struct {
	ID     string        `json:"id"`
	Fields schema.Fields `json:"fields"`
}

type updateRequest struct {
	Version int64        `json:"version"`
	Delta   schema.Delta `json:"delta"`
}

type errorBody struct {
	Error         string         `json:"error"`
	RemoteVersion int64          `json:"remote_version"`
	Snapshot      *schema.Fields `json:"snapshot"`
}

// Create implements Service.
func (s *HTTPService) Create(ctx context.Context, collection, id string, fields schema.Fields) (Ack, error) {
	var ack Ack
	err := s.doJSON(ctx, http.MethodPost, s.path(collection), createRequest{ID: id, Fields: fields}, &ack)
	return ack, err
}

// Update implements Service.
func (s *HTTPService) Update(ctx context.Context, collection, id string, version int64, delta schema.Delta) (Ack, error) {
	var ack Ack
	err := s.doJSON(ctx, http.MethodPatch, s.path(collection, id), updateRequest{Version: version, Delta: delta}, &ack)
	return ack, err
}

// Delete implements Service.
func (s *HTTPService) Delete(ctx context.Context, collection, id string, version int64) error {
	p := s.path(collection, id) + "?version=" + strconv.FormatInt(version, 10)
	return s.doJSON(ctx, http.MethodDelete, p, nil, nil)
}

// Upload implements Service. The request is multipart with a "metadata" JSON
// part followed by a "file" part.
func (s *HTTPService) Upload(ctx context.Context, collection, id string, fields schema.Fields, binary []byte) (Ack, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(createRequest{ID: id, Fields: fields})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal upload metadata: %w", err)
	}
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return Ack{}, fmt.Errorf("failed to write upload metadata: %w", err)
	}
	name := fields.Name
	if name == "" {
		name = id
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := part.Write(binary); err != nil {
		return Ack{}, fmt.Errorf("failed to write upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Ack{}, fmt.Errorf("failed to finish upload body: %w", err)
	}

	var ack Ack
	err = s.do(ctx, http.MethodPost, s.path(collection, "upload"), &buf, mw.FormDataContentType(), &ack)
	return ack, err
}

// FetchAll implements Service.
func (s *HTTPService) FetchAll(ctx context.Context, collection string, since *time.Time) ([]RemoteDocument, error) {
	p := s.path(collection)
	if since != nil {
		p += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var docs []RemoteDocument
	if err := s.doJSON(ctx, http.MethodGet, p, nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Ping checks the service health endpoint.
func (s *HTTPService) Ping(ctx context.Context) error {
	return s.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (s *HTTPService) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(escaped, "/")
}

func (s *HTTPService) doJSON(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
		contentType = "application/json"
	}
	return s.do(ctx, method, path, r, contentType, out)
}

func (s *HTTPService) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request %s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		token := s.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Wrap(KindNetwork, op+": malformed response", err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&eb)
	return statusError(op, resp.StatusCode, eb)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(op string, status int, eb errorBody) error {
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("%s: %d %s", op, status, msg)

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return New(KindAuth, msg)
	case status == http.StatusConflict:
		e := New(KindConflict, msg)
		e.RemoteVersion = eb.RemoteVersion
		e.RemoteSnapshot = eb.Snapshot
		return e
	case status == http.StatusRequestEntityTooLarge, status == http.StatusInsufficientStorage:
		return New(KindQuotaExceeded, msg)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusNotFound:
		return New(KindValidation, msg)
	default:
		return New(KindNetwork, msg)
	}
}
