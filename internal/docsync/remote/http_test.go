package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/docsync/docsync/internal/docsync/schema"
)

func testHTTPService(t *testing.T, handler http.HandlerFunc) *HTTPService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewHTTPService(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPService() failed: %v", err)
	}
	return svc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewHTTPService_EmptyURL(t *testing.T) {
	if _, err := NewHTTPService(HTTPConfig{}); err == nil {
		t.Fatal("NewHTTPService() should reject an empty base URL")
	}
}

func TestHTTPService_Create(t *testing.T) {
	svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/documents" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.ID != "local-1" || req.Fields.Name != "a.txt" {
			t.Errorf("body = %+v", req)
		}
		writeJSON(w, http.StatusCreated, Ack{ID: "srv-1", Version: 1})
	})

	ack, err := svc.Create(context.Background(), "documents", "local-1", schema.Fields{Name: "a.txt"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if diff := cmp.Diff(Ack{ID: "srv-1", Version: 1}, ack); diff != "" {
		t.Errorf("Create() mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPService_UpdateAndDelete(t *testing.T) {
	svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			if r.URL.Path != "/documents/doc%201" && r.URL.Path != "/documents/doc 1" {
				t.Errorf("path = %q", r.URL.Path)
			}
			var req updateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Version != 4 || req.Delta["name"] != "b.txt" {
				t.Errorf("body = %+v", req)
			}
			writeJSON(w, http.StatusOK, Ack{ID: "doc 1", Version: 5})
		case http.MethodDelete:
			if got := r.URL.Query().Get("version"); got != "5" {
				t.Errorf("version query = %q, want 5", got)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	ctx := context.Background()

	ack, err := svc.Update(ctx, "documents", "doc 1", 4, schema.Delta{"name": "b.txt"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if ack.Version != 5 {
		t.Errorf("Version = %d, want 5", ack.Version)
	}
	if err := svc.Delete(ctx, "documents", "doc 1", 5); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
}

func TestHTTPService_Upload(t *testing.T) {
	svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/upload" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() failed: %v", err)
			return
		}
		var meta createRequest
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			t.Errorf("decode metadata: %v", err)
		}
		if meta.Fields.Name != "scan.png" {
			t.Errorf("metadata = %+v", meta)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() failed: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" || hdr.Filename != "scan.png" {
			t.Errorf("file = %q (%s)", data, hdr.Filename)
		}
		writeJSON(w, http.StatusCreated, Ack{ID: "srv-7", Version: 1})
	})

	ack, err := svc.Upload(context.Background(), "documents", "local-9", schema.Fields{Name: "scan.png"}, []byte("PNGDATA"))
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if ack.ID != "srv-7" {
		t.Errorf("ID = %q, want srv-7", ack.ID)
	}
}

func TestHTTPService_FetchAll(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := []RemoteDocument{
		{ID: "a", Version: 2, Fields: schema.Fields{Name: "a.txt"}, CreatedAt: since, UpdatedAt: since.Add(time.Hour)},
	}
	svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != since.Format(time.RFC3339Nano) {
			t.Errorf("since = %q", got)
		}
		writeJSON(w, http.StatusOK, want)
	})

	got, err := svc.FetchAll(context.Background(), "documents", &since)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPService_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   *Error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusConflict, ErrConflict},
		{http.StatusRequestEntityTooLarge, ErrQuotaExceeded},
		{http.StatusInsufficientStorage, ErrQuotaExceeded},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnprocessableEntity, ErrValidation},
		{http.StatusInternalServerError, ErrNetwork},
		{http.StatusServiceUnavailable, ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, errorBody{
					Error:         "nope",
					RemoteVersion: 12,
					Snapshot:      &schema.Fields{Name: "server.txt"},
				})
			})

			_, err := svc.Update(context.Background(), "documents", "a", 1, schema.Delta{"name": "x"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Update() error = %v, want kind %s", err, tt.want.Kind)
			}
			if tt.want == ErrConflict {
				ce, ok := AsConflict(err)
				if !ok || ce.RemoteVersion != 12 || ce.RemoteSnapshot.Name != "server.txt" {
					t.Errorf("conflict details = %+v", ce)
				}
			}
		})
	}
}

func TestHTTPService_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc, err := NewHTTPService(HTTPConfig{BaseURL: url})
	if err != nil {
		t.Fatalf("NewHTTPService() failed: %v", err)
	}
	err = svc.Ping(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Ping() error = %v, want network error", err)
	}
	if !IsRetryable(err) {
		t.Error("transport error should be retryable")
	}
}

func TestHTTPService_Timeout(t *testing.T) {
	release := make(chan struct{})
	svc := testHTTPService(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := svc.Ping(ctx)
	if !IsRetryable(err) {
		t.Fatalf("Ping() error = %v, want retryable timeout", err)
	}
}
