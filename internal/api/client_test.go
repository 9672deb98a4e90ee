package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want ErrorType
	}{
		{406, ErrorTypePushback},
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{429, ErrorTypeRateLimit},
		{408, ErrorTypeTimeout},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
		{400, ErrorTypeClientError},
		{404, ErrorTypeClientError},
	}
	for _, c := range cases {
		if got := ClassifyStatus(c.code); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestAPIError_RetryDecisions(t *testing.T) {
	for _, code := range []int{407, 408, 429, 502, 503, 504} {
		err := statusError(code, "")
		if !err.IsRetryable() {
			t.Errorf("expected %d retryable", code)
		}
	}
	for _, code := range []int{400, 401, 403, 404} {
		err := statusError(code, "")
		if err.IsRetryable() {
			t.Errorf("expected %d not retryable", code)
		}
	}
	if !statusError(406, "").IsPushback() {
		t.Error("expected 406 pushback")
	}
	if statusError(202, "").IsPushback() {
		t.Error("202 is not pushback")
	}
}

func TestReport_GzipAndContentType(t *testing.T) {
	var gotCT, gotEncoding, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotEncoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("expected gzip body: %v", err)
			return
		}
		data, _ := io.ReadAll(zr)
		gotBody = string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(Config{Server: srv.URL, Token: "tok", GzipCompression: true})
	err := client.Report(context.Background(), entity.TypePoint, strings.NewReader("a 1 source=b"))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if gotCT != "application/x-wavefront-line" {
		t.Errorf("unexpected content type %q", gotCT)
	}
	if gotEncoding != "gzip" {
		t.Errorf("expected gzip encoding, got %q", gotEncoding)
	}
	if gotBody != "a 1 source=b" {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestReport_StatusBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
	}))
	defer srv.Close()

	client := NewClient(Config{Server: srv.URL, Token: "tok"})
	err := client.Report(context.Background(), entity.TypePoint, strings.NewReader("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 406 || !apiErr.IsPushback() {
		t.Errorf("expected 406 pushback, got %+v", apiErr)
	}
}

func TestSourceTagCalls(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{Server: srv.URL, Token: "tok"})
	ctx := context.Background()
	if err := client.SetDescription(ctx, "web-01", "primary"); err != nil {
		t.Fatalf("set description: %v", err)
	}
	if err := client.AppendTag(ctx, "web-01", "canary"); err != nil {
		t.Fatalf("append tag: %v", err)
	}
	if err := client.RemoveTag(ctx, "web-01", "canary"); err != nil {
		t.Fatalf("remove tag: %v", err)
	}
	if err := client.SetTags(ctx, "web-01", []string{"a", "b"}); err != nil {
		t.Fatalf("set tags: %v", err)
	}

	want := []string{
		"PUT /source/web-01/description",
		"PUT /source/web-01/tag/canary",
		"DELETE /source/web-01/tag/canary",
		"POST /source/web-01/tag",
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected calls:\n got %v\nwant %v", calls, want)
	}
}

func TestUpdateServerURL(t *testing.T) {
	client := NewClient(Config{Server: "https://example.com", Token: "tok"})
	if client.ServerURL() != "https://example.com" {
		t.Errorf("unexpected initial URL %q", client.ServerURL())
	}
	client.UpdateServerURL("https://example.com/api/")
	if client.ServerURL() != "https://example.com/api" {
		t.Errorf("expected trailing slash trimmed, got %q", client.ServerURL())
	}
}

func TestTransportErrorClassification(t *testing.T) {
	client := NewClient(Config{Server: "http://127.0.0.1:1", Token: "tok"})
	err := client.Report(context.Background(), entity.TypePoint, strings.NewReader("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.IsRetryable() {
		t.Errorf("expected network error retryable, got %+v", apiErr)
	}
}
