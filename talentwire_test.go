package talentwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base  string
		token string
		want  string
	}{
		{"http://localhost:4000", "", "ws://localhost:4000/channel"},
		{"http://localhost:4000", "abc", "ws://localhost:4000/channel?token=abc"},
		{"https://api.talentwire.io", "a b", "wss://api.talentwire.io/channel?token=a+b"},
	}
	for _, tt := range tests {
		c := NewClient(tt.token, WithBaseURL(tt.base))
		if got := c.ChannelURL(); got != tt.want {
			t.Errorf("ChannelURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestClientAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(ConversationList{})
	}))
	defer srv.Close()

	client := NewClient("secret-token", WithBaseURL(srv.URL))
	if _, err := client.Conversations().List(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestClientForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(APIError{Code: "NOT_PARTICIPANT", Message: "not a participant"})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Messages().History(context.Background(), "c1", "", 0)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestClientAPIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(APIError{Code: "EMPTY_MESSAGE", Message: "text or attachments required"})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Messages().Send(context.Background(), "c1", SendOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "EMPTY_MESSAGE" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestClientErrorBodyNotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Conversations().List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError fallback", err)
	}
	if apiErr.Code != "HTTP_500" {
		t.Errorf("code = %q, want HTTP_500", apiErr.Code)
	}
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	// A closed server makes every request a transport failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient("tok", WithBaseURL(url))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Conversations().List(ctx); err == nil {
			t.Fatal("expected transport failure")
		} else if errors.Is(err, ErrUnavailable) {
			t.Fatalf("breaker opened early, on attempt %d", i+1)
		}
	}
	_, err := client.Conversations().List(ctx)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable after 5 consecutive failures", err)
	}
}

func TestBreakerIgnoresHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := client.Conversations().List(ctx)
		if errors.Is(err, ErrUnavailable) {
			t.Fatal("HTTP error statuses must not trip the breaker")
		}
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if part.FileName() != "cv.pdf" {
			t.Errorf("file name = %q", part.FileName())
		}
		data, _ := io.ReadAll(part)
		if !bytes.Equal(data, []byte("pdf-bytes")) {
			t.Errorf("file data = %q", data)
		}
		json.NewEncoder(w).Encode(UploadResult{Attachment: Attachment{
			Name: "cv.pdf", URL: "/files/cv.pdf", Size: int64(len(data)),
		}})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	result, err := client.Attachments().Upload(context.Background(), []byte("pdf-bytes"), "cv.pdf", "application/pdf")
	if err != nil {
		t.Fatal(err)
	}
	if result.Attachment.URL != "/files/cv.pdf" {
		t.Errorf("url = %q", result.Attachment.URL)
	}
}

func TestUploadRejectsOversized(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	big := make([]byte, MaxAttachmentSize+1)
	_, err := client.Attachments().Upload(context.Background(), big, "huge.bin", "")
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Errorf("err = %v, want ErrAttachmentTooLarge", err)
	}
	if n := atomic.LoadInt32(&requests); n != 0 {
		t.Errorf("oversized upload reached the server (%d requests)", n)
	}
}

func TestHistoryQueryParams(t *testing.T) {
	var gotCursor, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(MessagePage{})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := client.Messages().History(context.Background(), "c1", "cur-9", 25); err != nil {
		t.Fatal(err)
	}
	if gotCursor != "cur-9" || gotLimit != "25" {
		t.Errorf("cursor=%q limit=%q", gotCursor, gotLimit)
	}
}
