package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/teamchat/internal/logger"
)

func init() {
	logger.Init(logger.Config{Output: io.Discard, Sync: true})
}

func TestPutAndServe(t *testing.T) {
	s := NewLocalDisk(t.TempDir(), "/files/", 1024)
	obj, err := s.Put(context.Background(), "отчёт за март.txt", "", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if obj.Size != 5 || obj.FileName != "отчёт за март.txt" || obj.MimeType != "text/plain; charset=utf-8" {
		t.Errorf("object = %+v", obj)
	}
	if !strings.HasPrefix(obj.URL, "/files/"+obj.Key+"?name=") {
		t.Errorf("url = %q", obj.URL)
	}

	u, _ := url.Parse(obj.URL)
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, obj.URL, nil), strings.TrimPrefix(u.Path, "/files/"))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("serve = %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "filename*=UTF-8''") || strings.Contains(cd, `filename="`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestPutRejects(t *testing.T) {
	s := NewLocalDisk(t.TempDir(), "/files", 8)
	tests := []struct {
		name    string
		content []byte
		want    error
	}{
		{"run.sh", []byte("echo"), ErrBlockedType},
		{"photo.png", []byte("not a png at all"), ErrContentMismatch},
		{"big.txt", bytes.Repeat([]byte("x"), 9), ErrTooLarge},
	}
	for _, tt := range tests {
		_, err := s.Put(context.Background(), tt.name, "", bytes.NewReader(tt.content))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestServeMissing(t *testing.T) {
	s := NewLocalDisk(t.TempDir(), "/files", 0)
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/files/../../etc/passwd", nil), "../../etc/passwd")
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"  a\"b\\c/d.txt ": "abcd.txt",
		"line\nbreak.pdf":  "linebreak.pdf",
		"Отчёт.docx":       "Отчёт.docx",
		"\x00":             "",
	}
	for in, want := range tests {
		if got := SafeFilename(in); got != want {
			t.Errorf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
