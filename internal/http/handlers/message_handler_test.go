package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

func TestSanitizeBody(t *testing.T) {
	in := "  hello\r\n\r\n\r\n\r\nworld\r  "
	if got := sanitizeBody(in); got != "hello\n\nworld" {
		t.Fatalf("sanitizeBody = %q", got)
	}
}

func TestSendMessage(t *testing.T) {
	e := newEnv(t)

	w := e.call(http.MethodPost, "/messages/send", "alice", map[string]string{"room_id": "!r:hub.local", "body": " hi "})
	wantStatus(t, w, http.StatusOK)
	var msg services.Message
	decode(t, w, &msg)
	if msg.EventID != "$e1" || msg.Body != "hi" || msg.MsgType != matrix.MsgText {
		t.Fatalf("message = %+v", msg)
	}

	wantStatus(t, e.call(http.MethodPost, "/messages/send", "alice", map[string]string{"room_id": "!r:hub.local", "body": "\n\n"}), http.StatusBadRequest)
	wantStatus(t, e.call(http.MethodPost, "/messages/send", "alice", map[string]string{"body": "x"}), http.StatusBadRequest)

	e.msgs.err = &services.UpstreamError{Op: "send", Err: &matrix.MatrixError{StatusCode: 500, Code: matrix.ErrCodeUnknown}}
	wantStatus(t, e.call(http.MethodPost, "/messages/send", "alice", map[string]string{"room_id": "!r:hub.local", "body": "x"}), http.StatusBadGateway)
}

func TestHistory_LimitClampAndToken(t *testing.T) {
	e := newEnv(t)

	w := e.call(http.MethodGet, "/messages/history/!r:hub.local?limit=9999&from_token=t1", "alice", nil)
	wantStatus(t, w, http.StatusOK)
	if e.msgs.limit != services.MaxHistoryLimit || e.msgs.from != "t1" || e.msgs.readerID != "alice" {
		t.Fatalf("service saw limit=%d from=%q reader=%q", e.msgs.limit, e.msgs.from, e.msgs.readerID)
	}
	var hist services.History
	decode(t, w, &hist)
	if len(hist.Messages) != 1 || hist.EndToken != "t2" {
		t.Fatalf("history = %+v", hist)
	}

	wantStatus(t, e.call(http.MethodGet, "/messages/history/!r:hub.local?limit=abc", "alice", nil), http.StatusOK)
	if e.msgs.limit != services.DefaultHistoryLimit {
		t.Fatalf("default limit not applied: %d", e.msgs.limit)
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename, ctype string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("field: %v", err)
		}
	}
	if filename != "" {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		hdr.Set("Content-Type", ctype)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	e := newEnv(t)

	body, ct := multipartBody(t, map[string]string{"room_id": "!r:hub.local", "body": "look"}, "cat.png", "image/png", []byte("pngdata"))
	req := httptest.NewRequest(http.MethodPost, "/messages/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	wantStatus(t, w, http.StatusOK)

	up := e.msgs.upload
	if up.RoomID != "!r:hub.local" || up.Filename != "cat.png" || up.ContentType != "image/png" || up.Caption != "look" || string(up.Data) != "pngdata" {
		t.Fatalf("upload = %+v", up)
	}
	var msg services.Message
	decode(t, w, &msg)
	if msg.MsgType != matrix.MsgImage {
		t.Fatalf("msgtype = %q", msg.MsgType)
	}
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t)
	send := func(fields map[string]string, filename string, data []byte) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, fields, filename, "application/pdf", data)
		req := httptest.NewRequest(http.MethodPost, "/messages/upload", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("Authorization", "Bearer alice")
		w := httptest.NewRecorder()
		e.r.ServeHTTP(w, req)
		return w
	}

	wantStatus(t, send(map[string]string{}, "a.pdf", []byte("x")), http.StatusBadRequest)
	wantStatus(t, send(map[string]string{"room_id": "!r"}, "", nil), http.StatusBadRequest)
	// MaxUploadBytes is 64 in the test env
	wantStatus(t, send(map[string]string{"room_id": "!r"}, "big.pdf", bytes.Repeat([]byte("x"), 65)), http.StatusRequestEntityTooLarge)
}

func TestMedia(t *testing.T) {
	e := newEnv(t)
	e.msgs.media = &matrix.Media{ContentType: "image/png", Body: []byte("img")}

	w := e.call(http.MethodGet, "/messages/media/hub.local/abc?token=alice", "", nil)
	wantStatus(t, w, http.StatusOK)
	if w.Header().Get("Content-Type") != "image/png" || w.Body.String() != "img" {
		t.Fatalf("media = %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}

	e.msgs.media, e.msgs.err = nil, services.ErrNotFound
	wantStatus(t, e.call(http.MethodGet, "/messages/media/hub.local/gone", "alice", nil), http.StatusNotFound)
}

func TestSync_TimeoutClamp(t *testing.T) {
	e := newEnv(t)

	w := e.call(http.MethodGet, "/messages/sync?since=s1&timeout=120000", "alice", nil)
	wantStatus(t, w, http.StatusOK)
	if e.msgs.since != "s1" || e.msgs.timeout != maxSyncTimeout {
		t.Fatalf("sync saw since=%q timeout=%v", e.msgs.since, e.msgs.timeout)
	}

	wantStatus(t, e.call(http.MethodGet, "/messages/sync?timeout=1500", "alice", nil), http.StatusOK)
	if e.msgs.timeout != 1500*time.Millisecond {
		t.Fatalf("timeout = %v", e.msgs.timeout)
	}
}
