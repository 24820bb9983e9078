package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"codeassist/internal/assistant"
	"codeassist/internal/llm"
	"codeassist/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssistant struct {
	mu    sync.Mutex
	mem   *memory.Manager
	reply assistant.Reply
	err   error
	got   []assistant.Request
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{
		mem: memory.NewManager(10, 10),
		reply: assistant.Reply{
			Response: "```python\nprint(42)\n```",
			Code:     "print(42)",
			Lang:     "python",
			Outcome:  memory.OutcomeExecuted,
			Output:   "42",
		},
	}
}

func (f *fakeAssistant) Handle(_ context.Context, req assistant.Request) (assistant.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	if strings.TrimSpace(req.Prompt) == "" {
		return assistant.Reply{}, assistant.ErrEmptyPrompt
	}
	if f.err != nil {
		return assistant.Reply{}, f.err
	}
	f.mem.Append(memory.Record{Session: req.Session, Prompt: req.Prompt, Response: f.reply.Response, Outcome: f.reply.Outcome})
	return f.reply, nil
}

func (f *fakeAssistant) Memory() *memory.Manager { return f.mem }

func multipartBody(t *testing.T, prompt, filename, csv string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("prompt", prompt))
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func sessionFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func TestIndexIssuesSessionCookie(t *testing.T) {
	srv := NewServer(newFakeAssistant(), Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No interactions yet.")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, sessionFrom(t, rec).Value)
}

func TestFormSubmitWithCSV(t *testing.T) {
	fa := newFakeAssistant()
	h := NewServer(fa, Options{}).Handler()

	body, ct := multipartBody(t, "average salary", "people.csv", "name,salary\nann,100\nbob,200\n")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := rec.Body.String()
	assert.Contains(t, page, "print(42)")
	assert.Contains(t, page, "executed")
	assert.Contains(t, page, "people.csv (2 rows, 2 columns)")
	assert.Contains(t, page, "<strong>Prompt:</strong> average salary")

	require.Len(t, fa.got, 1)
	require.NotNil(t, fa.got[0].Dataset)
	assert.Equal(t, []string{"name", "salary"}, fa.got[0].Dataset.Columns)
	assert.Equal(t, sessionFrom(t, rec).Value, fa.got[0].Session)
}

func TestFormSubmitWithoutFile(t *testing.T) {
	fa := newFakeAssistant()
	body, ct := multipartBody(t, "hello", "", "")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fa.got, 1)
	assert.Nil(t, fa.got[0].Dataset)
}

func TestFormRejectsBadCSV(t *testing.T) {
	fa := newFakeAssistant()
	body, ct := multipartBody(t, "hello", "bad.csv", "a,b\n\"1,2\n")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not parse bad.csv as CSV")
	assert.Empty(t, fa.got)
}

func TestFormUploadLimit(t *testing.T) {
	fa := newFakeAssistant()
	body, ct := multipartBody(t, "hello", "big.csv", "a\n"+strings.Repeat("1\n", 4096))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	NewServer(fa, Options{UploadMaxBytes: 1024}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fa.got)
}

func TestFormUpstreamFailureShowsBanner(t *testing.T) {
	fa := newFakeAssistant()
	fa.err = fmt.Errorf("ollama: %w", llm.ErrUpstream)
	body, ct := multipartBody(t, "hello", "", "")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "The language model is not reachable")
}

func TestAskAPI(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantText string
	}{
		{name: "ok", body: `{"session":"3f1c2a9e-8b7d-4c6e-9a51-2d4b6f8e0c17","prompt":"print 42"}`, wantCode: http.StatusOK, wantText: `"output":"42"`},
		{name: "with csv", body: `{"session":"3f1c2a9e-8b7d-4c6e-9a51-2d4b6f8e0c17","prompt":"sum","csv":"x\n1\n2\n"}`, wantCode: http.StatusOK, wantText: `"outcome":"executed"`},
		{name: "empty prompt", body: `{"session":"3f1c2a9e-8b7d-4c6e-9a51-2d4b6f8e0c17","prompt":"  "}`, wantCode: http.StatusBadRequest, wantText: "prompt is empty"},
		{name: "invalid json", body: `{`, wantCode: http.StatusBadRequest, wantText: "invalid JSON"},
		{name: "upstream", body: `{"prompt":"hi"}`, err: fmt.Errorf("openai: %w", llm.ErrUpstream), wantCode: http.StatusBadGateway, wantText: "upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := newFakeAssistant()
			fa.err = tt.err
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(tt.body))
			NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantText)
		})
	}
}

func TestAskAPIBindsCSV(t *testing.T) {
	fa := newFakeAssistant()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"session":"3f1c2a9e-8b7d-4c6e-9a51-2d4b6f8e0c17","prompt":"sum","csv":"x\n1\n2\n"}`))
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testSession, resp.Session)
	assert.Equal(t, "42", resp.Message)
	require.Len(t, fa.got, 1)
	require.NotNil(t, fa.got[0].Dataset)
	assert.Equal(t, 2, fa.got[0].Dataset.Len())
}

const testSession = "3f1c2a9e-8b7d-4c6e-9a51-2d4b6f8e0c17"

func TestResetClearsSession(t *testing.T) {
	fa := newFakeAssistant()
	fa.mem.Append(memory.Record{Session: testSession, Prompt: "a"})
	fa.mem.Append(memory.Record{Session: "other", Prompt: "b"})

	rec := httptest.NewRecorder()
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reset?session="+testSession, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, fa.mem.Len(testSession))
	assert.Equal(t, 1, fa.mem.Len("other"))
}

func TestAPIRejectsNonUUIDSessions(t *testing.T) {
	fa := newFakeAssistant()
	fa.mem.Append(memory.Record{Session: "tg:42", Prompt: "a"})
	srv := NewServer(fa, Options{}).Handler()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reset?session=tg:42", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, fa.mem.Len("tg:42"))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"session":"tg:42","prompt":"hi"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UUID")
	assert.Empty(t, fa.got)
}

func TestStopBeforeStart(t *testing.T) {
	srv := NewServer(newFakeAssistant(), Options{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, srv.Start())
}

func TestResetFromBrowserRedirects(t *testing.T) {
	fa := newFakeAssistant()
	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	NewServer(fa, Options{}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(newFakeAssistant(), Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "healthy", got["status"])
	assert.Equal(t, "codeassist", got["service"])
	assert.Contains(t, got, "uptime")
}

func TestMethodAndPathChecks(t *testing.T) {
	h := NewServer(newFakeAssistant(), Options{}).Handler()
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/ask", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/reset", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/status", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/metrics", http.StatusOK},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(c.method, c.path, nil))
		assert.Equal(t, c.want, rec.Code, "%s %s", c.method, c.path)
	}
}
