package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	deliveries map[string]*mailbox.Delivery
	payloads   map[string][]byte
}

func (m *fakeMailbox) Outgoing(_ context.Context, token string) (*mailbox.Delivery, error) {
	d, ok := m.deliveries[token]
	if !ok {
		return nil, fault.MethodNotAllowed("Unknown or expired download token")
	}
	delete(m.deliveries, token)
	return d, nil
}

func (m *fakeMailbox) Incoming(_ context.Context, token string, payload []byte) error {
	if token != "in-1" {
		return fault.MethodNotAllowed("Unknown or expired result token")
	}
	m.payloads[token] = payload
	return nil
}

type fakeSplitter struct {
	dir   string
	calls [][2]float64
}

func (s *fakeSplitter) Segment(_ context.Context, path string, start, end float64) (string, error) {
	s.calls = append(s.calls, [2]float64{start, end})
	out := filepath.Join(s.dir, "segment.ogg")
	return out, os.WriteFile(out, []byte("segment of "+filepath.Base(path)), 0o644)
}

func newTestServer(t *testing.T, mb *fakeMailbox, sp *fakeSplitter) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewServer(Services{Mailbox: mb, Splitter: sp}, Options{
		Auth: AuthMiddleware(&testResolver{tokenToUser: map[string]string{"token": "alice"}}),
	}))
	t.Cleanup(server.Close)
	return server
}

func decodeMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Message
}

func TestHTTPServer_Health(t *testing.T) {
	server := newTestServer(t, &fakeMailbox{}, &fakeSplitter{})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTPServer_Preflight(t *testing.T) {
	server := newTestServer(t, &fakeMailbox{}, &fakeSplitter{})

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/editor/save_text", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
}

func TestHTTPServer_APIRequiresAuth(t *testing.T) {
	server := newTestServer(t, &fakeMailbox{}, &fakeSplitter{})

	resp, err := http.Post(server.URL+"/projects/list_projects", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Missing bearer token", decodeMessage(t, resp))
}

func TestHTTPServer_MissingParameter(t *testing.T) {
	server := newTestServer(t, &fakeMailbox{}, &fakeSplitter{})

	req, err := http.NewRequest(http.MethodPost, server.URL+"/editor/load_task", strings.NewReader(`{"projectid":"p1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "missing parameter in request body: taskid", decodeMessage(t, resp))

	req, err = http.NewRequest(http.MethodPost, server.URL+"/editor/load_task", strings.NewReader(`{"projectid":`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Request body is not valid JSON", decodeMessage(t, resp))
}

func TestHTTPServer_OutgoingAudioRange(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio.ogg")
	require.NoError(t, os.WriteFile(audio, []byte("whole"), 0o644))
	mb := &fakeMailbox{deliveries: map[string]*mailbox.Delivery{
		"out-1": {Mime: mailbox.MimeAudio, Path: audio, Range: &mailbox.Range{Start: 2, End: 5}},
	}}
	sp := &fakeSplitter{dir: dir}
	server := newTestServer(t, mb, sp)

	resp, err := http.Get(server.URL + "/editor/out-1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, mailbox.MimeAudio, resp.Header.Get("Content-Type"))
	require.Equal(t, "segment of audio.ogg", string(body))
	require.Equal(t, [][2]float64{{2, 5}}, sp.calls)
	require.NoFileExists(t, filepath.Join(dir, "segment.ogg"))

	resp, err = http.Get(server.URL + "/editor/out-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "Unknown or expired download token", decodeMessage(t, resp))
}

func TestHTTPServer_OutgoingDocumentDeletedAfterDelivery(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "out.docx")
	require.NoError(t, os.WriteFile(doc, []byte("docx"), 0o644))
	mb := &fakeMailbox{deliveries: map[string]*mailbox.Delivery{
		"doc-1": {Mime: mailbox.MimeDocx, Path: doc, SaveName: "Sitting.docx", DeleteAfter: true},
	}}
	sp := &fakeSplitter{dir: dir}
	server := newTestServer(t, mb, sp)

	resp, err := http.Get(server.URL + "/editor/doc-1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "docx", string(body))
	require.Equal(t, `attachment; filename="Sitting.docx"`, resp.Header.Get("Content-Disposition"))
	require.Empty(t, sp.calls)
	require.NoFileExists(t, doc)
}

func TestHTTPServer_Incoming(t *testing.T) {
	mb := &fakeMailbox{payloads: map[string][]byte{}}
	server := newTestServer(t, mb, &fakeSplitter{})

	put := func(token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, server.URL+"/projects/"+token, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put("in-1", `{"CTM":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Request successful!", decodeMessage(t, resp))
	require.JSONEq(t, `{"CTM":"x"}`, string(mb.payloads["in-1"]))

	resp = put("in-2", `{}`)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPServer_IncomingTooLarge(t *testing.T) {
	mb := &fakeMailbox{payloads: map[string][]byte{}}
	server := httptest.NewServer(NewServer(Services{Mailbox: mb, Splitter: &fakeSplitter{}}, Options{MaxResult: 16}))
	t.Cleanup(server.Close)

	body := `{"CTM":"` + strings.Repeat("spk0 1 0 1 x ", 8) + `"}`
	req, err := http.NewRequest(http.MethodPut, server.URL+"/projects/in-1", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, "Request body exceeds 16 bytes", decodeMessage(t, resp))
	require.Empty(t, mb.payloads, "the result never reaches the mailbox")

	req, err = http.NewRequest(http.MethodPut, server.URL+"/projects/in-1", strings.NewReader(`{"CTM":"x"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
