package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"meetingIntel/config"
	"meetingIntel/core"
	"meetingIntel/processors"
	"meetingIntel/prompts"
	"meetingIntel/storage"
)

type stubExtractor struct{ err error }

func (s stubExtractor) Extract(ctx context.Context, videoPath, audioPath string) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(audioPath, []byte("RIFF"), 0644)
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	if strings.Contains(prompt, "**SUMMARY:**") {
		return "# Meeting Summary\n\n## Participants\n- Alice\n- Bob", nil
	}
	return "Alice will ship on Friday.", nil
}

type testServer struct {
	srv      *Server
	cfg      *config.Config
	sessions storage.SessionStore
}

func newTestServer(t *testing.T, extractErr error) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MaxUploadMB = 1
	cfg.AllowedMIME = []string{"video/mp4"}

	sessions := storage.NewMemorySessionStore()
	vectors := storage.NewMemoryVectorStore()
	asr := &processors.MockASR{Utterances: []core.Utterance{
		{Speaker: "A", Text: "We ship on Friday."},
		{Speaker: "B", Text: "Budget review next week."},
		{Speaker: "A", Text: "I will write the notes."},
	}}
	lib := prompts.Default()
	orch := processors.NewOrchestrator(cfg, sessions, stubExtractor{err: extractErr}, asr, stubGenerator{}, lib)
	chat := processors.NewChatEngine(cfg, sessions, vectors, stubGenerator{}, lib)

	srv := New(cfg, Deps{Orchestrator: orch, Chat: chat, Sessions: sessions, Vectors: vectors})
	return &testServer{srv: srv, cfg: cfg, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return rec.Code, body
}

func (ts *testServer) postJSON(t *testing.T, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return ts.do(t, req)
}

func uploadRequest(t *testing.T, path, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="video"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(content)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if code != http.StatusOK || body["success"] != true || body["status"] != "healthy" {
		t.Fatalf("unexpected health response: %d %v", code, body)
	}
}

func TestProcessNameSummarizeChat(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/process", "/process-video"} {
		code, body := ts.do(t, uploadRequest(t, path, "meeting.mp4", "video/mp4", []byte("video bytes")))
		if code != http.StatusOK || body["success"] != true {
			t.Fatalf("%s: unexpected response %d %v", path, code, body)
		}
		if speakers, _ := body["speakers"].([]interface{}); len(speakers) != 2 {
			t.Fatalf("%s: expected 2 speakers, got %v", path, body["speakers"])
		}
	}

	code, body := ts.do(t, uploadRequest(t, "/process", "meeting.mp4", "video/mp4", []byte("video bytes")))
	if code != http.StatusOK {
		t.Fatalf("process: %d %v", code, body)
	}
	id := body["transcript_id"].(string)

	code, body = ts.postJSON(t, "/speakers", map[string]interface{}{
		"transcript_id":   id,
		"speaker_mapping": map[string]string{"A": "Alice"},
	})
	if code != http.StatusBadRequest || body["kind"] != string(core.KindIncompleteMapping) {
		t.Fatalf("expected incomplete mapping, got %d %v", code, body)
	}

	code, body = ts.postJSON(t, "/speakers", map[string]interface{}{
		"transcript_id":   id,
		"speaker_mapping": map[string]string{"A": "Alice", "B": "Bob"},
	})
	if code != http.StatusOK {
		t.Fatalf("speakers: %d %v", code, body)
	}

	code, body = ts.postJSON(t, "/generate-summary", map[string]interface{}{"transcript_id": id})
	if code != http.StatusOK || !strings.Contains(body["summary_markdown"].(string), "Alice") {
		t.Fatalf("summary: %d %v", code, body)
	}

	code, body = ts.postJSON(t, "/chat", map[string]interface{}{"transcript_id": id, "query": "when do we ship?"})
	if code != http.StatusOK || body["answer"] != "Alice will ship on Friday." {
		t.Fatalf("chat: %d %v", code, body)
	}

	code, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/transcript/"+id, nil))
	if code != http.StatusOK || !strings.Contains(body["transcript_text"].(string), "**Alice:** We ship on Friday.") {
		t.Fatalf("transcript: %d %v", code, body)
	}

	code, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/transcript/"+id+"/chat", nil))
	if history, _ := body["history"].([]interface{}); code != http.StatusOK || len(history) != 1 {
		t.Fatalf("history: %d %v", code, body)
	}

	code, _ = ts.do(t, httptest.NewRequest(http.MethodDelete, "/transcript/"+id, nil))
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	code, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/transcript/"+id, nil))
	if code != http.StatusNotFound || body["success"] != false || body["kind"] != string(core.KindNotFound) {
		t.Fatalf("expected 404 after delete, got %d %v", code, body)
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, uploadRequest(t, "/process", "notes.txt", "video/mp4", []byte("x")))
	if code != http.StatusBadRequest || body["success"] != false || body["kind"] != string(core.KindValidation) {
		t.Fatalf("bad extension: %d %v", code, body)
	}

	big := bytes.Repeat([]byte("x"), 3<<20)
	code, body = ts.do(t, uploadRequest(t, "/process", "big.mp4", "video/mp4", big))
	if code != http.StatusRequestEntityTooLarge || body["success"] != false {
		t.Fatalf("too large: %d %v", code, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	code, body = ts.do(t, req)
	if code != http.StatusBadRequest || body["error"] != "no video file provided" {
		t.Fatalf("missing file: %d %v", code, body)
	}
}

func TestExtractionFailureIsSanitised(t *testing.T) {
	ts := newTestServer(t, errors.New("ffmpeg failed on /secret/path/source.mp4"))

	code, body := ts.do(t, uploadRequest(t, "/process", "meeting.mp4", "video/mp4", []byte("video")))
	if code != http.StatusInternalServerError || body["kind"] != string(core.KindExtraction) {
		t.Fatalf("unexpected response: %d %v", code, body)
	}
	if strings.Contains(body["error"].(string), "/secret") {
		t.Fatalf("error leaks paths: %v", body["error"])
	}
}

func TestChatErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	id, _ := ts.sessions.Create(context.Background(), &core.Transcript{Utterances: []core.Utterance{{Speaker: "A", Text: "hi"}}})

	code, body := ts.postJSON(t, "/chat", map[string]interface{}{"transcript_id": id, "query": "  "})
	if code != http.StatusBadRequest || body["kind"] != string(core.KindEmptyQuery) {
		t.Fatalf("empty query: %d %v", code, body)
	}
	code, body = ts.postJSON(t, "/chat", map[string]interface{}{"transcript_id": "missing", "query": "hi"})
	if code != http.StatusNotFound {
		t.Fatalf("unknown id: %d %v", code, body)
	}
	code, body = ts.postJSON(t, "/chat", map[string]interface{}{"query": "hi"})
	if code != http.StatusBadRequest {
		t.Fatalf("missing id: %d %v", code, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	code, body = ts.do(t, req)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("bad json: %d %v", code, body)
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if code != http.StatusNotFound || body["success"] != false {
		t.Fatalf("unexpected response: %d %v", code, body)
	}
}
