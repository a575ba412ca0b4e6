package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	"github.com/MrWong99/voxlive/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a session against srv and closes it when the test ends.
func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// nextMessage waits for one message or channel close.
func nextMessage(t *testing.T, handle s2s.SessionHandle) (s2s.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-handle.Messages():
		return m, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
		return s2s.Message{}, false
	}
}

// ── Options and capabilities ──────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != audio.CaptureSampleRate {
		t.Errorf("InputSampleRate = %d, want %d", caps.InputSampleRate, audio.CaptureSampleRate)
	}
	if caps.OutputSampleRate != audio.PlaybackSampleRate {
		t.Errorf("OutputSampleRate = %d, want %d", caps.OutputSampleRate, audio.PlaybackSampleRate)
	}
	found := false
	for _, v := range caps.Voices {
		if v == "Puck" {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices = %v, want to include Puck", caps.Voices)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Voice: "Puck", Instructions: "Be brief."})

	msg := <-received
	if !strings.HasPrefix(msg.Setup.Model, "models/") {
		t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", got)
	}
	if msg.Setup.GenerationConfig.SpeechConfig == nil {
		t.Fatal("speechConfig is nil")
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Errorf("voiceName = %q, want Puck", got)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.Query().Get("key")
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})

	if got := <-query; got != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", got)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected Connect to fail without setupComplete")
	}
}

func TestConnect_SetupErrorFails(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{
			"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED",
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("error %q should carry the service message", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_ForwardsPayloadUnchanged(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan chunkMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	payload := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0, 0.25, -0.25}})
	if err := handle.Send(s2s.Blob{MIMEType: audio.CaptureMIMEType, Data: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("mediaChunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != payload {
			t.Errorf("data = %q, want %q", chunks[0].Data, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSend_AfterClose_ReturnsErrSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	handle.Close()

	if err := handle.Send(s2s.Blob{MIMEType: audio.CaptureMIMEType, Data: "AAA="}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after Close: got %v, want ErrSessionClosed", err)
	}
}

func TestSend_Concurrent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = handle.Send(s2s.Blob{MIMEType: audio.CaptureMIMEType, Data: "AAAA"})
			}
		}()
	}
	wg.Wait()
}

// ── Messages ──────────────────────────────────────────────────────────────────

func TestMessages_AudioThenInterrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAB"}},
				map[string]any{"text": "ignored"},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "!!bad"}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	m, ok := nextMessage(t, handle)
	if !ok {
		t.Fatal("channel closed early")
	}
	if len(m.Audio) != 2 {
		t.Fatalf("audio parts = %d, want 2", len(m.Audio))
	}
	// Payloads are passed through without decoding, malformed ones included.
	if m.Audio[0].Data != "AAAB" || m.Audio[1].Data != "!!bad" {
		t.Errorf("audio = %+v", m.Audio)
	}
	if m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("mimeType = %q", m.Audio[0].MIMEType)
	}
	if m.Interrupted {
		t.Error("first message should not be interrupted")
	}

	m, _ = nextMessage(t, handle)
	if !m.Interrupted || len(m.Audio) != 0 {
		t.Errorf("second message = %+v, want interrupted only", m)
	}

	m, _ = nextMessage(t, handle)
	if !m.TurnComplete {
		t.Errorf("third message = %+v, want turnComplete", m)
	}
}

func TestMessages_ServerErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if handle.Err() == nil {
		t.Fatal("expected Err after server error")
	}
	if !strings.Contains(handle.Err().Error(), "internal") {
		t.Errorf("Err = %v, want service message", handle.Err())
	}
}

func TestMessages_RemoteNormalCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes with StatusNormalClosure.
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err = %v, want nil for a normal close", err)
	}
}

func TestMessages_AbnormalCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if handle.Err() == nil {
		t.Error("expected Err after abnormal close")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesMessages(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to be closed")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err after local Close = %v, want nil", err)
	}
}
