package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"x402chat/internal/config"
)

func newChatBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/wallet/session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"sess-cli","address":"0xfeed"}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range []string{
			`{"type":"reasoning","delta":"Add the numbers."}`,
			`{"type":"text-delta","delta":"2+2 is "}`,
			`{"type":"text-delta","delta":"4."}`,
			`{"type":"finish","finishReason":"stop"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config pointing at baseURL with all state under a temp dir.
func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.DataDir = dir
	c.Backend.BaseURL = baseURL
	c.Cache.MaxEntries = 16
	c.Drafts.Debounce = "10ms"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, c.Save(path))
	return path
}

// run executes the root command with args and returns its output.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	logger = zap.NewNop()
	sendNew, sendConversation, showReasoning = false, "", false
	timeout = 10 * time.Second

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSendAndHistory(t *testing.T) {
	srv := newChatBackend(t)
	cfgPath := writeConfig(t, srv.URL)

	out, err := run(t, cfgPath, "login")
	require.NoError(t, err)
	assert.Contains(t, out, "0xfeed")

	out, err = run(t, cfgPath, "send", "--new", "--reasoning", "What", "is", "2+2?")
	require.NoError(t, err)
	assert.Contains(t, out, "Add the numbers.")
	assert.Contains(t, out, "2+2 is 4.")

	out, err = run(t, cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "What is 2+2?")
	assert.Contains(t, out, "2+2 is 4.")
	assert.Contains(t, out, "2 messages")

	out, err = run(t, cfgPath, "conversations", "list")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "*"), "active conversation marked")
}

func TestSendWithoutWalletKeepsDraft(t *testing.T) {
	srv := newChatBackend(t)
	cfgPath := writeConfig(t, srv.URL)

	out, err := run(t, cfgPath, "send", "--new", "my balance?")
	require.Error(t, err)
	assert.Contains(t, out, "Wallet session expired")

	out, err = run(t, cfgPath, "drafts")
	require.NoError(t, err)
	assert.Contains(t, out, "my balance?")

	_, err = run(t, cfgPath, "drafts", "clear")
	require.NoError(t, err)
	out, err = run(t, cfgPath, "drafts")
	require.NoError(t, err)
	assert.Contains(t, out, "No draft.")
}

func TestConversationLifecycle(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfgPath, "conversations")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations yet.")

	first, err := run(t, cfgPath, "conversations", "new")
	require.NoError(t, err)
	first = strings.TrimSpace(first)
	second, err := run(t, cfgPath, "conversations", "new")
	require.NoError(t, err)
	second = strings.TrimSpace(second)

	out, err = run(t, cfgPath, "conversations", "use", first)
	require.NoError(t, err)
	assert.Contains(t, out, first)

	out, err = run(t, cfgPath, "conversations", "delete", second)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")

	out, err = run(t, cfgPath, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, first)
	assert.NotContains(t, out, second)

	_, err = run(t, cfgPath, "conversations", "use", "missing")
	assert.Error(t, err)
}

func TestSignOutForgetsActive(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	_, err := run(t, cfgPath, "conversations", "new")
	require.NoError(t, err)

	out, err := run(t, cfgPath, "signout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")

	_, err = run(t, cfgPath, "drafts")
	assert.ErrorContains(t, err, "no active conversation")
}

func TestConfigShowAndInit(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "provider: sse")
	assert.Contains(t, out, "max_entries: 16")

	_, err = run(t, cfgPath, "config", "init")
	assert.Error(t, err, "refuses to overwrite")

	fresh := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out, err = run(t, fresh, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, fresh)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	c, err := config.Load(fresh)
	require.NoError(t, err)
	assert.Equal(t, "sse", c.Transport.Provider)
}
