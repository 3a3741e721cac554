package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nara/internal/config"
	"github.com/harun/nara/pkg/channels"
)

type fakePlatform struct {
	mu       sync.Mutex
	authFail bool
	sent     []map[string]string
	tokens   int
}

func (p *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.tokens++
		if p.authFail {
			json.NewEncoder(w).Encode(map[string]any{"code": 10003, "msg": "invalid app_secret"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "tenant_access_token": "t-abc", "expire": 7200,
		})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-abc" {
			json.NewEncoder(w).Encode(map[string]any{"code": 99991, "msg": "unauthorized"})
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.sent = append(p.sent, body)
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]string{"message_id": "m1"}})
	})
	return mux
}

func newTestAdapter(t *testing.T, p *fakePlatform) *Adapter {
	t.Helper()
	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)
	return &Adapter{
		cfg:    config.FeishuConfig{AppID: "app", AppSecret: "secret"},
		client: newClient(server.URL, "app", "secret"),
	}
}

func TestTenantTokenIsCached(t *testing.T) {
	p := &fakePlatform{}
	a := newTestAdapter(t, p)

	require.NoError(t, a.SendMessage(context.Background(), "oc_1", "hi"))
	require.NoError(t, a.SendMessage(context.Background(), "oc_1", "again"))

	assert.Equal(t, 1, p.tokens)
	assert.Len(t, p.sent, 2)
}

func TestAuthFailureIsDistinguishable(t *testing.T) {
	p := &fakePlatform{authFail: true}
	a := newTestAdapter(t, p)

	err := a.SendMessage(context.Background(), "oc_1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, channels.ErrAuthFailed)
}

func TestSendMessagePayload(t *testing.T) {
	p := &fakePlatform{}
	a := newTestAdapter(t, p)

	require.NoError(t, a.SendMessage(context.Background(), "oc_42", "hello there"))

	require.Len(t, p.sent, 1)
	assert.Equal(t, "oc_42", p.sent[0]["receive_id"])
	assert.Equal(t, "text", p.sent[0]["msg_type"])
	assert.Contains(t, p.sent[0]["content"], "hello there")
}

func TestSendButtonsEncodesPayloads(t *testing.T) {
	p := &fakePlatform{}
	a := newTestAdapter(t, p)

	rows := []channels.ButtonRow{
		{{Label: "src/", Payload: "/browse cd /work/src"}},
		{{Label: "..", Payload: "/browse cd /"}},
	}
	require.NoError(t, a.SendButtons(context.Background(), "oc_1", "Pick a directory", rows))

	require.Len(t, p.sent, 1)
	assert.Equal(t, "interactive", p.sent[0]["msg_type"])
	assert.Contains(t, p.sent[0]["content"], "/browse cd /work/src")
}

func TestHandleFrameTextMessage(t *testing.T) {
	a := &Adapter{cfg: config.FeishuConfig{}}

	var got []channels.Inbound
	onMessage := func(_ context.Context, msg channels.Inbound) { got = append(got, msg) }

	frame := `{"type":"event","event":{"message":{"chat_id":"oc_9","message_type":"text","content":"{\"text\":\"/status\"}"}}}`
	a.handleFrame(context.Background(), []byte(frame), onMessage)

	require.Len(t, got, 1)
	assert.Equal(t, "feishu", got[0].Channel)
	assert.Equal(t, "oc_9", got[0].ChatID)
	assert.Equal(t, "/status", got[0].Text)
	assert.False(t, got[0].Callback)
}

func TestHandleFrameCardAction(t *testing.T) {
	a := &Adapter{cfg: config.FeishuConfig{}}

	var got []channels.Inbound
	onMessage := func(_ context.Context, msg channels.Inbound) { got = append(got, msg) }

	frame := `{"type":"card_action","event":{"open_chat_id":"oc_9","action":{"value":"/cd /work"}}}`
	a.handleFrame(context.Background(), []byte(frame), onMessage)

	require.Len(t, got, 1)
	assert.True(t, got[0].Callback)
	assert.Equal(t, "/cd /work", got[0].Text)
}

func TestHandleFrameRespectsAllowlist(t *testing.T) {
	a := &Adapter{cfg: config.FeishuConfig{Allowlist: []string{"oc_ok"}}}

	var got []channels.Inbound
	onMessage := func(_ context.Context, msg channels.Inbound) { got = append(got, msg) }

	frame := `{"type":"event","event":{"message":{"chat_id":"oc_other","message_type":"text","content":"{\"text\":\"hi\"}"}}}`
	a.handleFrame(context.Background(), []byte(frame), onMessage)
	assert.Empty(t, got)
}

func TestExtractTextIgnoresNonText(t *testing.T) {
	assert.Equal(t, "", extractText("image", `{"image_key":"k"}`))
	assert.Equal(t, "hi", extractText("text", `{"text":"hi"}`))
	assert.Equal(t, "", extractText("text", `not json`))
}
