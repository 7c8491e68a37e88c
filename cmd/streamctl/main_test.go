package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
)

func writeConfig(t *testing.T, baseURL string) *rootOptions {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("base_url: %s\nlog:\n  file: %s\n", baseURL, filepath.Join(dir, "streamctl.log"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return &rootOptions{configPath: path}
}

func TestBuildFeed(t *testing.T) {
	env := feeds.Env{BaseURL: "http://example.test"}

	tests := []struct {
		feature, key string
		want         interface{}
		wantErr      bool
	}{
		{"trace", "abc", &feeds.Trace{}, false},
		{"payment", "pay_1", &feeds.Payment{}, false},
		{"news", "hack", &feeds.NewsCaseFeed{}, false},
		{"news_case", "hack", &feeds.NewsCaseFeed{}, false},
		{"scanner", "u1", &feeds.Scanner{}, false},
		{"kyt", "eth:0x52908400098527886E0F7030069857D2E4169EE7", &feeds.KYT{}, false},
		{"kyt", "eth", nil, true},
		{"chat", "hello", nil, true},
		{"ticker", "x", nil, true},
		{"trace", " ", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.feature+"/"+tt.key, func(t *testing.T) {
			f, err := buildFeed(env, tt.feature, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, f)
		})
	}
}

func TestParseAddresses(t *testing.T) {
	addrs, err := parseAddresses([]string{
		" ETH:0x52908400098527886E0F7030069857D2E4169EE7 ",
		"",
		"solana:11111111111111111111111111111111",
	})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "eth:0x52908400098527886e0f7030069857d2e4169ee7", addrs[0].Key())
	assert.Equal(t, "solana", addrs[1].Chain)

	_, err = parseAddresses([]string{"eth:0x123"})
	assert.ErrorIs(t, err, feeds.ErrInvalidAddress)

	_, err = parseAddresses(nil)
	assert.Error(t, err)
}

func TestSummaryAndFinished(t *testing.T) {
	env := feeds.Env{}

	trace := feeds.NewTrace(env, "abc")
	assert.Equal(t, "0%  (0 nodes)", summary(trace))
	assert.False(t, finished(trace))

	pay := feeds.NewPayment(env, "pay_1")
	assert.Equal(t, feeds.PaymentPending, summary(pay))
	assert.False(t, finished(pay))

	kyt := feeds.NewKYT(env, feeds.Address{Chain: "eth", Address: "0x52908400098527886E0F7030069857D2E4169EE7"})
	assert.Equal(t, "1 watched, 0 results, 0 alerts", summary(kyt))

	assert.Equal(t, "0 scans, 0 running", summary(feeds.NewScanner(env, "u1")))
}

func TestAnswerPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &answerPrinter{out: &out}

	p.update(feeds.ChatState{RequestID: "a", Text: "Fund"})
	p.update(feeds.ChatState{RequestID: "a", Text: "Funded"})
	p.update(feeds.ChatState{RequestID: "a", Text: "Funded"})
	p.update(feeds.ChatState{RequestID: "b", Text: "New"})

	assert.Equal(t, "FundedNew", out.String())
}

func TestRunAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/stream", r.URL.Path)
		assert.Equal(t, "who funded this?", r.URL.Query().Get("q"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			"event: chat.ready\ndata: {}\n\n",
			"event: chat.delta\ndata: {\"text\":\"Funded by \"}\n\n",
			"event: chat.delta\ndata: {\"text\":\"a mixer\"}\n\n",
			"event: chat.answer\ndata: {\"answer\":\"Funded by a mixer.\"}\n\n",
		} {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runAsk(context.Background(), writeConfig(t, srv.URL), "who funded this?", &out)
	require.NoError(t, err)
	assert.Equal(t, "Funded by a mixer.\n", out.String())
}

func TestRunSnapshot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/news-cases/exchange-hack/public", r.URL.Path)
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"slug":"exchange-hack","title":"Exchange hack","status":"active","addresses":[]}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runSnapshot(context.Background(), writeConfig(t, srv.URL), &snapshotOptions{retries: 3}, "exchange-hack", &out)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	var c feeds.NewsCase
	require.NoError(t, json.Unmarshal(out.Bytes(), &c))
	assert.Equal(t, "Exchange hack", c.Title)
}

func TestRunSnapshotPermanentError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := runSnapshot(context.Background(), writeConfig(t, srv.URL), &snapshotOptions{retries: 3}, "missing", &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRootCommandRequiresArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"watch"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), "nothing to watch")
}
