package httpdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/feishugate/internal/agentrt"
)

func TestDispatchReplyFromConfig_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/dispatch" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.TaskID != "t1" {
			t.Fatalf("task_id = %q, want t1", req.TaskID)
		}
		json.NewEncoder(w).Encode(dispatchResponse{QueuedFinal: true, FinalCount: 2})
	}))
	defer srv.Close()

	var started, idled bool
	c := New(srv.URL, nil)
	result, err := c.DispatchReplyFromConfig(context.Background(), agentrt.ReplyOptions{
		AccountID: "acct1",
		ChatID:    "chat1",
		TaskID:    "t1",
		RunID:     "r1",
		Envelope:  "hello",
		Callbacks: agentrt.StatusCallbacks{
			OnReplyStart: func() { started = true },
			OnIdle:       func() { idled = true },
		},
	})
	if err != nil {
		t.Fatalf("DispatchReplyFromConfig: %v", err)
	}
	if !result.QueuedFinal || result.Counts.Final != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !started || !idled {
		t.Fatalf("expected both callbacks to fire, started=%v idled=%v", started, idled)
	}
}

func TestDispatchReplyFromConfig_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.DispatchReplyFromConfig(context.Background(), agentrt.ReplyOptions{TaskID: "t1"})
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestDispatchReplyFromConfig_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	var idled bool
	_, err := c.DispatchReplyFromConfig(context.Background(), agentrt.ReplyOptions{
		TaskID:    "t1",
		Callbacks: agentrt.StatusCallbacks{OnIdle: func() { idled = true }},
	})
	if err == nil {
		t.Fatal("expected error when runtime unreachable")
	}
	if !idled {
		t.Fatal("expected OnIdle to fire even on transport error")
	}
}
