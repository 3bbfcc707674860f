package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		action     string
		collection string
		verb       string
		ok         bool
	}{
		{"students.upsert", "students", "upsert", true},
		{"test_results.delete", "test_results", "delete", true},
		{"classes.fetch", "classes", "fetch", true},
		{"results.publish", "", "", false},
		{"upsert", "", "", false},
		{".upsert", "", "", false},
		{"students.", "", "", false},
	}
	for _, tt := range tests {
		c, v, ok := ParseAction(tt.action)
		if c != tt.collection || v != tt.verb || ok != tt.ok {
			t.Errorf("ParseAction(%q) = %q, %q, %v; want %q, %q, %v",
				tt.action, c, v, ok, tt.collection, tt.verb, tt.ok)
		}
	}
}

func TestMemory_UpsertFetchDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, rec := range []string{
		`{"id":"s1","school_id":"a","name":"Ada"}`,
		`{"id":"s2","school_id":"b","name":"Bo"}`,
	} {
		res := m.Invoke(ctx, Request{Action: UpsertAction("students"), Payload: json.RawMessage(rec)})
		if !res.Success {
			t.Fatalf("upsert: %s", res.Error)
		}
	}

	res := m.Invoke(ctx, Request{Action: FetchAction("students"), SchoolID: "a"})
	if !res.Success {
		t.Fatalf("fetch: %s", res.Error)
	}
	var got []map[string]any
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "s1" {
		t.Fatalf("fetch school a: got %v", got)
	}

	del := m.Invoke(ctx, Request{Action: DeleteAction("students"), Payload: json.RawMessage(`{"id":"s1"}`)})
	if !del.Success {
		t.Fatalf("delete: %s", del.Error)
	}
	// Deleting again is still a success.
	if again := m.Invoke(ctx, Request{Action: DeleteAction("students"), Payload: json.RawMessage(`{"id":"s1"}`)}); !again.Success {
		t.Fatalf("second delete: %s", again.Error)
	}
	if m.Len("students") != 1 {
		t.Fatalf("len: got %d, want 1", m.Len("students"))
	}
}

func TestMemory_FailuresAndHandlers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res := m.Invoke(ctx, Request{Action: "results.publish"})
	if res.Success || !strings.Contains(res.Error, ErrUnsupportedAction.Error()) {
		t.Fatalf("unhandled operation: got %+v", res)
	}

	m.Handle("results.publish", func(req Request) Result { return OK(map[string]string{"school": req.SchoolID}) })
	res = m.Invoke(ctx, Request{Action: "results.publish", SchoolID: "a"})
	if !res.Success || string(res.Data) != `{"school":"a"}` {
		t.Fatalf("handled operation: got %+v", res)
	}

	m.FailWith(func(Request) error { return errors.New("HTTP 503") })
	res = m.Invoke(ctx, Request{Action: UpsertAction("classes"), Payload: json.RawMessage(`{"id":"c1"}`)})
	if res.Success || res.Error != "HTTP 503" {
		t.Fatalf("injected failure: got %+v", res)
	}
	if m.Len("classes") != 0 {
		t.Fatal("failed call must not apply")
	}
	m.FailWith(nil)

	m.SetReachable(false)
	if err := m.Ping(ctx); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Ping: got %v, want ErrUnreachable", err)
	}
	if res := m.Invoke(ctx, Request{Action: FetchAction("classes")}); res.Success {
		t.Fatal("unreachable backend must fail")
	}
	if got := len(m.Calls()); got != 4 {
		t.Fatalf("calls: got %d, want 4", got)
	}
}

func TestFunctions_Invoke(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[{"id":"s1"}]}`))
	}))
	defer srv.Close()

	f := NewFunctions(srv.URL, "secret")
	res := f.Invoke(context.Background(), Request{Action: FetchAction("students"), SchoolID: "sch1"})
	if !res.Success {
		t.Fatalf("Invoke: %s", res.Error)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header: got %q", gotAuth)
	}
	if gotReq.Action != "students.fetch" || gotReq.SchoolID != "sch1" {
		t.Fatalf("request: got %+v", gotReq)
	}
	if string(res.Data) != `[{"id":"s1"}]` {
		t.Fatalf("data: got %s", res.Data)
	}
}

func TestFunctions_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer bad":
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"invalid key"}`))
		case "Bearer rejected":
			w.Write([]byte(`{"success":false}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	res := NewFunctions(srv.URL, "bad").Invoke(ctx, Request{Action: "x.upsert"})
	if res.Success || !strings.Contains(res.Error, "unauthorized: invalid key") {
		t.Fatalf("401: got %+v", res)
	}

	res = NewFunctions(srv.URL, "rejected").Invoke(ctx, Request{Action: "x.upsert"})
	if res.Success || res.Error == "" {
		t.Fatalf("rejected: got %+v", res)
	}

	res = NewFunctions(srv.URL, "").Invoke(ctx, Request{Action: "x.upsert"})
	if res.Success || res.Error != "HTTP 500: boom" {
		t.Fatalf("500: got %+v", res)
	}
}

func TestFunctions_PingAndTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	f := NewFunctions(srv.URL, "")
	if err := f.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	srv.Close()

	if err := f.Ping(context.Background()); err == nil {
		t.Fatal("Ping after close: expected error")
	}
	res := f.Invoke(context.Background(), Request{Action: "students.fetch"})
	if res.Success || !strings.Contains(res.Error, "http request") {
		t.Fatalf("transport error: got %+v", res)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	c, closeFn, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("Open none: %v", err)
	}
	defer closeFn()
	if res := c.Invoke(ctx, Request{Action: "students.fetch"}); res.Success {
		t.Fatal("disabled client must fail")
	}
	if p, ok := c.(Pinger); !ok || !errors.Is(p.Ping(ctx), ErrNotConfigured) {
		t.Fatal("disabled client must report not configured")
	}

	if _, _, err := Open(ctx, Config{Kind: KindFunctions}); err == nil {
		t.Fatal("functions without url: expected error")
	}
	if _, _, err := Open(ctx, Config{Kind: "ftp"}); err == nil {
		t.Fatal("unknown kind: expected error")
	}
	if c, _, err := Open(ctx, Config{Kind: KindMemory}); err != nil || c == nil {
		t.Fatalf("Open memory: %v", err)
	}
}
