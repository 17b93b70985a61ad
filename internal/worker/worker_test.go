package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rakunlabs/brain/internal/dispatcher"
)

func TestRunCommand(t *testing.T) {
	w := &Worker{}

	out, err := w.runCommand(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("runCommand() error = %v", err)
	}
	if out != "hello\n" {
		t.Errorf("runCommand() output = %q, want %q", out, "hello\n")
	}
}

func TestRunCommandEmpty(t *testing.T) {
	w := &Worker{}
	if _, err := w.runCommand(context.Background(), ""); err == nil {
		t.Error("runCommand(\"\") = nil error, want error")
	}
}

func TestRunHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	}))
	defer srv.Close()

	w := &Worker{http: srv.Client()}
	out, err := w.runHTTP(context.Background(), dispatcher.JobDispatch{URL: srv.URL})
	if err != nil {
		t.Fatalf("runHTTP() error = %v", err)
	}
	if out != "ok" {
		t.Errorf("runHTTP() = %q, want %q", out, "ok")
	}
}

func TestRunHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &Worker{http: srv.Client()}
	if _, err := w.runHTTP(context.Background(), dispatcher.JobDispatch{URL: srv.URL}); err == nil {
		t.Error("runHTTP() against a 500 response = nil error, want error")
	}
}

func TestRunAgentRequiresRunner(t *testing.T) {
	w := &Worker{}
	if _, err := w.runAgent(context.Background(), dispatcher.JobDispatch{Job: map[string]any{"goal": "do it"}}); err == nil {
		t.Error("runAgent() without an AgentRunner = nil error, want error")
	}
}

func TestExecuteUnknownType(t *testing.T) {
	w := &Worker{}
	if _, err := w.execute(context.Background(), dispatcher.JobDispatch{Type: "carrier-pigeon"}); err == nil {
		t.Error("execute() with unknown type = nil error, want error")
	}
}
