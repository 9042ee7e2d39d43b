package testutil

import (
	"net/http"
	"testing"

	"github.com/banshee-data/conveyor/internal/monitoring"
)

func TestLocalRequest(t *testing.T) {
	req := LocalRequest(http.MethodGet, "/debug/sequence", nil)
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
	if req.URL.Path != "/debug/sequence" {
		t.Errorf("Path = %q", req.URL.Path)
	}
}

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestMuteLogs(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	called := false
	monitoring.SetLogger(func(string, ...interface{}) { called = true })
	t.Run("muted", func(t *testing.T) {
		MuteLogs(t)
		monitoring.Logf("hidden")
	})
	if called {
		t.Error("logger should have been muted inside subtest")
	}
	monitoring.Logf("visible")
	if !called {
		t.Error("logger should be restored after subtest")
	}
}
