package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("FLEET_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("FLEET_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	custom := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv("FLEET_CONFIG", custom)
	if got := getConfigPath(); got != custom {
		t.Errorf("getConfigPath() = %q, want %q", got, custom)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error: %v", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	t.Setenv("FLEET_CONFIG", writeConfig(t, fmt.Sprintf(`
logging:
  level: error
database:
  dir: %q
management:
  api:
    host: "127.0.0.1"
    port: %d
`, t.TempDir(), port)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("management API never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	body := `{"tenant_identifier":"100000","device_identifier":"dev001","description":"pump"}`
	resp, err := http.Post(base+"/api/v1/tenants/devices/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("register status = %d, want 201", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil on cancel", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
