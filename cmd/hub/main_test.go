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

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestRun_DatabaseDirUnusable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatalf("writing blocker: %v", err)
	}
	t.Setenv("FLEET_CONFIG", writeConfig(t, fmt.Sprintf("database:\n  dir: %q\n", filepath.Join(blocker, "data"))))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "database directory") {
		t.Fatalf("run() error = %v, want database directory error", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	grpcPort, httpPort := freePort(t), freePort(t)
	t.Setenv("FLEET_CONFIG", writeConfig(t, fmt.Sprintf(`
logging:
  level: error
database:
  dir: %q
hub:
  grpc:
    host: "127.0.0.1"
    port: %d
  http:
    host: "127.0.0.1"
    port: %d
`, t.TempDir(), grpcPort, httpPort)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", httpPort)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("health status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("hub never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
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
