// Package firestoretest starts a Firestore emulator for integration tests.
package firestoretest

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/gigconnect/api/internal/platform/config"
	pfirestore "github.com/gigconnect/api/internal/platform/firestore"
)

const image = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// Provider returns a provider bound to a fresh emulator project. A running
// emulator named by FIRESTORE_EMULATOR_HOST is reused; otherwise one is
// started in docker and stopped on cleanup. The test is skipped when neither
// is available.
func Provider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("emulator tests skipped in short mode")
	}

	endpoint := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if endpoint == "" {
		endpoint = startContainer(t)
	}
	waitFor(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func startContainer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	port := freePort(t)
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		image,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatal("docker returned an empty container id")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
	})
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("emulator at %s did not become ready: %v", endpoint, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
