package collector

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/rpc"
)

const bufSize = 1024 * 1024

func setupServer(t *testing.T) (*Server, *rpc.ScriptRunnerClient) {
	t.Helper()
	srv, conn := setupConn(t)
	return srv, rpc.NewScriptRunnerClient(conn)
}

func setupConn(t *testing.T) (*Server, *grpc.ClientConn) {
	t.Helper()

	executor := NewExecutor(map[string][]string{
		"groovy":     {"/bin/sh"},
		"powershell": {"/bin/sh"},
	}, t.TempDir())
	srv := NewServer("7", executor, log.Discard())
	srv.describe = func() (string, error) { return "test-host (linux, 2 cores)", nil }

	listener := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(RequireSession))
	rpc.RegisterScriptRunnerServer(grpcServer, srv)
	grpc_health_v1.RegisterHealthServer(grpcServer, health.NewServer())

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			t.Logf("Server error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		listener.Close()
	})

	return srv, conn
}

func sessionCtx() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(),
		rpc.MetadataAuthorization, "Bearer tok", rpc.MetadataPortal, "acme")
}

func waitDone(t *testing.T, client *rpc.ScriptRunnerClient, handle string) *rpc.PollResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Poll(sessionCtx(), &rpc.HandleRequest{Handle: handle})
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if resp.State != rpc.StateRunning {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return nil
}

func TestInvokeAndPoll(t *testing.T) {
	_, client := setupServer(t)

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{
		CollectorID: "7",
		Script:      "echo \"hello $WILDVALUE\"",
		Language:    "groovy",
		Mode:        "collection",
		Wildvalue:   "eth0",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if inv.Handle == "" {
		t.Fatal("Expected a handle")
	}

	resp := waitDone(t, client, inv.Handle)
	if resp.State != rpc.StateComplete {
		t.Fatalf("Expected complete, got %s (%s)", resp.State, resp.Error)
	}
	if !strings.Contains(resp.Output, "hello eth0") {
		t.Errorf("Expected output to contain 'hello eth0', got %q", resp.Output)
	}
}

func TestInvokeNonUTF8Output(t *testing.T) {
	_, client := setupServer(t)

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{
		CollectorID: "7",
		Script:      `printf 'caf\351\n'`,
		Language:    "powershell",
		Mode:        "freeform",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	resp := waitDone(t, client, inv.Handle)
	if resp.State != rpc.StateComplete {
		t.Fatalf("Expected complete, got %s (%s)", resp.State, resp.Error)
	}
	if resp.Output != "caf\uFFFD\n" {
		t.Errorf("Expected replacement character in output, got %q", resp.Output)
	}
}

func TestInvokeOutputIsCapped(t *testing.T) {
	srv, client := setupServer(t)
	srv.executor.maxOutput = 1024

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{
		CollectorID: "7",
		Script:      "head -c 100000 /dev/zero | tr '\\0' 'a'; echo; echo done",
		Language:    "groovy",
		Mode:        "freeform",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	resp := waitDone(t, client, inv.Handle)
	if resp.State != rpc.StateComplete {
		t.Fatalf("Expected complete, got %s (%s)", resp.State, resp.Error)
	}
	if len(resp.Output) != 1024 {
		t.Errorf("Expected 1024 bytes of output, got %d", len(resp.Output))
	}
	if !resp.Truncated {
		t.Error("Expected output to be marked truncated")
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	for _, chunk := range []string{"ab", "cde", "f"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if b.String() != "abcd" || !b.truncated {
		t.Errorf("Expected abcd truncated, got %q truncated=%v", b.String(), b.truncated)
	}
}

func TestInvokeFailure(t *testing.T) {
	_, client := setupServer(t)

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{
		Script:   "echo 'boom' >&2\nexit 3",
		Language: "groovy",
		Mode:     "freeform",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	resp := waitDone(t, client, inv.Handle)
	if resp.State != rpc.StateFailed {
		t.Fatalf("Expected failed, got %s", resp.State)
	}
	if resp.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", resp.ExitCode)
	}
	if !strings.Contains(resp.Error, "boom") {
		t.Errorf("Expected stderr in error, got %q", resp.Error)
	}
}

func TestCancelRun(t *testing.T) {
	_, client := setupServer(t)

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{Script: "sleep 30", Language: "groovy", Mode: "freeform"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	ack, err := client.Cancel(sessionCtx(), &rpc.HandleRequest{Handle: inv.Handle})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !ack.Acknowledged {
		t.Error("Expected cancel to be acknowledged")
	}

	resp := waitDone(t, client, inv.Handle)
	if resp.State != rpc.StateFailed || resp.Error != "cancelled" {
		t.Errorf("Expected cancelled failure, got %s %q", resp.State, resp.Error)
	}
}

func TestWrongCollector(t *testing.T) {
	_, client := setupServer(t)

	_, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{CollectorID: "8", Script: "true", Language: "groovy"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestUnknownHandle(t *testing.T) {
	_, client := setupServer(t)

	_, err := client.Poll(sessionCtx(), &rpc.HandleRequest{Handle: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestMissingInterpreter(t *testing.T) {
	_, client := setupServer(t)

	_, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{Script: "x", Language: "python"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Expected FailedPrecondition, got %v", err)
	}
}

func TestRequireSession(t *testing.T) {
	_, client := setupServer(t)

	_, err := client.Describe(context.Background())
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated, got %v", err)
	}

	desc, err := client.Describe(sessionCtx())
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if desc.CollectorID != "7" || desc.Description == "" {
		t.Errorf("Unexpected description: %+v", desc)
	}
}

func TestHealthSkipsSession(t *testing.T) {
	_, conn := setupConn(t)

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
}

func TestSweep(t *testing.T) {
	srv, client := setupServer(t)

	inv, err := client.Invoke(sessionCtx(), &rpc.InvokeRequest{Script: "true", Language: "groovy"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	waitDone(t, client, inv.Handle)

	if n := srv.Sweep(time.Hour); n != 0 {
		t.Errorf("Expected nothing swept, got %d", n)
	}
	if n := srv.Sweep(0); n != 1 {
		t.Errorf("Expected 1 run swept, got %d", n)
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(8 * 1024 * 1024 * 1024); got != "8.0 GB" {
		t.Errorf("Expected 8.0 GB, got %s", got)
	}
}
