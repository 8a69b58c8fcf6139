package followupd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/collab"
	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Database.Path = ":memory:"
	cfg.Scheduler.TickInterval = 20 * time.Millisecond
	return cfg
}

func dryCollaborators() *actions.Collaborators {
	dry := collab.NewLogOnly()
	return &actions.Collaborators{Messenger: dry, Generator: dry, Tags: dry, Handoff: dry, Deals: dry}
}

func TestNewDefaultsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	daemon, err := New(cfg, zerolog.Nop(), Options{Collaborators: dryCollaborators()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer daemon.Close()

	want := fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	if got := daemon.bindAddr(); got != want {
		t.Fatalf("bindAddr() = %q, want %q", got, want)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil, zerolog.Nop(), Options{}); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestNewImportsBuiltinFlows(t *testing.T) {
	cfg := testConfig(t)
	daemon, err := New(cfg, zerolog.Nop(), Options{Collaborators: dryCollaborators()})
	require.NoError(t, err)
	defer daemon.Close()

	flow, err := daemon.flows.Get(context.Background(), "no-response-3x")
	require.NoError(t, err)
	assert.Equal(t, 1, flow.Version)
	assert.True(t, flow.Runnable)
}

func TestRunReturnsOnCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	daemon, err := New(cfg, zerolog.Nop(), Options{Port: 50098, Collaborators: dryCollaborators()})
	require.NoError(t, err)
	defer daemon.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestDaemonServesClient(t *testing.T) {
	cfg := testConfig(t)
	daemon, err := New(cfg, zerolog.Nop(), Options{Port: 50097, Version: "e2e", Collaborators: dryCollaborators()})
	require.NoError(t, err)
	defer daemon.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return daemon.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	client, err := Dial(daemon.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	health, err := healthpb.NewHealthClient(client.conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status)

	flows, err := client.ListFlows(callCtx)
	require.NoError(t, err)
	require.NotEmpty(t, flows)

	res, err := client.TriggerNoResponse(callCtx, TriggerRequest{
		LeadID:  "lead-e2e",
		FlowID:  "no-response-3x",
		Channel: "whatsapp",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	inst := res.Results[0].Instance
	assert.Equal(t, models.InstanceStatusWaiting, inst.Status)
	assert.Equal(t, "wait-1", inst.CurrentNodeID)

	listed, err := client.ListInstances(callCtx, ListInstancesRequest{LeadID: "lead-e2e"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	cancelled, err := client.LeadReplied(callCtx, "lead-e2e")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	got, err := client.GetInstance(callCtx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, got.Status)

	_, err = client.CancelInstance(callCtx, inst.ID, "again")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	st, err := client.GetStatus(callCtx)
	require.NoError(t, err)
	assert.Equal(t, "e2e", st.Version)
	assert.Equal(t, 1, st.Instances["cancelled"])
	require.NotNil(t, st.Scheduler)
	assert.True(t, st.Scheduler.Running)
}
