package followupd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opencode-ai/followup/internal/actions"
	"github.com/opencode-ai/followup/internal/collab"
	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/engine"
	"github.com/opencode-ai/followup/internal/models"
)

const nudgeFlow = `{
  "id": "nudge",
  "name": "Nudge",
  "nodes": [
    {"id": "t", "type": "trigger", "position": {"x": 0, "y": 0},
     "data": {"event": "no_response", "waitTime": 1, "waitUnit": "hours"}},
    {"id": "m", "type": "action", "position": {"x": 0, "y": 100},
     "data": {"actionType": "send_message", "message": "Hi again"}},
    {"id": "w", "type": "action", "position": {"x": 0, "y": 200},
     "data": {"actionType": "wait", "waitTime": 2, "waitUnit": "days"}}
  ],
  "edges": [
    {"id": "e1", "source": "t", "target": "m"},
    {"id": "e2", "source": "m", "target": "w"}
  ]
}`

func testServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	dry := collab.NewLogOnly()
	d, err := build(config.DefaultConfig(), zerolog.Nop(), Options{
		Version:        "test-version",
		SkipFlowImport: true,
		Collaborators:  &actions.Collaborators{Messenger: dry, Generator: dry, Tags: dry, Handoff: dry, Deals: dry},
	}, database)
	require.NoError(t, err)
	return d.Server()
}

func jsonStruct(t *testing.T, doc string) *structpb.Struct {
	t.Helper()
	s := new(structpb.Struct)
	require.NoError(t, s.UnmarshalJSON([]byte(doc)))
	return s
}

func mapStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func decodeResponse[T any](t *testing.T, resp *structpb.Struct) T {
	t.Helper()
	var out T
	require.NoError(t, decodeStruct(resp, &out))
	return out
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	assert.Equal(t, want, st.Code(), st.Message())
}

func saveNudge(t *testing.T, s *Server) {
	t.Helper()
	resp, err := s.SaveFlow(context.Background(), jsonStruct(t, nudgeFlow))
	require.NoError(t, err)
	require.True(t, decodeResponse[SaveFlowResponse](t, resp).Published)
}

func TestServerSaveFlowPublishes(t *testing.T) {
	s := testServer(t)

	resp, err := s.SaveFlow(context.Background(), jsonStruct(t, nudgeFlow))
	require.NoError(t, err)

	out := decodeResponse[SaveFlowResponse](t, resp)
	assert.True(t, out.Published)
	assert.Empty(t, out.Problems)
	require.NotNil(t, out.Flow)
	assert.Equal(t, 1, out.Flow.Version)
	assert.Len(t, out.Flow.Definition.Nodes, 3)

	// Nested under "definition" is accepted too.
	resp, err = s.SaveFlow(context.Background(), jsonStruct(t, `{"definition": `+nudgeFlow+`}`))
	require.NoError(t, err)
	assert.Equal(t, 2, decodeResponse[SaveFlowResponse](t, resp).Flow.Version)
}

func TestServerSaveFlowReportsProblems(t *testing.T) {
	s := testServer(t)

	broken := `{"id": "broken", "name": "Broken", "nodes": [
	  {"id": "m", "type": "action", "data": {"actionType": "send_message", "message": "hi"}}
	], "edges": []}`
	resp, err := s.SaveFlow(context.Background(), jsonStruct(t, broken))
	require.NoError(t, err)

	out := decodeResponse[SaveFlowResponse](t, resp)
	assert.False(t, out.Published)
	require.NotEmpty(t, out.Problems)
	assert.Equal(t, "trigger_count", out.Problems[0].Rule)
	assert.False(t, out.Flow.Runnable)
	assert.Equal(t, 0, out.Flow.Version)
}

func TestServerSaveFlowRejectsMissingID(t *testing.T) {
	s := testServer(t)
	_, err := s.SaveFlow(context.Background(), jsonStruct(t, `{"nodes": [], "edges": []}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.SaveFlow(context.Background(), mapStruct(t, map[string]any{"definition": "nope"}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestServerValidateFlowDoesNotStore(t *testing.T) {
	s := testServer(t)

	resp, err := s.ValidateFlow(context.Background(), jsonStruct(t, nudgeFlow))
	require.NoError(t, err)
	assert.True(t, decodeResponse[ValidateFlowResponse](t, resp).Valid)

	_, err = s.GetFlow(context.Background(), mapStruct(t, map[string]any{"flow_id": "nudge"}))
	requireCode(t, err, codes.NotFound)
}

func TestServerGetAndListFlows(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)

	_, err := s.GetFlow(context.Background(), &structpb.Struct{})
	requireCode(t, err, codes.InvalidArgument)

	resp, err := s.GetFlow(context.Background(), mapStruct(t, map[string]any{"flow_id": "nudge"}))
	require.NoError(t, err)
	flow := decodeResponse[models.Flow](t, resp)
	assert.Equal(t, "Nudge", flow.Definition.Name)
	assert.Equal(t, models.TriggerEventNoResponse, flow.TriggerEvent)

	resp, err = s.ListFlows(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	assert.Len(t, decodeResponse[FlowList](t, resp).Flows, 1)
}

func TestServerTriggerRunsUntilWait(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)

	resp, err := s.TriggerNoResponse(context.Background(), mapStruct(t, map[string]any{
		"lead_id": "lead-1",
		"flow_id": "nudge",
		"channel": "whatsapp",
	}))
	require.NoError(t, err)

	out := decodeResponse[TriggerResponse](t, resp)
	require.Len(t, out.Results, 1)
	assert.Empty(t, out.Errors)
	inst := out.Results[0].Instance
	assert.True(t, out.Results[0].Created)
	assert.Equal(t, models.InstanceStatusWaiting, inst.Status)
	assert.Equal(t, "w", inst.CurrentNodeID)
	assert.Equal(t, 1, inst.AttemptCount)

	// A second signal resolves to the same instance.
	resp, err = s.TriggerNoResponse(context.Background(), mapStruct(t, map[string]any{
		"lead_id": "lead-1",
		"flow_id": "nudge",
	}))
	require.NoError(t, err)
	again := decodeResponse[TriggerResponse](t, resp)
	require.Len(t, again.Results, 1)
	assert.False(t, again.Results[0].Created)
	assert.Equal(t, inst.ID, again.Results[0].Instance.ID)
}

func TestServerTriggerHonoursSilentSince(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)

	resp, err := s.TriggerNoResponse(context.Background(), mapStruct(t, map[string]any{
		"lead_id":      "lead-2",
		"flow_id":      "nudge",
		"silent_since": time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339),
	}))
	require.NoError(t, err)

	inst := decodeResponse[TriggerResponse](t, resp).Results[0].Instance
	assert.Equal(t, models.InstanceStatusWaiting, inst.Status)
	assert.Equal(t, "t", inst.CurrentNodeID)
	assert.Equal(t, 0, inst.AttemptCount)
	require.NotNil(t, inst.ScheduledAt)
	assert.WithinDuration(t, time.Now().Add(50*time.Minute), *inst.ScheduledAt, time.Minute)
}

func TestServerTriggerAllFlows(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)

	resp, err := s.TriggerNoResponse(context.Background(), mapStruct(t, map[string]any{
		"lead_id":   "lead-3",
		"all_flows": true,
	}))
	require.NoError(t, err)
	out := decodeResponse[TriggerResponse](t, resp)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "nudge", out.Results[0].Instance.FlowID)
}

func TestServerTriggerErrors(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)
	ctx := context.Background()

	_, err := s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"flow_id": "nudge"}))
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"lead_id": "x", "flow_id": "missing"}))
	requireCode(t, err, codes.NotFound)

	_, err = s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"lead_id": "x", "flow_id": "nudge", "bogus": 1}))
	requireCode(t, err, codes.InvalidArgument)

	_, err = s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"lead_id": "x", "flow_id": "nudge", "silent_since": "yesterday"}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestServerLeadRepliedCancels(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)
	ctx := context.Background()

	resp, err := s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"lead_id": "lead-4", "flow_id": "nudge"}))
	require.NoError(t, err)
	id := decodeResponse[TriggerResponse](t, resp).Results[0].Instance.ID

	resp, err = s.LeadReplied(ctx, mapStruct(t, map[string]any{"lead_id": "lead-4"}))
	require.NoError(t, err)
	assert.Equal(t, 1, decodeResponse[LeadRepliedResponse](t, resp).Cancelled)

	resp, err = s.GetInstance(ctx, mapStruct(t, map[string]any{"instance_id": id}))
	require.NoError(t, err)
	inst := decodeResponse[models.FlowInstance](t, resp)
	assert.Equal(t, models.InstanceStatusCancelled, inst.Status)
	require.NotEmpty(t, inst.History)
	assert.Equal(t, models.OutcomeCancelled, inst.History[len(inst.History)-1].Outcome)

	_, err = s.LeadReplied(ctx, &structpb.Struct{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestServerListAndCancelInstances(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		resp, err := s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{
			"lead_id": fmt.Sprintf("lead-%d", i),
			"flow_id": "nudge",
		}))
		require.NoError(t, err)
		ids = append(ids, decodeResponse[TriggerResponse](t, resp).Results[0].Instance.ID)
	}

	resp, err := s.CancelInstance(ctx, mapStruct(t, map[string]any{"instance_id": ids[0], "reason": "operator"}))
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, decodeResponse[models.FlowInstance](t, resp).Status)

	_, err = s.CancelInstance(ctx, mapStruct(t, map[string]any{"instance_id": ids[0]}))
	requireCode(t, err, codes.FailedPrecondition)

	_, err = s.CancelInstance(ctx, mapStruct(t, map[string]any{"instance_id": "nope"}))
	requireCode(t, err, codes.NotFound)

	resp, err = s.ListInstances(ctx, mapStruct(t, map[string]any{"statuses": []any{"waiting"}}))
	require.NoError(t, err)
	assert.Len(t, decodeResponse[InstanceList](t, resp).Instances, 2)

	resp, err = s.ListInstances(ctx, mapStruct(t, map[string]any{"lead_id": "lead-2", "limit": 5}))
	require.NoError(t, err)
	list := decodeResponse[InstanceList](t, resp).Instances
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)

	_, err = s.ListInstances(ctx, mapStruct(t, map[string]any{"statuses": []any{"sleeping"}}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestServerGetStatus(t *testing.T) {
	s := testServer(t)
	saveNudge(t, s)
	ctx := context.Background()

	_, err := s.TriggerNoResponse(ctx, mapStruct(t, map[string]any{"lead_id": "lead-5", "flow_id": "nudge"}))
	require.NoError(t, err)

	resp, err := s.GetStatus(ctx, &structpb.Struct{})
	require.NoError(t, err)
	out := decodeResponse[StatusResponse](t, resp)
	assert.Equal(t, "test-version", out.Version)
	assert.Equal(t, 1, out.Instances["waiting"])
	require.NotNil(t, out.Scheduler)
	assert.False(t, out.Scheduler.Running)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", engine.ErrInvalidSignal), codes.InvalidArgument},
		{db.ErrFlowNotFound, codes.NotFound},
		{db.ErrInstanceNotFound, codes.NotFound},
		{engine.ErrFlowNotRunnable, codes.FailedPrecondition},
		{engine.ErrTriggerMismatch, codes.FailedPrecondition},
		{db.ErrStaleInstance, codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			st, _ := status.FromError(toStatus(tt.err))
			assert.Equal(t, tt.want, st.Code())
		})
	}
	assert.NoError(t, toStatus(nil))
}
