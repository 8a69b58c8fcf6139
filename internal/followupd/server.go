package followupd

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opencode-ai/followup/internal/db"
	"github.com/opencode-ai/followup/internal/engine"
	"github.com/opencode-ai/followup/internal/flows"
	"github.com/opencode-ai/followup/internal/models"
	"github.com/opencode-ai/followup/internal/scheduler"
)

// SchedulerStats is the part of the scheduler the server reports on.
type SchedulerStats interface {
	Stats() scheduler.SchedulerStats
}

// Server implements FlowServiceServer on top of the engine.
type Server struct {
	flows     *flows.Service
	engine    *engine.Engine
	instances *db.InstanceRepository
	scheduler SchedulerStats

	logger    zerolog.Logger
	startedAt time.Time
	hostname  string
	version   string
}

var _ FlowServiceServer = (*Server)(nil)

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithVersion sets the daemon version.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithScheduler reports scheduler stats from GetStatus.
func WithScheduler(sched SchedulerStats) ServerOption {
	return func(s *Server) {
		s.scheduler = sched
	}
}

// NewServer creates the FlowService implementation.
func NewServer(logger zerolog.Logger, flowService *flows.Service, eng *engine.Engine, instances *db.InstanceRepository, opts ...ServerOption) *Server {
	hostname, _ := os.Hostname()

	s := &Server{
		flows:     flowService,
		engine:    eng,
		instances: instances,
		logger:    logger,
		startedAt: time.Now(),
		hostname:  hostname,
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Flows
// =============================================================================

// SaveFlow validates and stores the editor definition carried in req.
func (s *Server) SaveFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	def, err := definitionFrom(req)
	if err != nil {
		return nil, err
	}

	res, err := s.flows.Save(ctx, def)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(SaveFlowResponse{
		Flow:      res.Flow,
		Published: res.Published(),
		Problems:  issuesFrom(res.Problems),
	})
}

// ValidateFlow reports problems in the definition without storing it.
func (s *Server) ValidateFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	def, err := definitionFrom(req)
	if err != nil {
		return nil, err
	}
	problems := s.flows.Check(def)
	return respond(ValidateFlowResponse{
		Valid:    len(problems) == 0,
		Problems: issuesFrom(problems),
	})
}

// GetFlow returns a stored flow.
func (s *Server) GetFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in FlowRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.FlowID) == "" {
		return nil, status.Error(codes.InvalidArgument, "flow_id is required")
	}

	flow, err := s.flows.Get(ctx, in.FlowID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(flow)
}

// ListFlows returns every stored flow.
func (s *Server) ListFlows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.flows.List(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(FlowList{Flows: list})
}

// =============================================================================
// Signals
// =============================================================================

// TriggerNoResponse starts the flow for a lead that went quiet. An instance
// that was created but failed while advancing is still returned; the failure
// is listed in Errors.
func (s *Server) TriggerNoResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in TriggerRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	sig := engine.NoResponseSignal{
		LeadID:         in.LeadID,
		ConversationID: in.ConversationID,
		AccountID:      in.AccountID,
		Channel:        in.Channel,
		FlowID:         in.FlowID,
		SilentSince:    in.SilentSince,
	}

	var results []*engine.TriggerResult
	var triggerErr error
	if in.AllFlows {
		if strings.TrimSpace(in.LeadID) == "" {
			return nil, status.Error(codes.InvalidArgument, "lead_id is required")
		}
		results, triggerErr = s.engine.TriggerAll(ctx, sig)
	} else {
		var res *engine.TriggerResult
		res, triggerErr = s.engine.Trigger(ctx, sig)
		if res != nil {
			results = append(results, res)
		}
	}
	if len(results) == 0 && triggerErr != nil {
		return nil, toStatus(triggerErr)
	}

	out := TriggerResponse{Results: make([]TriggeredInstance, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, TriggeredInstance{Instance: r.Instance, Created: r.Created})
	}
	if triggerErr != nil {
		s.logger.Warn().Err(triggerErr).Str("lead_id", in.LeadID).Msg("trigger finished with errors")
		out.Errors = splitErrors(triggerErr)
	}
	return respond(out)
}

// LeadReplied cancels the lead's active no_response instances.
func (s *Server) LeadReplied(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in LeadRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	cancelled, err := s.engine.LeadReplied(ctx, in.LeadID)
	if err != nil && cancelled == 0 {
		return nil, toStatus(err)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("lead_id", in.LeadID).Msg("some instances could not be cancelled")
	}
	return respond(LeadRepliedResponse{Cancelled: cancelled})
}

// =============================================================================
// Instances
// =============================================================================

// GetInstance returns an instance with its history.
func (s *Server) GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in InstanceRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.InstanceID) == "" {
		return nil, status.Error(codes.InvalidArgument, "instance_id is required")
	}

	inst, err := s.instances.GetWithHistory(ctx, in.InstanceID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(inst)
}

// ListInstances returns instances matching the filter, without history.
func (s *Server) ListInstances(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ListInstancesRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	for _, st := range in.Statuses {
		if !models.InstanceStatus(st).Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", st)
		}
	}

	list, err := s.instances.List(ctx, in.Filter())
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(InstanceList{Instances: list})
}

// CancelInstance ends an active instance on operator request.
func (s *Server) CancelInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in InstanceRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.InstanceID) == "" {
		return nil, status.Error(codes.InvalidArgument, "instance_id is required")
	}

	if err := s.engine.Cancel(ctx, in.InstanceID, in.Reason); err != nil {
		return nil, toStatus(err)
	}
	inst, err := s.instances.GetWithHistory(ctx, in.InstanceID)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(inst)
}

// =============================================================================
// Status
// =============================================================================

// GetStatus reports daemon, scheduler and instance counts.
func (s *Server) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	counts, err := s.instances.CountByStatus(ctx, "")
	if err != nil {
		return nil, toStatus(err)
	}

	out := StatusResponse{
		Version:   s.version,
		Hostname:  s.hostname,
		StartedAt: s.startedAt.UTC(),
		Instances: make(map[string]int, len(counts)),
	}
	for st, n := range counts {
		out.Instances[string(st)] = n
	}
	if out.NextWake, err = s.instances.NextWake(ctx); err != nil {
		return nil, toStatus(err)
	}

	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		out.Scheduler = &SchedulerStatus{
			Running:            stats.Running,
			Paused:             stats.Paused,
			TotalAdvances:      stats.TotalAdvances,
			SuccessfulAdvances: stats.SuccessfulAdvances,
			FailedAdvances:     stats.FailedAdvances,
			Recovered:          stats.Recovered,
			InFlight:           stats.InFlight,
			LastAdvanceAt:      stats.LastAdvanceAt,
		}
	}
	return respond(out)
}

// =============================================================================
// Helpers
// =============================================================================

// definitionFrom reads the editor document from req, either at the top level
// or under a "definition" key.
func definitionFrom(req *structpb.Struct) (*models.FlowDefinition, error) {
	doc := req
	if nested, ok := req.GetFields()["definition"]; ok {
		doc = nested.GetStructValue()
		if doc == nil {
			return nil, status.Error(codes.InvalidArgument, "definition must be an object")
		}
	}

	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid definition: %v", err)
	}
	def, err := flows.Parse(data, ".json")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid definition: %v", err)
	}
	return def, nil
}

func respond(v any) (*structpb.Struct, error) {
	out, err := encodeStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		msgs := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrInvalidSignal),
		errors.Is(err, db.ErrInvalidFlow),
		errors.Is(err, db.ErrInvalidInstance):
		code = codes.InvalidArgument
	case errors.Is(err, db.ErrFlowNotFound),
		errors.Is(err, db.ErrFlowVersionNotFound),
		errors.Is(err, db.ErrInstanceNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrFlowNotRunnable),
		errors.Is(err, engine.ErrTriggerMismatch),
		errors.Is(err, engine.ErrInstanceTerminal),
		errors.Is(err, engine.ErrIndeterminateDispatch):
		code = codes.FailedPrecondition
	case errors.Is(err, db.ErrStaleInstance),
		errors.Is(err, db.ErrActiveInstanceExists):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
