package followupd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opencode-ai/followup/internal/graph"
	"github.com/opencode-ai/followup/internal/models"
)

// FlowRequest addresses a single flow.
type FlowRequest struct {
	FlowID string `mapstructure:"flow_id"`
}

// TriggerRequest reports that a lead went quiet.
type TriggerRequest struct {
	LeadID         string    `mapstructure:"lead_id"`
	ConversationID string    `mapstructure:"conversation_id"`
	AccountID      string    `mapstructure:"account_id"`
	Channel        string    `mapstructure:"channel"`
	FlowID         string    `mapstructure:"flow_id"`
	SilentSince    time.Time `mapstructure:"silent_since"`
	// AllFlows starts every runnable no_response flow; FlowID is ignored.
	AllFlows bool `mapstructure:"all_flows"`
}

// LeadRequest addresses a lead.
type LeadRequest struct {
	LeadID string `mapstructure:"lead_id"`
}

// InstanceRequest addresses a single instance.
type InstanceRequest struct {
	InstanceID string `mapstructure:"instance_id"`
	Reason     string `mapstructure:"reason"`
}

// ListInstancesRequest filters instance listings.
type ListInstancesRequest struct {
	LeadID   string   `mapstructure:"lead_id"`
	FlowID   string   `mapstructure:"flow_id"`
	Statuses []string `mapstructure:"statuses"`
	Limit    int      `mapstructure:"limit"`
}

// Filter converts the request to a repository filter.
func (r ListInstancesRequest) Filter() models.InstanceFilter {
	filter := models.InstanceFilter{
		LeadID: r.LeadID,
		FlowID: r.FlowID,
		Limit:  r.Limit,
	}
	for _, s := range r.Statuses {
		filter.Statuses = append(filter.Statuses, models.InstanceStatus(s))
	}
	return filter
}

// SaveFlowResponse reports the stored flow and any validation problems.
type SaveFlowResponse struct {
	Flow      *models.Flow      `json:"flow"`
	Published bool              `json:"published"`
	Problems  []ValidationIssue `json:"problems,omitempty"`
}

// ValidateFlowResponse lists problems found without storing anything.
type ValidateFlowResponse struct {
	Valid    bool              `json:"valid"`
	Problems []ValidationIssue `json:"problems,omitempty"`
}

// ValidationIssue is the wire form of graph.ValidationError.
type ValidationIssue struct {
	Rule    string `json:"rule"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

// FlowList is the ListFlows response.
type FlowList struct {
	Flows []*models.Flow `json:"flows"`
}

// TriggerResponse is the TriggerNoResponse response.
type TriggerResponse struct {
	Results []TriggeredInstance `json:"results"`
	// Errors lists flows that failed to start or advance.
	Errors []string `json:"errors,omitempty"`
}

// TriggeredInstance is one instance a trigger resolved to.
type TriggeredInstance struct {
	Instance *models.FlowInstance `json:"instance"`
	Created  bool                 `json:"created"`
}

// LeadRepliedResponse reports how many instances a reply cancelled.
type LeadRepliedResponse struct {
	Cancelled int `json:"cancelled"`
}

// InstanceList is the ListInstances response.
type InstanceList struct {
	Instances []*models.FlowInstance `json:"instances"`
}

// StatusResponse describes the daemon.
type StatusResponse struct {
	Version   string           `json:"version"`
	Hostname  string           `json:"hostname"`
	StartedAt time.Time        `json:"started_at"`
	Scheduler *SchedulerStatus `json:"scheduler,omitempty"`
	Instances map[string]int   `json:"instances"`
	// NextWake is the earliest scheduled wake among waiting instances.
	NextWake *time.Time `json:"next_wake,omitempty"`
}

// SchedulerStatus is the wire form of the scheduler stats.
type SchedulerStatus struct {
	Running            bool       `json:"running"`
	Paused             bool       `json:"paused"`
	TotalAdvances      int64      `json:"total_advances"`
	SuccessfulAdvances int64      `json:"successful_advances"`
	FailedAdvances     int64      `json:"failed_advances"`
	Recovered          int        `json:"recovered"`
	InFlight           int        `json:"in_flight"`
	LastAdvanceAt      *time.Time `json:"last_advance_at,omitempty"`
}

func issuesFrom(problems graph.ValidationErrors) []ValidationIssue {
	issues := make([]ValidationIssue, 0, len(problems))
	for _, p := range problems {
		issues = append(issues, ValidationIssue{
			Rule:    string(p.Rule),
			NodeID:  p.NodeID,
			EdgeID:  p.EdgeID,
			Message: p.Message,
		})
	}
	return issues
}

// decodeRequest copies the fields of in into out. Unknown keys are rejected.
func decodeRequest(in *structpb.Struct, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return status.Errorf(codes.Internal, "request decoder: %v", err)
	}
	if err := decoder.Decode(in.AsMap()); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// encodeStruct converts a JSON-tagged value into a Struct.
func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return structpb.NewStruct(fields)
}

// decodeStruct is the inverse of encodeStruct.
func decodeStruct(in *structpb.Struct, out any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// requestStruct builds a request Struct, dropping empty fields.
func requestStruct(fields map[string]any) (*structpb.Struct, error) {
	for key, value := range fields {
		switch typed := value.(type) {
		case nil:
			delete(fields, key)
		case string:
			if typed == "" {
				delete(fields, key)
			}
		case bool:
			if !typed {
				delete(fields, key)
			}
		case int:
			if typed == 0 {
				delete(fields, key)
			}
		case time.Time:
			if typed.IsZero() {
				delete(fields, key)
				continue
			}
			fields[key] = typed.UTC().Format(time.RFC3339Nano)
		case []string:
			if len(typed) == 0 {
				delete(fields, key)
				continue
			}
			list := make([]any, len(typed))
			for i, s := range typed {
				list[i] = s
			}
			fields[key] = list
		}
	}
	return structpb.NewStruct(fields)
}
