package followupd

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opencode-ai/followup/internal/models"
)

// Client calls a running followupd.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to followupd at addr (host:port).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to followupd at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, out any) error {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeStruct(resp, out)
}

func definitionStruct(def *models.FlowDefinition) (*structpb.Struct, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	doc := new(structpb.Struct)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("convert definition: %w", err)
	}
	return doc, nil
}

// SaveFlow stores def on the daemon.
func (c *Client) SaveFlow(ctx context.Context, def *models.FlowDefinition) (*SaveFlowResponse, error) {
	req, err := definitionStruct(def)
	if err != nil {
		return nil, err
	}
	var out SaveFlowResponse
	if err := c.invoke(ctx, MethodSaveFlow, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateFlow checks def without storing it.
func (c *Client) ValidateFlow(ctx context.Context, def *models.FlowDefinition) (*ValidateFlowResponse, error) {
	req, err := definitionStruct(def)
	if err != nil {
		return nil, err
	}
	var out ValidateFlowResponse
	if err := c.invoke(ctx, MethodValidateFlow, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFlow returns a stored flow.
func (c *Client) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	req, err := requestStruct(map[string]any{"flow_id": flowID})
	if err != nil {
		return nil, err
	}
	var out models.Flow
	if err := c.invoke(ctx, MethodGetFlow, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFlows returns every stored flow.
func (c *Client) ListFlows(ctx context.Context) ([]*models.Flow, error) {
	var out FlowList
	if err := c.invoke(ctx, MethodListFlows, &structpb.Struct{}, &out); err != nil {
		return nil, err
	}
	return out.Flows, nil
}

// TriggerNoResponse reports a quiet lead.
func (c *Client) TriggerNoResponse(ctx context.Context, in TriggerRequest) (*TriggerResponse, error) {
	req, err := requestStruct(map[string]any{
		"lead_id":         in.LeadID,
		"conversation_id": in.ConversationID,
		"account_id":      in.AccountID,
		"channel":         in.Channel,
		"flow_id":         in.FlowID,
		"silent_since":    in.SilentSince,
		"all_flows":       in.AllFlows,
	})
	if err != nil {
		return nil, err
	}
	var out TriggerResponse
	if err := c.invoke(ctx, MethodTriggerNoResponse, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeadReplied reports a lead reply and returns how many instances ended.
func (c *Client) LeadReplied(ctx context.Context, leadID string) (int, error) {
	req, err := requestStruct(map[string]any{"lead_id": leadID})
	if err != nil {
		return 0, err
	}
	var out LeadRepliedResponse
	if err := c.invoke(ctx, MethodLeadReplied, req, &out); err != nil {
		return 0, err
	}
	return out.Cancelled, nil
}

// GetInstance returns an instance with its history.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	req, err := requestStruct(map[string]any{"instance_id": instanceID})
	if err != nil {
		return nil, err
	}
	var out models.FlowInstance
	if err := c.invoke(ctx, MethodGetInstance, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns instances matching the request.
func (c *Client) ListInstances(ctx context.Context, in ListInstancesRequest) ([]*models.FlowInstance, error) {
	req, err := requestStruct(map[string]any{
		"lead_id":  in.LeadID,
		"flow_id":  in.FlowID,
		"statuses": in.Statuses,
		"limit":    in.Limit,
	})
	if err != nil {
		return nil, err
	}
	var out InstanceList
	if err := c.invoke(ctx, MethodListInstances, req, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// CancelInstance ends an instance and returns its final state.
func (c *Client) CancelInstance(ctx context.Context, instanceID, reason string) (*models.FlowInstance, error) {
	req, err := requestStruct(map[string]any{"instance_id": instanceID, "reason": reason})
	if err != nil {
		return nil, err
	}
	var out models.FlowInstance
	if err := c.invoke(ctx, MethodCancelInstance, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus returns daemon status.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.invoke(ctx, MethodGetStatus, &structpb.Struct{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
