package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Client talks to a control plane.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// appended after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}

// SubmitMessage publishes msg and returns its message id.
func (c *Client) SubmitMessage(ctx context.Context, msg types.Message) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.call(ctx, MethodSubmitMessage, msg, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// PoolStats fetches the pool view.
func (c *Client) PoolStats(ctx context.Context) (types.PoolStats, error) {
	var stats types.PoolStats
	err := c.call(ctx, MethodPoolStats, struct{}{}, &stats)
	return stats, err
}

// Interrupt asks the workflow of a task to pause.
func (c *Client) Interrupt(ctx context.Context, taskID, reason string) error {
	return c.call(ctx, MethodInterrupt, taskRequest{TaskID: taskID, Reason: reason}, nil)
}

// ResumeResult is the state a resumed workflow stopped in.
type ResumeResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Node   string `json:"node"`
}

// Resume continues a paused workflow.
func (c *Client) Resume(ctx context.Context, taskID string) (ResumeResult, error) {
	var res ResumeResult
	err := c.call(ctx, MethodResume, taskRequest{TaskID: taskID}, &res)
	return res, err
}

// WorkflowStatus is the checkpoint summary returned with a task.
type WorkflowStatus struct {
	Graph    string         `json:"graph"`
	Node     string         `json:"node"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
}

// TaskStatusResult is a task and, when present, its workflow.
type TaskStatusResult struct {
	Task     types.Task      `json:"task"`
	Workflow *WorkflowStatus `json:"workflow,omitempty"`
}

// TaskStatus looks up a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatusResult, error) {
	var res TaskStatusResult
	err := c.call(ctx, MethodTaskStatus, taskRequest{TaskID: taskID}, &res)
	return res, err
}

// Health reports the serving status of the control service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
