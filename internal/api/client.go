package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// Client calls the control service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) (*Client, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	return &Client{conn: conn}, nil
}

// Dial opens a plaintext connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return conn, nil
}

// Call invokes method with req encoded as a Struct and decodes the reply
// into resp. resp may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	b, err := protojson.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	if err := json.Unmarshal(b, resp); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

// RegisterTenant creates a tenant.
func (c *Client) RegisterTenant(ctx context.Context, req RegisterTenantRequest) (*store.Tenant, error) {
	var t store.Tenant
	if err := c.Call(ctx, MethodRegisterTenant, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RegisterDevice creates a device.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*store.Device, error) {
	var d store.Device
	if err := c.Call(ctx, MethodRegisterDevice, req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SendCommand issues a command to one device.
func (c *Client) SendCommand(ctx context.Context, req commands.SendRequest) (*store.Command, error) {
	var cmd store.Command
	if err := c.Call(ctx, MethodSendCommand, req, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// SendBulkCommand queues a bulk command.
func (c *Client) SendBulkCommand(ctx context.Context, req commands.BulkRequest) (tasks.Handle, error) {
	var h tasks.Handle
	err := c.Call(ctx, MethodSendBulkCommand, req, &h)
	return h, err
}

// BroadcastCommand publishes a command to a tenant.
func (c *Client) BroadcastCommand(ctx context.Context, req BroadcastRequest) (BroadcastResponse, error) {
	var resp BroadcastResponse
	err := c.Call(ctx, MethodBroadcastCommand, req, &resp)
	return resp, err
}

// GetCommand loads a command.
func (c *Client) GetCommand(ctx context.Context, tenantID, commandID string) (*store.Command, error) {
	var cmd store.Command
	if err := c.Call(ctx, MethodGetCommand, CommandRef{TenantID: tenantID, CommandID: commandID}, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetTaskResult reports a job outcome.
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (tasks.Result, error) {
	var res tasks.Result
	err := c.Call(ctx, MethodGetTaskResult, TaskRef{TaskID: taskID}, &res)
	return res, err
}

// AcknowledgeAlert marks an alert acknowledged.
func (c *Client) AcknowledgeAlert(ctx context.Context, tenantID, alertID string) (*store.Alert, error) {
	var a store.Alert
	if err := c.Call(ctx, MethodAcknowledgeAlert, AlertRef{TenantID: tenantID, AlertID: alertID}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAlert marks an alert resolved.
func (c *Client) ResolveAlert(ctx context.Context, tenantID, alertID string) (*store.Alert, error) {
	var a store.Alert
	if err := c.Call(ctx, MethodResolveAlert, AlertRef{TenantID: tenantID, AlertID: alertID}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// TriggerHealthCheck queues a health check; an empty tenant sweeps the fleet.
func (c *Client) TriggerHealthCheck(ctx context.Context, tenantID string) (tasks.Handle, error) {
	var h tasks.Handle
	err := c.Call(ctx, MethodTriggerHealthCheck, HealthCheckRequest{TenantID: tenantID}, &h)
	return h, err
}
