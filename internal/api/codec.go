package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// errInvalidArgument marks request validation failures raised in this package.
var errInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, fmt.Sprintf(format, args...))
}

// decodeStruct copies a Struct message into v through its JSON form.
func decodeStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return invalid("malformed request: %v", err)
	}
	return nil
}

// encodeStruct converts v into a Struct message through its JSON form.
func encodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("failed to build response struct: %w", err)
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, store.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, commands.ErrInvalidRequest),
		errors.Is(err, broker.ErrMalformedPayload),
		errors.Is(err, tasks.ErrInvalidArgs):
		code = codes.InvalidArgument
	case errors.Is(err, tasks.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, broker.ErrPublish):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
