package environment

import (
	"context"
	"fmt"

	"Field-Simulator/simulation"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client 是环境服务的轻量客户端。
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// StepResult 是一次 Step 的结果。
type StepResult struct {
	Snapshot simulation.EpisodeSnapshot
	Reward   float64
	Done     bool
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reset 开始新回合, seed 为 nil 时使用服务器配置中的种子。
func (c *Client) Reset(ctx context.Context, seed *uint64) (StepResult, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if seed != nil {
		in.Fields["seed"] = structpb.NewNumberValue(float64(*seed))
	}
	out, err := c.invoke(ctx, "Reset", in)
	if err != nil {
		return StepResult{}, err
	}
	return decodeStep(out)
}

func (c *Client) Step(ctx context.Context, ticks int) (StepResult, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"ticks": structpb.NewNumberValue(float64(ticks)),
	}}
	out, err := c.invoke(ctx, "Step", in)
	if err != nil {
		return StepResult{}, err
	}
	return decodeStep(out)
}

func (c *Client) Status(ctx context.Context) (simulation.EpisodeSnapshot, error) {
	out, err := c.invoke(ctx, "Status", &structpb.Struct{})
	if err != nil {
		return simulation.EpisodeSnapshot{}, err
	}
	return decodeSnapshot(out)
}

func (c *Client) Report(ctx context.Context) (string, error) {
	out, err := c.invoke(ctx, "Report", &structpb.Struct{})
	if err != nil {
		return "", err
	}
	return out.GetFields()["report"].GetStringValue(), nil
}

func decodeStep(out *structpb.Struct) (StepResult, error) {
	fields := out.GetFields()
	st := fields["snapshot"].GetStructValue()
	if st == nil {
		return StepResult{}, fmt.Errorf("response has no snapshot")
	}
	snap, err := decodeSnapshot(st)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Snapshot: snap,
		Reward:   fields["reward"].GetNumberValue(),
		Done:     fields["done"].GetBoolValue(),
	}, nil
}
