// C:/workspace/go/Field-Simulator-Go/environment/server.go
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"Field-Simulator/simulation"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "fieldsim.FieldEnvironment"

// EnvironmentServer 是 RL 环境服务。请求和响应都使用 google.protobuf.Struct,
// 客户端不需要额外的 .proto 文件。
type EnvironmentServer interface {
	Reset(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Step(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Report(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type methodCall func(EnvironmentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call methodCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EnvironmentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EnvironmentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EnvironmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: unaryHandler("Reset", EnvironmentServer.Reset)},
		{MethodName: "Step", Handler: unaryHandler("Step", EnvironmentServer.Step)},
		{MethodName: "Status", Handler: unaryHandler("Status", EnvironmentServer.Status)},
		{MethodName: "Report", Handler: unaryHandler("Report", EnvironmentServer.Report)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldsim/environment.proto",
}

// Register 把环境服务注册到 gRPC 服务器上。
func Register(s grpc.ServiceRegistrar, srv EnvironmentServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server 持有当前回合, 外部通过 Reset/Step 驱动仿真。
type Server struct {
	config Config
	logger *log.Logger

	mu         sync.Mutex
	episode    *simulation.Episode
	lastReward float64

	episodeCounter atomic.Int64
}

// NewServer 创建一个新的环境服务器, 在第一次 Reset 之前没有回合。
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxTicksPerStep <= 0 {
		cfg.MaxTicksPerStep = defaultMaxTicksPerStep
	}
	if cfg.NewEpisode == nil {
		cfg.NewEpisode = DefaultFactory(cfg.Logger)
	}
	return &Server{config: cfg, logger: cfg.Logger}
}

// Episode 返回当前回合, 可能为 nil。
func (s *Server) Episode() *simulation.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode
}

// Reset 开始一个新回合。可选字段 seed 覆盖配置中的随机种子。
func (s *Server) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cfg := s.config.Sim
	if v, ok := req.GetFields()["seed"]; ok {
		seed := v.GetNumberValue()
		if seed < 0 || seed != math.Trunc(seed) {
			return nil, status.Errorf(codes.InvalidArgument, "seed must be a non-negative integer, got %v", seed)
		}
		cfg.Run.Seed = uint64(seed)
	}

	e, err := s.config.NewEpisode(cfg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "create episode: %v", err)
	}
	n := s.episodeCounter.Add(1)
	s.logger.Printf("🔄 [Episode %d] 收到 Reset 请求, 新回合 %s (seed=%d)", n, e.ID, cfg.Run.Seed)

	s.mu.Lock()
	s.episode = e
	s.lastReward = 0
	s.mu.Unlock()

	return stepResponse(e.Snapshot(), 0, false)
}

// Step 推进 ticks 个 tick (默认 1), 返回快照、本步奖励增量和 done。
func (s *Server) Step(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ticks := 1
	if v, ok := req.GetFields()["ticks"]; ok {
		ticks = int(v.GetNumberValue())
	}
	if ticks < 1 || ticks > s.config.MaxTicksPerStep {
		return nil, status.Errorf(codes.InvalidArgument, "ticks must be in [1, %d], got %d", s.config.MaxTicksPerStep, ticks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episode == nil {
		return nil, status.Error(codes.FailedPrecondition, "no episode, call Reset first")
	}

	_, err := s.episode.Advance(ticks, s.config.Sim.Run.TickSeconds)
	if err != nil && !errors.Is(err, simulation.ErrEpisodeFinished) {
		return nil, status.Errorf(codes.Internal, "advance episode: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	snap := s.episode.Snapshot()
	reward := snap.Metrics.TotalReward - s.lastReward
	s.lastReward = snap.Metrics.TotalReward
	return stepResponse(snap, reward, snap.Finished)
}

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	e := s.Episode()
	if e == nil {
		return nil, status.Error(codes.FailedPrecondition, "no episode, call Reset first")
	}
	return snapshotStruct(e.Snapshot())
}

func (s *Server) Report(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	e := s.Episode()
	if e == nil {
		return nil, status.Error(codes.FailedPrecondition, "no episode, call Reset first")
	}
	return structpb.NewStruct(map[string]any{
		"episode_id": e.ID,
		"report":     e.Metrics().Report(),
	})
}

func stepResponse(snap simulation.EpisodeSnapshot, reward float64, done bool) (*structpb.Struct, error) {
	st, err := snapshotStruct(snap)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"snapshot": structpb.NewStructValue(st),
		"reward":   structpb.NewNumberValue(reward),
		"done":     structpb.NewBoolValue(done),
	}}, nil
}

// snapshotStruct 经由 JSON 把快照转换成 Struct, 字段名与 JSON 标签一致。
func snapshotStruct(snap simulation.EpisodeSnapshot) (*structpb.Struct, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return st, nil
}

// decodeSnapshot 是 snapshotStruct 的逆运算, 供客户端使用。
func decodeSnapshot(st *structpb.Struct) (simulation.EpisodeSnapshot, error) {
	var snap simulation.EpisodeSnapshot
	raw, err := st.MarshalJSON()
	if err != nil {
		return snap, fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
