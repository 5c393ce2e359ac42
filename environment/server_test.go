package environment

import (
	"context"
	"io"
	"log"
	"net"
	"strings"
	"testing"

	"Field-Simulator/config"
	"Field-Simulator/simulation"

	"github.com/paulmach/orb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, cfg Config) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(cfg))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("连接 gRPC 服务失败: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestStepBeforeReset(t *testing.T) {
	c := startServer(t, Config{Sim: config.Default(), Logger: quietLogger()})
	_, err := c.Step(context.Background(), 1)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Reset 之前 Step 应返回 FailedPrecondition, 得到 %v", err)
	}
	if _, err := c.Status(context.Background()); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Reset 之前 Status 应返回 FailedPrecondition, 得到 %v", err)
	}
}

func TestResetAndStep(t *testing.T) {
	ctx := context.Background()
	c := startServer(t, Config{Sim: config.Default(), Logger: quietLogger()})

	seed := uint64(7)
	res, err := c.Reset(ctx, &seed)
	if err != nil {
		t.Fatalf("Reset 失败: %v", err)
	}
	if len(res.Snapshot.Plants) != 81 || len(res.Snapshot.Tractors) != 4 || res.Snapshot.Tick != 0 {
		t.Fatalf("初始快照错误: plants=%d tractors=%d tick=%d", len(res.Snapshot.Plants), len(res.Snapshot.Tractors), res.Snapshot.Tick)
	}
	if res.Done || res.Reward != 0 {
		t.Errorf("新回合不应结束且奖励为 0: %+v", res)
	}

	if _, err := c.Step(ctx, 0); status.Code(err) != codes.InvalidArgument {
		t.Errorf("ticks=0 应返回 InvalidArgument, 得到 %v", err)
	}

	total := 0.0
	for i := 0; i < 3; i++ {
		res, err = c.Step(ctx, 500)
		if err != nil {
			t.Fatalf("Step 失败: %v", err)
		}
		total += res.Reward
	}
	if res.Snapshot.Tick != 1500 {
		t.Errorf("期望 tick=1500, 得到 %d", res.Snapshot.Tick)
	}
	if diff := total - res.Snapshot.Metrics.TotalReward; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("每步奖励增量之和应等于累计奖励: %v vs %v", total, res.Snapshot.Metrics.TotalReward)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != res.Snapshot.ID || st.Tick != 1500 {
		t.Errorf("Status 与最近一次 Step 不一致: %s/%d", st.ID, st.Tick)
	}
}

func TestStepReportsDone(t *testing.T) {
	ctx := context.Background()
	sim := config.Default()
	sim.Learning.Enabled = false
	factory := func(cfg config.Config) (*simulation.Episode, error) {
		e := simulation.NewEpisode(cfg, simulation.WithLogger(quietLogger()))
		e.PlacePlant(orb.Point{0, 0}, simulation.Healthy)
		e.Spawn(simulation.TractorSpec{Role: simulation.RoleHarvester, Position: orb.Point{0, 0}})
		return e, nil
	}
	c := startServer(t, Config{Sim: sim, Logger: quietLogger(), NewEpisode: factory})

	if _, err := c.Reset(ctx, nil); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done || res.Reward != config.DefaultSuccessReward {
		t.Fatalf("回合应结束并获得收获奖励: done=%v reward=%v", res.Done, res.Reward)
	}
	if res.Snapshot.Tick >= 1000 {
		t.Errorf("回合结束后不应继续推进, tick=%d", res.Snapshot.Tick)
	}

	again, err := c.Step(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Done || again.Reward != 0 || again.Snapshot.Tick != res.Snapshot.Tick {
		t.Errorf("已结束的回合不应再变化: %+v", again)
	}

	report, err := c.Report(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(report, "收获植株: 1") {
		t.Errorf("报告内容错误:\n%s", report)
	}
}
