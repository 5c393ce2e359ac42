package simulation

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"Field-Simulator/config"

	"github.com/paulmach/orb"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGridLayoutCentredOnOrigin(t *testing.T) {
	g := LayoutFromConfig(config.Default().Field)
	pts := g.Positions()
	if len(pts) != 81 {
		t.Fatalf("期望 81 个格点, 得到 %d", len(pts))
	}
	b := g.Bound()
	if b.Min != (orb.Point{-20, -20}) || b.Max != (orb.Point{20, 20}) {
		t.Errorf("网格应以原点为中心, 得到 %v", b)
	}
}

func TestRefillReach(t *testing.T) {
	cfg := config.Default()
	farthest, reachable := RefillReach(cfg)
	if !almostEqual(reachable, 18) {
		t.Errorf("阈值 5 减去作业消耗 2 应能行驶 18 单位, 得到 %v", reachable)
	}
	if farthest <= reachable {
		t.Errorf("参考布局下最远角点 (%v) 应超出可达距离 (%v)", farthest, reachable)
	}

	cfg.Barn.Position = config.Point{X: 0, Y: 0}
	cfg.Barn.Radius = 15
	if farthest, reachable := RefillReach(cfg); farthest > reachable {
		t.Errorf("谷仓靠近田地时应可达, farthest=%v reachable=%v", farthest, reachable)
	}

	cfg.Tractor.FuelPerUnit = 0
	if _, reachable := RefillReach(cfg); !math.IsInf(reachable, 1) {
		t.Errorf("不耗油时可达距离应为无穷, 得到 %v", reachable)
	}
}

func TestSpawnPlanRoles(t *testing.T) {
	cfg := config.Default()
	specs := SpawnPlan(cfg.Tractor.Starts, cfg.Tractor.HerbicideCount)
	want := []Role{RoleHerbicide, RoleHerbicide, RoleHarvester, RoleHarvester}
	if len(specs) != len(want) {
		t.Fatalf("期望 %d 台拖拉机, 得到 %d", len(want), len(specs))
	}
	for i, s := range specs {
		if s.Role != want[i] {
			t.Errorf("出生点 %d 期望角色 %v, 得到 %v", i, want[i], s.Role)
		}
	}
}

func TestSeedInfectsWithReplacement(t *testing.T) {
	cfg := config.Default()
	e := NewEpisode(cfg, WithLogger(quietLogger()))
	e.SeedFromConfig()

	c := e.Field().Counts()
	if c.Live() != 81 {
		t.Fatalf("期望 81 株植物, 得到 %d", c.Live())
	}
	if c.Infected < 1 || c.Infected > 32 {
		t.Errorf("感染数应在 [1, 32] 之间, 得到 %d", c.Infected)
	}
	if len(e.Tractors()) != 4 {
		t.Errorf("期望 4 台拖拉机, 得到 %d", len(e.Tractors()))
	}

	zero := NewEpisode(cfg, WithLogger(quietLogger()))
	zero.Seed(LayoutFromConfig(cfg.Field), 0, nil)
	if got := zero.Field().Counts().Infected; got != 1 {
		t.Errorf("感染比例为 0 时至少感染 1 株, 得到 %d", got)
	}
}

// TestCureScenario: 一台除草拖拉机在感染植株旁边, 经过决策间隔和作业时间后植株被治愈。
func TestCureScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Barn.Position = config.Point{X: 0, Y: -100}
	cfg.Learning.Epsilon = 0

	e := NewEpisode(cfg, WithLogger(quietLogger()))
	target := e.PlacePlant(orb.Point{0, 0}, Infected)
	e.PlacePlant(orb.Point{10, 0}, Healthy)
	e.PlacePlant(orb.Point{-10, 0}, Healthy)
	e.PlacePlant(orb.Point{0, 10}, Healthy)
	tr := e.Spawn(TractorSpec{Role: RoleHerbicide, Position: orb.Point{0, -3}, HeadingDeg: 90})

	for i := 0; i < 5000 && e.Metrics().Snapshot().Cured == 0; i++ {
		e.Tick(testDt)
	}

	p, ok := e.Field().Get(target)
	if !ok || p.State != Cured {
		t.Fatalf("目标植株应被治愈, 得到 %v %v", p.State, ok)
	}
	if tr.Herbicide != config.DefaultHerbicideMax-1 {
		t.Errorf("期望剩余除草剂 9, 得到 %v", tr.Herbicide)
	}
	m := e.Metrics().Snapshot()
	if m.Cured != 1 {
		t.Errorf("期望治愈计数 1, 得到 %d", m.Cured)
	}
	if m.TotalReward != config.DefaultSuccessReward {
		t.Errorf("总奖励应恰好增加 10, 得到 %v", m.TotalReward)
	}
	if e.Finished() {
		t.Error("仍有健康植株时回合不应结束")
	}
}

// TestNeverFinishesWithoutHarvester: 只剩健康植株而没有收割拖拉机时回合永远不会结束。
func TestNeverFinishesWithoutHarvester(t *testing.T) {
	e := NewEpisode(config.Default(), WithLogger(quietLogger()))
	e.PlacePlant(orb.Point{0, 0}, Healthy)
	e.Spawn(TractorSpec{Role: RoleHerbicide, Position: orb.Point{0, -5}, HeadingDeg: 90})

	err := e.Run(context.Background(), testDt, 5000)
	if !errors.Is(err, ErrTickLimit) {
		t.Fatalf("期望 ErrTickLimit, 得到 %v", err)
	}
	if e.Finished() {
		t.Error("回合不应结束")
	}
}

func TestFinishHookFiresOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Learning.Enabled = false
	calls := 0
	e := NewEpisode(cfg, WithLogger(quietLogger()), OnFinish(func(*Episode) { calls++ }))
	e.PlacePlant(orb.Point{0, 0.5}, Healthy)
	e.Spawn(TractorSpec{Role: RoleHarvester, Position: orb.Point{0, 0}, HeadingDeg: 90})

	if err := e.Run(context.Background(), testDt, 1000); err != nil {
		t.Fatalf("回合应正常结束: %v", err)
	}
	ticks := e.CurrentTick()
	e.Tick(testDt)
	e.Tick(testDt)
	if e.CurrentTick() != ticks {
		t.Error("结束后 Tick 不应再推进")
	}
	if calls != 1 {
		t.Errorf("结束回调应只触发一次, 得到 %d", calls)
	}
	if m := e.Metrics().Snapshot(); m.Harvested != 1 {
		t.Errorf("期望收获 1 株, 得到 %d", m.Harvested)
	}
}

func TestRunHonoursContext(t *testing.T) {
	e := NewEpisode(config.Default(), WithLogger(quietLogger()))
	e.SeedFromConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, testDt, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled, 得到 %v", err)
	}
}

// TestResourceBoundsHold 在完整回合中逐 tick 检查燃油和除草剂的上下界。
func TestResourceBoundsHold(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		cfg := config.Default()
		cfg.Run.Parallel = parallel
		e := NewEpisode(cfg, WithLogger(quietLogger()))
		e.SeedFromConfig()

		for i := 0; i < 20000 && !e.Finished(); i++ {
			e.Tick(testDt)
			for _, tr := range e.Tractors() {
				if tr.Fuel < 0 || tr.Fuel > cfg.Tractor.FuelMax {
					t.Fatalf("tick %d: %s 燃油越界 %v", i, tr.ID, tr.Fuel)
				}
				if tr.Herbicide < 0 || tr.Herbicide > cfg.Tractor.HerbicideMax {
					t.Fatalf("tick %d: %s 除草剂越界 %v", i, tr.ID, tr.Herbicide)
				}
			}
		}
	}
}

func TestEpisodeDeterministicForSeed(t *testing.T) {
	run := func() ([]PolicySnapshot, MetricsSnapshot) {
		cfg := config.Default()
		cfg.Run.Seed = 99
		e := NewEpisode(cfg, WithLogger(quietLogger()))
		e.SeedFromConfig()
		for i := 0; i < 3000; i++ {
			e.Tick(testDt)
		}
		return e.Policies(), e.Metrics().Snapshot()
	}

	p1, m1 := run()
	p2, m2 := run()
	if m1 != m2 {
		t.Errorf("相同种子的指标不一致:\n%+v\n%+v", m1, m2)
	}
	for i := range p1 {
		for s := range p1[i].Table {
			for a := range p1[i].Table[s] {
				if p1[i].Table[s][a] != p2[i].Table[s][a] {
					t.Fatalf("%s 的 Q(%d,%d) 不一致", p1[i].TractorID, s, a)
				}
			}
		}
	}
}

func TestPolicyLoaderWarmStart(t *testing.T) {
	saved := make([][]float64, StateCount)
	for s := range saved {
		saved[s] = make([]float64, ActionCount)
	}
	saved[0][ActionSeekHarvest] = 5

	loader := func(role Role, index int) ([][]float64, bool) {
		if role == RoleHarvester && index == 0 {
			return saved, true
		}
		if role == RoleHerbicide {
			return [][]float64{{1}}, true
		}
		return nil, false
	}
	e := NewEpisode(config.Default(), WithLogger(quietLogger()), WithPolicyLoader(loader))
	harvester := e.Spawn(TractorSpec{Role: RoleHarvester})
	herbicide := e.Spawn(TractorSpec{Role: RoleHerbicide})

	if got := harvester.Policy().Value(0, ActionSeekHarvest); got != 5 {
		t.Errorf("期望加载已保存的 Q 值 5, 得到 %v", got)
	}
	if got := herbicide.Policy().Value(0, ActionSeekInfected); got != 0 {
		t.Errorf("形状不符的表应被忽略, 得到 %v", got)
	}
	if harvester.ID != "harvester-0" {
		t.Errorf("自动生成的 ID 错误: %s", harvester.ID)
	}
}

func TestSnapshotAndObservers(t *testing.T) {
	rec := &recordingObserver{}
	cfg := config.Default()
	cfg.Learning.Enabled = false
	e := NewEpisode(cfg, WithLogger(quietLogger()), WithObserver(rec), WithObserver(NopObserver{}))
	e.PlacePlant(orb.Point{0, 0}, Infected)
	e.Spawn(TractorSpec{Role: RoleHerbicide, Position: orb.Point{0, 0}})

	for i := 0; i < 100; i++ {
		e.Tick(testDt)
	}
	snap := e.Snapshot()
	if snap.Tick != 100 || len(snap.Tractors) != 1 || len(snap.Plants) != 1 {
		t.Fatalf("快照内容错误: %+v", snap)
	}
	if snap.Counts.Cured != 1 {
		t.Errorf("期望 1 株已治愈, 得到 %+v", snap.Counts)
	}
	kinds := rec.tractorKinds()
	if len(kinds) < 2 || kinds[0] != EventWorkStarted || kinds[1] != EventCured {
		t.Errorf("事件序列错误: %v", kinds)
	}
	if len(rec.plants) != 1 || rec.plants[0].To != Cured {
		t.Errorf("植株事件错误: %+v", rec.plants)
	}
}
