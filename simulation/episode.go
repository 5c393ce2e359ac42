package simulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"

	"Field-Simulator/config"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	// ErrTickLimit 表示 Run 在回合结束前用完了 tick 预算。
	ErrTickLimit = errors.New("episode tick limit reached")
	// ErrEpisodeFinished 表示对已结束的回合继续推进。
	ErrEpisodeFinished = errors.New("episode already finished")
)

// PolicyLoader 为新拖拉机提供已学习的 Q 表, 没有可用的表时返回 false。
type PolicyLoader func(role Role, index int) ([][]float64, bool)

type Option func(*Episode)

func WithLogger(l *log.Logger) Option {
	return func(e *Episode) { e.logger = l }
}

// WithObserver 追加一个观察者, 可以多次使用。
func WithObserver(o Observer) Option {
	return func(e *Episode) { e.observers = append(e.observers, o) }
}

func WithLocomotion(l Locomotion) Option {
	return func(e *Episode) { e.locomotion = l }
}

// OnFinish 注册回合结束时的回调, 只会被调用一次。
func OnFinish(fn func(*Episode)) Option {
	return func(e *Episode) { e.onFinish = append(e.onFinish, fn) }
}

func WithPolicyLoader(fn PolicyLoader) Option {
	return func(e *Episode) { e.loader = fn }
}

// GridLayout 描述以 Origin 为中心的矩形植株网格。
type GridLayout struct {
	Rows       int
	Cols       int
	RowSpacing float64
	ColSpacing float64
	Origin     orb.Point
}

func LayoutFromConfig(cfg config.FieldConfig) GridLayout {
	return GridLayout{
		Rows:       cfg.Rows,
		Cols:       cfg.Cols,
		RowSpacing: cfg.RowSpacing,
		ColSpacing: cfg.ColSpacing,
		Origin:     orb.Point{cfg.Origin.X, cfg.Origin.Y},
	}
}

// Positions 按行优先顺序返回所有格点。
func (g GridLayout) Positions() []orb.Point {
	if g.Rows <= 0 || g.Cols <= 0 {
		return nil
	}
	x0 := g.Origin[0] - float64(g.Cols-1)*g.ColSpacing/2
	y0 := g.Origin[1] - float64(g.Rows-1)*g.RowSpacing/2
	out := make([]orb.Point, 0, g.Rows*g.Cols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			out = append(out, orb.Point{x0 + float64(c)*g.ColSpacing, y0 + float64(r)*g.RowSpacing})
		}
	}
	return out
}

// Bound 返回网格的外接矩形。
func (g GridLayout) Bound() orb.Bound {
	return orb.MultiPoint(g.Positions()).Bound()
}

// RefillReach 估算补给是否可达: farthest 是网格角点到谷仓区域边缘的最大直线距离,
// reachable 是燃油刚高于补给阈值时开始作业, 作业完成后剩余燃油还能行驶的距离。
// farthest > reachable 时拖拉机可能在田地里耗尽燃油, 回合只能以 tick 上限结束。
func RefillReach(cfg config.Config) (farthest, reachable float64) {
	b := LayoutFromConfig(cfg.Field).Bound()
	barn := orb.Point{cfg.Barn.Position.X, cfg.Barn.Position.Y}
	corners := []orb.Point{b.Min, b.Max, {b.Min[0], b.Max[1]}, {b.Max[0], b.Min[1]}}
	for _, c := range corners {
		farthest = math.Max(farthest, planar.Distance(c, barn)-cfg.Barn.Radius)
	}

	left := math.Max(0, cfg.Tractor.RefillFuelThreshold-cfg.Tractor.WorkFuelCost)
	if cfg.Tractor.FuelPerUnit <= 0 {
		return farthest, math.Inf(1)
	}
	return farthest, left / cfg.Tractor.FuelPerUnit
}

// TractorSpec 描述一台待生成的拖拉机。ID 为空时自动生成。
type TractorSpec struct {
	ID         string
	Role       Role
	Position   orb.Point
	HeadingDeg float64
}

// SpawnPlan 按出生点顺序分配角色。
func SpawnPlan(starts []config.Spawn, herbicideCount int) []TractorSpec {
	specs := make([]TractorSpec, len(starts))
	for i, s := range starts {
		specs[i] = TractorSpec{
			Role:       RoleForSpawn(i, herbicideCount),
			Position:   orb.Point{s.Position.X, s.Position.Y},
			HeadingDeg: s.HeadingDeg,
		}
	}
	return specs
}

// Episode 是一次仿真回合的协调者: 负责布置田地、生成拖拉机、
// 按 tick 推进所有拖拉机并判断回合是否结束。
type Episode struct {
	ID string

	cfg        config.Config
	params     TractorParams
	learning   LearningParams
	field      *Field
	barn       Barn
	metrics    *Metrics
	observer   Observer
	observers  []Observer
	locomotion Locomotion
	logger     *log.Logger
	loader     PolicyLoader
	onFinish   []func(*Episode)

	mu       sync.Mutex
	tractors []*Tractor
	tick     uint64
	finished bool
}

func NewEpisode(cfg config.Config, opts ...Option) *Episode {
	e := &Episode{
		ID:      uuid.NewString(),
		cfg:     cfg,
		params:  ParamsFromConfig(cfg),
		metrics: NewMetrics(),
		learning: LearningParams{
			Alpha:   cfg.Learning.Alpha,
			Gamma:   cfg.Learning.Gamma,
			Epsilon: cfg.Learning.Epsilon,
		},
		barn: Barn{
			Position: orb.Point{cfg.Barn.Position.X, cfg.Barn.Position.Y},
			Radius:   cfg.Barn.Radius,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.locomotion == nil {
		e.locomotion = CarLike{MoveSpeed: cfg.Tractor.MoveSpeed, TurnSpeedDeg: cfg.Tractor.TurnSpeedDeg}
	}
	switch len(e.observers) {
	case 0:
		e.observer = NopObserver{}
	case 1:
		e.observer = e.observers[0]
	default:
		e.observer = Observers(e.observers)
	}
	e.field = NewField(e.observer)
	return e
}

// SeedFromConfig 按配置布置网格并生成所有拖拉机。
func (e *Episode) SeedFromConfig() {
	e.Seed(
		LayoutFromConfig(e.cfg.Field),
		e.cfg.Field.InfectedFraction,
		SpawnPlan(e.cfg.Tractor.Starts, e.cfg.Tractor.HerbicideCount),
	)
}

// Seed 布置植株网格, 随机感染一部分植株, 然后生成拖拉机。
// 感染数为 max(1, round(fraction*total)), 有放回抽样, 所以实际感染数可能更少。
func (e *Episode) Seed(layout GridLayout, infectedFraction float64, specs []TractorSpec) {
	positions := layout.Positions()
	infected := make(map[int]bool)
	if total := len(positions); total > 0 {
		rng := rand.New(rand.NewPCG(e.cfg.Run.Seed, 0))
		count := max(1, int(math.RoundToEven(infectedFraction*float64(total))))
		for i := 0; i < count; i++ {
			infected[rng.IntN(total)] = true
		}
	}
	for i, pos := range positions {
		state := Healthy
		if infected[i] {
			state = Infected
		}
		e.field.Add(pos, state)
	}
	for _, spec := range specs {
		e.Spawn(spec)
	}

	c := e.field.Counts()
	e.logger.Printf("🌱 [回合 %s] 田地已布置: %d 株植物 (感染 %d), %d 台拖拉机", e.ID, c.Live(), c.Infected, len(specs))
}

// PlacePlant 手动放置一株植物。
func (e *Episode) PlacePlant(pos orb.Point, state PlantState) PlantHandle {
	return e.field.Add(pos, state)
}

// Spawn 生成一台拖拉机。每台拖拉机拥有独立的随机源, 由回合种子和生成序号决定。
func (e *Episode) Spawn(spec TractorSpec) *Tractor {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := len(e.tractors)
	id := spec.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", spec.Role, index)
	}
	rng := rand.New(rand.NewPCG(e.cfg.Run.Seed, uint64(index)+1))
	policy := NewQTable(StateCount, ActionCount, e.learning, rng)
	if e.loader != nil {
		if table, ok := e.loader(spec.Role, index); ok {
			if err := policy.Load(table); err != nil {
				e.logger.Printf("⚠️  [%s] 无法加载已保存的 Q 表: %v", id, err)
			} else {
				e.logger.Printf("📥 [%s] 已从历史回合加载 Q 表", id)
			}
		}
	}

	t := NewTractor(id, index, spec.Role, spec.Position, degToRad(spec.HeadingDeg), e.params, policy)
	e.tractors = append(e.tractors, t)
	return t
}

// Tick 把仿真推进 dt 秒。回合结束后调用不产生任何效果。
func (e *Episode) Tick(dt float64) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.tick++
	e.field.SetTick(e.tick)
	e.metrics.AddTime(dt)

	env := &StepEnv{
		Tick:       e.tick,
		View:       e.field.View(),
		Field:      e.field,
		Barn:       e.barn,
		Metrics:    e.metrics,
		Observer:   e.observer,
		Locomotion: e.locomotion,
	}
	if e.cfg.Run.Parallel {
		var wg sync.WaitGroup
		for _, t := range e.tractors {
			wg.Add(1)
			go func(t *Tractor) {
				defer wg.Done()
				t.Step(dt, env)
			}(t)
		}
		wg.Wait()
	} else {
		for _, t := range e.tractors {
			t.Step(dt, env)
		}
	}

	justFinished := e.field.Finished()
	if justFinished {
		e.finished = true
	}
	e.mu.Unlock()

	if justFinished {
		e.finish()
	}
}

func (e *Episode) finish() {
	e.logger.Printf("🏁 [回合 %s] 所有植株已处理完毕\n%s", e.ID, e.metrics.Report())
	for _, fn := range e.onFinish {
		fn(e)
	}
}

func (e *Episode) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Run 以固定步长推进直到回合结束、ctx 被取消或超过 maxTicks (0 表示不限)。
func (e *Episode) Run(ctx context.Context, dt float64, maxTicks int) error {
	for n := 0; !e.Finished(); n++ {
		if maxTicks > 0 && n >= maxTicks {
			return ErrTickLimit
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Tick(dt)
	}
	return nil
}

// Advance 最多推进 ticks 个 tick, 回合结束时提前返回, 返回实际推进的数量。
func (e *Episode) Advance(ticks int, dt float64) (int, error) {
	if e.Finished() {
		return 0, ErrEpisodeFinished
	}
	n := 0
	for n < ticks && !e.Finished() {
		e.Tick(dt)
		n++
	}
	return n, nil
}

// CurrentTick 返回已经推进的 tick 数。
func (e *Episode) CurrentTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Episode) Field() *Field { return e.field }

func (e *Episode) Barn() Barn { return e.barn }

func (e *Episode) Metrics() *Metrics { return e.metrics }

func (e *Episode) Config() config.Config { return e.cfg }

// Tractors 返回拖拉机列表的副本, 只应在两次 Tick 之间读取。
func (e *Episode) Tractors() []*Tractor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Tractor, len(e.tractors))
	copy(out, e.tractors)
	return out
}

// PolicySnapshot 是一台拖拉机 Q 表的副本。
type PolicySnapshot struct {
	TractorID string      `json:"tractor_id"`
	Role      Role        `json:"role"`
	Index     int         `json:"index"`
	Updates   uint64      `json:"updates"`
	Table     [][]float64 `json:"table"`
}

func (e *Episode) Policies() []PolicySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PolicySnapshot, 0, len(e.tractors))
	for _, t := range e.tractors {
		out = append(out, PolicySnapshot{
			TractorID: t.ID,
			Role:      t.Role,
			Index:     t.Index,
			Updates:   t.policy.Updates(),
			Table:     t.policy.Table(),
		})
	}
	return out
}

// EpisodeSnapshot 是回合在两个 tick 之间的完整只读视图。
type EpisodeSnapshot struct {
	ID       string            `json:"id"`
	Tick     uint64            `json:"tick"`
	Finished bool              `json:"finished"`
	Metrics  MetricsSnapshot   `json:"metrics"`
	Counts   PlantCounts       `json:"counts"`
	Barn     orb.Point         `json:"barn"`
	Tractors []TractorSnapshot `json:"tractors"`
	Plants   []Plant           `json:"plants,omitempty"`
}

func (e *Episode) Snapshot() EpisodeSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := e.field.View()
	snap := EpisodeSnapshot{
		ID:       e.ID,
		Tick:     e.tick,
		Finished: e.finished,
		Metrics:  e.metrics.Snapshot(),
		Counts:   view.Counts(),
		Barn:     e.barn.Position,
		Tractors: make([]TractorSnapshot, 0, len(e.tractors)),
		Plants:   view.Plants(),
	}
	for _, t := range e.tractors {
		snap.Tractors = append(snap.Tractors, t.Snapshot())
	}
	return snap
}
