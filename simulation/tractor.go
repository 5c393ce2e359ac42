package simulation

import (
	"math"

	"Field-Simulator/config"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Mode 是拖拉机状态机的当前状态, 任一 tick 恰好处于其中之一。
type Mode int

const (
	ModeIdle      Mode = iota // 空闲/决策中
	ModeMoving                // 朝目标或谷仓移动
	ModeWorking               // 正在对植株作业
	ModeRefilling             // 在谷仓补给
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeMoving:
		return "moving"
	case ModeWorking:
		return "working"
	case ModeRefilling:
		return "refilling"
	default:
		return "unknown"
	}
}

// Barn 是所有拖拉机共享的补给点, 只读。
type Barn struct {
	Position orb.Point
	Radius   float64
}

// Contains 判断 p 是否位于谷仓范围内。
func (b Barn) Contains(p orb.Point) bool {
	return planar.Distance(p, b.Position) < b.Radius
}

// TractorParams 汇总拖拉机的资源、作业与奖励参数。
type TractorParams struct {
	FuelMax             float64
	HerbicideMax        float64
	RefillFuelThreshold float64
	WorkDuration        float64
	WorkFuelCost        float64
	StoppingDistance    float64
	FuelPerUnit         float64

	LearningEnabled  bool
	DecisionInterval float64
	TimePenalty      float64
	TargetMode       string

	RefillReward  float64
	SuccessReward float64
	InvalidReward float64
}

func ParamsFromConfig(cfg config.Config) TractorParams {
	return TractorParams{
		FuelMax:             cfg.Tractor.FuelMax,
		HerbicideMax:        cfg.Tractor.HerbicideMax,
		RefillFuelThreshold: cfg.Tractor.RefillFuelThreshold,
		WorkDuration:        cfg.Tractor.WorkDuration,
		WorkFuelCost:        cfg.Tractor.WorkFuelCost,
		StoppingDistance:    cfg.Tractor.StoppingDistance,
		FuelPerUnit:         cfg.Tractor.FuelPerUnit,
		LearningEnabled:     cfg.Learning.Enabled,
		DecisionInterval:    cfg.Learning.DecisionInterval,
		TimePenalty:         cfg.Learning.TimePenalty,
		TargetMode:          cfg.Learning.TargetMode,
		RefillReward:        cfg.Learning.Rewards.Refill,
		SuccessReward:       cfg.Learning.Rewards.Success,
		InvalidReward:       cfg.Learning.Rewards.Invalid,
	}
}

// StepEnv 是一个 tick 内拖拉机可见的环境。View 是 tick 开始时的快照,
// Field 是实时登记表, 只用于重新校验目标和提交作业结果。
type StepEnv struct {
	Tick       uint64
	View       FieldView
	Field      *Field
	Barn       Barn
	Metrics    *Metrics
	Observer   Observer
	Locomotion Locomotion
}

// TractorStats 是单台拖拉机的累计统计。
type TractorStats struct {
	Decisions   uint64  `json:"decisions"`
	WorkStarted uint64  `json:"work_started"`
	Cured       uint64  `json:"cured"`
	Harvested   uint64  `json:"harvested"`
	Invalid     uint64  `json:"invalid"`
	Aborted     uint64  `json:"aborted"`
	Refills     uint64  `json:"refills"`
	Forced      uint64  `json:"forced_refills"`
	Distance    float64 `json:"distance"`
	Reward      float64 `json:"reward"`
}

// Tractor 是单台拖拉机的控制器: 观测环境, 驱动策略, 处理资源约束,
// 锁定目标, 执行定时作业并上报结果。
type Tractor struct {
	ID        string
	Index     int
	Role      Role
	Position  orb.Point
	Heading   float64 // 弧度
	Fuel      float64
	Herbicide float64

	params TractorParams
	policy *QTable
	mode   Mode

	target    PlantHandle
	hasTarget bool

	workElapsed float64

	// --- Q-learning 状态 ---
	lastState      int
	lastAction     Action
	pendingReward  float64 // 奖励银行, 在下一次决策时结算
	decisionTimer  float64
	lastTransition Transition

	forcedRefill    bool
	refilledInVisit bool

	stats TractorStats
}

// NewTractor 创建一台满载的拖拉机。收割拖拉机不携带除草剂。
func NewTractor(id string, index int, role Role, pos orb.Point, heading float64, params TractorParams, policy *QTable) *Tractor {
	t := &Tractor{
		ID:         id,
		Index:      index,
		Role:       role,
		Position:   pos,
		Heading:    heading,
		Fuel:       params.FuelMax,
		params:     params,
		policy:     policy,
		mode:       ModeIdle,
		lastAction: ActionReturnToBarn,
	}
	if role == RoleHerbicide {
		t.Herbicide = params.HerbicideMax
	}
	return t
}

// NeedsRefill 是低资源判定, 同时用于强制补给和状态编码的 bit0。
func (t *Tractor) NeedsRefill() bool {
	if t.Fuel <= t.params.RefillFuelThreshold {
		return true
	}
	return t.Role == RoleHerbicide && t.Herbicide <= 0
}

func (t *Tractor) full() bool {
	if t.Fuel < t.params.FuelMax {
		return false
	}
	return t.Role != RoleHerbicide || t.Herbicide >= t.params.HerbicideMax
}

// Step 推进一个 tick。
func (t *Tractor) Step(dt float64, env *StepEnv) {
	if t.mode == ModeWorking {
		t.stepWork(dt, env)
		return
	}

	// 1. 在谷仓内: 补给后本 tick 不再移动
	if env.Barn.Contains(t.Position) {
		if t.NeedsRefill() || (!t.refilledInVisit && !t.full()) {
			t.refill(env)
			return
		}
	} else {
		t.refilledInVisit = false
	}

	// 2. 资源告急: 绝对优先返回谷仓, 不交给策略
	if t.NeedsRefill() {
		if !t.forcedRefill {
			t.forcedRefill = true
			t.stats.Forced++
			t.emit(env, EventForcedRefill, -1, 0)
		}
		t.clearTarget()
		t.moveToward(env.Barn.Position, dt, env)
		return
	}
	t.forcedRefill = false

	// 3. 按固定间隔做决策
	if t.params.LearningEnabled && t.policy != nil {
		t.decide(dt, env)
		if !t.hasTarget && t.lastAction == ActionReturnToBarn {
			t.moveToward(env.Barn.Position, dt, env)
			return
		}
	}

	// 4. 没有目标时按本角色搜索最近的植株, 找不到就朝谷仓漂移
	if !t.hasTarget {
		h, ok := env.View.Nearest(t.Position, t.Role)
		if !ok {
			t.moveToward(env.Barn.Position, dt, env)
			return
		}
		t.commit(h)
	}

	p, ok := env.Field.Get(t.target)
	if !ok {
		t.clearTarget()
		t.mode = ModeIdle
		return
	}
	t.moveToward(p.Position, dt, env)

	// 5. 到达判定
	if Arrived(t.Position, p.Position, t.params.StoppingDistance) {
		t.beginWork(env, p)
	}
}

func (t *Tractor) decide(dt float64, env *StepEnv) {
	t.decisionTimer += dt
	t.pendingReward -= t.params.TimePenalty * dt
	if t.decisionTimer < t.params.DecisionInterval {
		return
	}

	s := t.Observe(env.View).State()
	t.policy.Update(t.lastState, t.lastAction, t.pendingReward, s)
	t.lastTransition = Transition{State: t.lastState, Action: t.lastAction, Reward: t.pendingReward, NextState: s}

	t.pendingReward = 0
	t.decisionTimer = 0

	a := t.policy.SelectAction(s)
	t.lastState = s
	t.lastAction = a
	t.stats.Decisions++
	t.chooseTarget(a, env.View)
	t.emit(env, EventDecision, -1, 0)
}

// Observe 基于快照编码当前状态。
func (t *Tractor) Observe(view FieldView) Observation {
	_, infected := view.NearestMatch(t.Position, isInfected)
	_, harvest := view.NearestMatch(t.Position, PlantState.Harvestable)
	return Observation{
		InfectedAvailable: infected,
		HarvestAvailable:  harvest,
		NeedsRefill:       t.NeedsRefill(),
	}
}

func isInfected(s PlantState) bool { return s == Infected }

func (t *Tractor) chooseTarget(a Action, view FieldView) {
	t.clearTarget()
	var accept func(PlantState) bool
	switch a {
	case ActionSeekInfected:
		accept = isInfected
	case ActionSeekHarvest:
		accept = PlantState.Harvestable
	default:
		return
	}
	if t.params.TargetMode != config.TargetModeReference {
		category := accept
		accept = func(s PlantState) bool { return category(s) && t.Role.Accepts(s) }
	}
	if h, ok := view.NearestMatch(t.Position, accept); ok {
		t.commit(h)
	}
}

func (t *Tractor) commit(h PlantHandle) {
	t.target = h
	t.hasTarget = true
}

func (t *Tractor) clearTarget() {
	t.target = PlantHandle{}
	t.hasTarget = false
}

func (t *Tractor) refill(env *StepEnv) {
	t.Fuel = t.params.FuelMax
	if t.Role == RoleHerbicide {
		t.Herbicide = t.params.HerbicideMax
	}
	t.refilledInVisit = true
	t.forcedRefill = false
	t.stats.Refills++
	env.Metrics.OnRefilled()
	t.addReward(env, t.params.RefillReward)
	t.clearTarget()
	t.mode = ModeRefilling
	t.emit(env, EventRefilled, -1, t.params.RefillReward)
}

// moveToward 交给外部运动模型, 按行驶距离消耗燃油, 燃油不会低于 0, 没油时原地不动。
func (t *Tractor) moveToward(target orb.Point, dt float64, env *StepEnv) {
	if t.Fuel <= 0 {
		t.mode = ModeIdle
		return
	}
	t.mode = ModeMoving
	pos, heading, dist := env.Locomotion.MoveToward(t.Position, t.Heading, target, dt)
	t.Position = pos
	t.Heading = heading
	if dist <= 0 {
		return
	}
	t.stats.Distance += dist
	env.Metrics.AddDistance(dist)
	t.Fuel = math.Max(0, t.Fuel-dist*t.params.FuelPerUnit)
}

func (t *Tractor) beginWork(env *StepEnv, p Plant) {
	t.mode = ModeWorking
	t.workElapsed = 0
	t.stats.WorkStarted++
	t.emit(env, EventWorkStarted, p.ID, 0)
}

// stepWork 每个 tick 都重新校验目标, 目标消失则无奖励地中止。
func (t *Tractor) stepWork(dt float64, env *StepEnv) {
	p, ok := env.Field.Get(t.target)
	if !ok {
		t.abortWork(env, p.ID)
		return
	}
	t.workElapsed += dt
	if t.workElapsed < t.params.WorkDuration {
		return
	}
	t.completeWork(env, p)
}

func (t *Tractor) completeWork(env *StepEnv, p Plant) {
	done := false
	switch {
	case t.Role == RoleHerbicide && p.State == Infected:
		if env.Field.CompareAndSetState(t.target, Infected, Cured) {
			t.Herbicide = math.Max(0, t.Herbicide-1)
			t.stats.Cured++
			env.Metrics.OnCured()
			t.addReward(env, t.params.SuccessReward)
			t.emit(env, EventCured, p.ID, t.params.SuccessReward)
			done = true
		}
	case t.Role == RoleHarvester && p.State.Harvestable():
		if env.Field.Harvest(t.target) {
			t.stats.Harvested++
			env.Metrics.OnHarvested()
			t.addReward(env, t.params.SuccessReward)
			t.emit(env, EventHarvested, p.ID, t.params.SuccessReward)
			done = true
		}
	}

	if !done {
		if _, live := env.Field.Get(t.target); !live {
			t.abortWork(env, p.ID)
			return
		}
		t.stats.Invalid++
		t.addReward(env, t.params.InvalidReward)
		t.emit(env, EventWorkInvalid, p.ID, t.params.InvalidReward)
	}

	t.Fuel = math.Max(0, t.Fuel-t.params.WorkFuelCost)
	t.finishWork()
}

func (t *Tractor) abortWork(env *StepEnv, plantID int) {
	t.stats.Aborted++
	t.emit(env, EventWorkAborted, plantID, 0)
	t.finishWork()
}

func (t *Tractor) finishWork() {
	t.mode = ModeIdle
	t.workElapsed = 0
	t.clearTarget()
}

func (t *Tractor) addReward(env *StepEnv, r float64) {
	t.pendingReward += r
	t.stats.Reward += r
	env.Metrics.AddReward(r)
}

func (t *Tractor) emit(env *StepEnv, kind TractorEventKind, plantID int, reward float64) {
	if env.Observer == nil {
		return
	}
	env.Observer.TractorEvent(TractorEvent{
		Tick:      env.Tick,
		TractorID: t.ID,
		Role:      t.Role,
		Kind:      kind,
		PlantID:   plantID,
		Action:    t.lastAction,
		Reward:    reward,
		Position:  t.Position,
	})
}

func (t *Tractor) Mode() Mode { return t.mode }

// Target 返回当前锁定的目标句柄。句柄可能已失效, 使用前需重新校验。
func (t *Tractor) Target() (PlantHandle, bool) { return t.target, t.hasTarget }

func (t *Tractor) Policy() *QTable { return t.policy }

func (t *Tractor) LastAction() Action { return t.lastAction }

func (t *Tractor) LastTransition() Transition { return t.lastTransition }

// PendingReward 返回自上次决策以来累积、尚未结算的奖励。
func (t *Tractor) PendingReward() float64 { return t.pendingReward }

func (t *Tractor) Stats() TractorStats { return t.stats }

// TractorSnapshot 是拖拉机的只读视图, 供报表与接口使用。
type TractorSnapshot struct {
	ID         string       `json:"id"`
	Role       string       `json:"role"`
	Mode       string       `json:"mode"`
	X          float64      `json:"x"`
	Y          float64      `json:"y"`
	HeadingDeg float64      `json:"heading_deg"`
	Fuel       float64      `json:"fuel"`
	Herbicide  float64      `json:"herbicide"`
	LastAction string       `json:"last_action"`
	Stats      TractorStats `json:"stats"`
}

func (t *Tractor) Snapshot() TractorSnapshot {
	return TractorSnapshot{
		ID:         t.ID,
		Role:       t.Role.String(),
		Mode:       t.mode.String(),
		X:          t.Position[0],
		Y:          t.Position[1],
		HeadingDeg: radToDeg(t.Heading),
		Fuel:       t.Fuel,
		Herbicide:  t.Herbicide,
		LastAction: t.lastAction.String(),
		Stats:      t.stats,
	}
}
