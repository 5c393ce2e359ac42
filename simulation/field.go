package simulation

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

type plantSlot struct {
	plant Plant
	gen   uint32
	live  bool
}

// Field 独占所有植株, 是所有拖拉机共享的任务登记表。
//
// 移除操作立即使槽位失效 (代数 +1), 但扫描顺序表 order 只在遍历时顺带压缩,
// 因此一次扫描的代价是 O(存活 + 已死亡未清理)。
type Field struct {
	mu     sync.Mutex
	slots  []plantSlot
	order  []int
	nextID int

	tick     atomic.Uint64
	observer Observer
}

func NewField(observer Observer) *Field {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Field{observer: observer}
}

// SetTick 设置事件中携带的当前 tick。
func (f *Field) SetTick(tick uint64) { f.tick.Store(tick) }

// Add 在 pos 放置一株新植物。
func (f *Field) Add(pos orb.Point, state PlantState) PlantHandle {
	f.mu.Lock()
	slot := len(f.slots)
	h := PlantHandle{Slot: slot, Generation: 1}
	p := Plant{ID: f.nextID, Position: pos, State: state, Handle: h}
	f.nextID++
	f.slots = append(f.slots, plantSlot{plant: p, gen: h.Generation, live: true})
	f.order = append(f.order, slot)
	f.mu.Unlock()
	return h
}

func (f *Field) lookupLocked(h PlantHandle) *plantSlot {
	if h.Slot < 0 || h.Slot >= len(f.slots) {
		return nil
	}
	sl := &f.slots[h.Slot]
	if !sl.live || sl.gen != h.Generation {
		return nil
	}
	return sl
}

// Get 重新校验弱引用, 植株已被移除时返回 false。
func (f *Field) Get(h PlantHandle) (Plant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sl := f.lookupLocked(h)
	if sl == nil {
		return Plant{}, false
	}
	return sl.plant, true
}

// Nearest 返回离 from 最近、且 role 可以处理的植株。
func (f *Field) Nearest(from orb.Point, role Role) (PlantHandle, bool) {
	return f.NearestMatch(from, role.Accepts)
}

// NearestMatch 线性扫描所有存活植株, 比较平方距离, 严格小于才替换:
// 距离完全相同时先扫描到的胜出。扫描过程中顺带清理已移除的条目。
func (f *Field) NearestMatch(from orb.Point, accept func(PlantState) bool) (PlantHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	best := PlantHandle{}
	bestDist := math.Inf(1)
	found := false

	n := 0
	for _, slot := range f.order {
		sl := &f.slots[slot]
		if !sl.live {
			continue
		}
		f.order[n] = slot
		n++
		if !accept(sl.plant.State) {
			continue
		}
		if d := planar.DistanceSquared(from, sl.plant.Position); d < bestDist {
			bestDist = d
			best = sl.plant.Handle
			found = true
		}
	}
	f.order = f.order[:n]
	return best, found
}

// SetState 无条件修改植株状态。
func (f *Field) SetState(h PlantHandle, next PlantState) bool {
	f.mu.Lock()
	sl := f.lookupLocked(h)
	if sl == nil {
		f.mu.Unlock()
		return false
	}
	prev := sl.plant.State
	sl.plant.State = next
	p := sl.plant
	f.mu.Unlock()

	if prev != next {
		f.observer.PlantChanged(PlantEvent{Tick: f.tick.Load(), PlantID: p.ID, Position: p.Position, From: prev, To: next})
	}
	return true
}

// CompareAndSetState 仅当植株仍存活且处于 expect 状态时才改为 next。
// 两台拖拉机同时完成作业时, 只有一台能成功。
func (f *Field) CompareAndSetState(h PlantHandle, expect, next PlantState) bool {
	f.mu.Lock()
	sl := f.lookupLocked(h)
	if sl == nil || sl.plant.State != expect {
		f.mu.Unlock()
		return false
	}
	sl.plant.State = next
	p := sl.plant
	f.mu.Unlock()

	f.observer.PlantChanged(PlantEvent{Tick: f.tick.Load(), PlantID: p.ID, Position: p.Position, From: expect, To: next})
	return true
}

// Harvest 仅当植株仍存活且可收获时将其移除。
func (f *Field) Harvest(h PlantHandle) bool {
	return f.removeIf(h, PlantState.Harvestable)
}

// Remove 无条件移除植株。被移除的植株不会再被任何查询返回。
func (f *Field) Remove(h PlantHandle) bool {
	return f.removeIf(h, func(PlantState) bool { return true })
}

func (f *Field) removeIf(h PlantHandle, cond func(PlantState) bool) bool {
	f.mu.Lock()
	sl := f.lookupLocked(h)
	if sl == nil || !cond(sl.plant.State) {
		f.mu.Unlock()
		return false
	}
	sl.live = false
	sl.gen++
	p := sl.plant
	f.mu.Unlock()

	f.observer.PlantChanged(PlantEvent{Tick: f.tick.Load(), PlantID: p.ID, Position: p.Position, From: p.State, To: p.State, Removed: true})
	return true
}

// Finished 是回合终止条件: 不再有任何健康、感染或已治愈的植株。
func (f *Field) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, slot := range f.order {
		sl := &f.slots[slot]
		if !sl.live {
			continue
		}
		switch sl.plant.State {
		case Healthy, Infected, Cured:
			return false
		}
	}
	return true
}

// PlantCounts 统计各状态的植株数量。
type PlantCounts struct {
	Healthy   int `json:"healthy"`
	Infected  int `json:"infected"`
	Cured     int `json:"cured"`
	Harvested int `json:"harvested"`
}

func (c PlantCounts) Live() int { return c.Healthy + c.Infected + c.Cured }

func (f *Field) Counts() PlantCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c PlantCounts
	for i := range f.slots {
		sl := &f.slots[i]
		if !sl.live {
			c.Harvested++
			continue
		}
		countState(&c, sl.plant.State)
	}
	return c
}

func countState(c *PlantCounts, s PlantState) {
	switch s {
	case Healthy:
		c.Healthy++
	case Infected:
		c.Infected++
	case Cured:
		c.Cured++
	}
}

// Plants 按扫描顺序返回所有存活植株的副本。
func (f *Field) Plants() []Plant {
	return f.View().Plants()
}

// View 拍下当前田地的只读快照。一个 tick 内所有拖拉机都基于同一份快照做决策,
// 不会看到彼此在本 tick 内的修改。
func (f *Field) View() FieldView {
	f.mu.Lock()
	defer f.mu.Unlock()

	plants := make([]Plant, 0, len(f.order))
	n := 0
	for _, slot := range f.order {
		sl := &f.slots[slot]
		if !sl.live {
			continue
		}
		f.order[n] = slot
		n++
		plants = append(plants, sl.plant)
	}
	f.order = f.order[:n]
	return FieldView{plants: plants, harvested: len(f.slots) - n}
}

// FieldView 是某一时刻田地的不可变快照。
type FieldView struct {
	plants    []Plant
	harvested int
}

func (v FieldView) Nearest(from orb.Point, role Role) (PlantHandle, bool) {
	return v.NearestMatch(from, role.Accepts)
}

// NearestMatch 与 Field.NearestMatch 语义相同。
func (v FieldView) NearestMatch(from orb.Point, accept func(PlantState) bool) (PlantHandle, bool) {
	best := PlantHandle{}
	bestDist := math.Inf(1)
	found := false
	for i := range v.plants {
		p := &v.plants[i]
		if !accept(p.State) {
			continue
		}
		if d := planar.DistanceSquared(from, p.Position); d < bestDist {
			bestDist = d
			best = p.Handle
			found = true
		}
	}
	return best, found
}

func (v FieldView) Plants() []Plant {
	out := make([]Plant, len(v.plants))
	copy(out, v.plants)
	return out
}

func (v FieldView) Counts() PlantCounts {
	c := PlantCounts{Harvested: v.harvested}
	for _, p := range v.plants {
		countState(&c, p.State)
	}
	return c
}

func (v FieldView) Len() int { return len(v.plants) }
