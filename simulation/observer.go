package simulation

import (
	"log"
	"sync"

	"github.com/paulmach/orb"
)

// TractorEventKind 标识拖拉机事件的类型。
type TractorEventKind string

const (
	EventRefilled     TractorEventKind = "REFILLED"      // 在谷仓完成补给
	EventForcedRefill TractorEventKind = "FORCED_REFILL" // 资源告急, 强制返回谷仓
	EventDecision     TractorEventKind = "DECISION"      // 策略做出新决策
	EventWorkStarted  TractorEventKind = "WORK_STARTED"
	EventCured        TractorEventKind = "CURED"
	EventHarvested    TractorEventKind = "HARVESTED"
	EventWorkInvalid  TractorEventKind = "WORK_INVALID" // 目标状态已不适合本角色
	EventWorkAborted  TractorEventKind = "WORK_ABORTED" // 目标在作业中消失
)

// PlantEvent 描述一次植株状态变化或移除。
type PlantEvent struct {
	Tick     uint64     `json:"tick"`
	PlantID  int        `json:"plant_id"`
	Position orb.Point  `json:"position"`
	From     PlantState `json:"from"`
	To       PlantState `json:"to"`
	Removed  bool       `json:"removed"`
}

type TractorEvent struct {
	Tick      uint64           `json:"tick"`
	TractorID string           `json:"tractor_id"`
	Role      Role             `json:"role"`
	Kind      TractorEventKind `json:"kind"`
	PlantID   int              `json:"plant_id,omitempty"`
	Action    Action           `json:"action"`
	Reward    float64          `json:"reward,omitempty"`
	Position  orb.Point        `json:"position"`
}

// Observer 接收仿真事件, 调用方不关心返回值。实现不得回调 Field。
type Observer interface {
	PlantChanged(PlantEvent)
	TractorEvent(TractorEvent)
}

type NopObserver struct{}

func (NopObserver) PlantChanged(PlantEvent)   {}
func (NopObserver) TractorEvent(TractorEvent) {}

// Observers 把事件同步分发给多个观察者。
type Observers []Observer

func (obs Observers) PlantChanged(e PlantEvent) {
	for _, o := range obs {
		o.PlantChanged(e)
	}
}

func (obs Observers) TractorEvent(e TractorEvent) {
	for _, o := range obs {
		o.TractorEvent(e)
	}
}

// Event 是 Broadcaster 队列中的元素, 两个字段恰好有一个非空。
type Event struct {
	Plant   *PlantEvent   `json:"plant,omitempty"`
	Tractor *TractorEvent `json:"tractor,omitempty"`
}

// Broadcaster 以异步方式把事件转发给注册的监听队列。
// 监听者队列已满时丢弃消息, 仿真循环永远不会因为慢速观察者而阻塞。
type Broadcaster struct {
	queue         chan Event
	listeners     []chan<- Event
	listenerMutex sync.Mutex
	logger        *log.Logger

	closeMu sync.RWMutex
	closed  bool
}

func NewBroadcaster(buffer int, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		queue:  make(chan Event, buffer),
		logger: logger,
	}
}

func (b *Broadcaster) RegisterListener(listener chan<- Event) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()
	b.listeners = append(b.listeners, listener)
}

func (b *Broadcaster) UnregisterListener(listener chan<- Event) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()
	for i, l := range b.listeners {
		if l == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) PlantChanged(e PlantEvent)   { b.publish(Event{Plant: &e}) }
func (b *Broadcaster) TractorEvent(e TractorEvent) { b.publish(Event{Tractor: &e}) }

func (b *Broadcaster) publish(e Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Printf("⚠️  广播队列已满, 事件被丢弃")
	}
}

// StartDispatching 阻塞运行, 直到 Close 被调用。
func (b *Broadcaster) StartDispatching() {
	for e := range b.queue {
		b.listenerMutex.Lock()
		for _, listener := range b.listeners {
			select {
			case listener <- e:
			default:
				b.logger.Printf("⚠️  监听者队列已满, 事件被丢弃")
			}
		}
		b.listenerMutex.Unlock()
	}
}

func (b *Broadcaster) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}
