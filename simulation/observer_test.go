package simulation

import (
	"testing"
	"time"
)

func TestBroadcasterFansOut(t *testing.T) {
	b := NewBroadcaster(8, quietLogger())
	l1 := make(chan Event, 4)
	l2 := make(chan Event, 4)
	b.RegisterListener(l1)
	b.RegisterListener(l2)

	done := make(chan struct{})
	go func() {
		b.StartDispatching()
		close(done)
	}()

	b.PlantChanged(PlantEvent{PlantID: 3, To: Cured})
	b.TractorEvent(TractorEvent{TractorID: "h-0", Kind: EventCured})

	for _, l := range []chan Event{l1, l2} {
		for i := 0; i < 2; i++ {
			select {
			case e := <-l:
				if i == 0 && (e.Plant == nil || e.Plant.PlantID != 3) {
					t.Errorf("第一个事件应为植株事件, 得到 %+v", e)
				}
				if i == 1 && (e.Tractor == nil || e.Tractor.Kind != EventCured) {
					t.Errorf("第二个事件应为拖拉机事件, 得到 %+v", e)
				}
			case <-time.After(time.Second):
				t.Fatal("等待事件超时")
			}
		}
	}

	b.UnregisterListener(l2)
	b.Close()
	b.Close()
	b.PlantChanged(PlantEvent{}) // 关闭后发布不应 panic

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close 后调度循环应退出")
	}
}

func TestBroadcasterDropsWhenListenerFull(t *testing.T) {
	b := NewBroadcaster(8, quietLogger())
	slow := make(chan Event) // 无缓冲且无人读取
	b.RegisterListener(slow)

	done := make(chan struct{})
	go func() {
		b.StartDispatching()
		close(done)
	}()
	for i := 0; i < 5; i++ {
		b.PlantChanged(PlantEvent{PlantID: i})
	}
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("慢速监听者不应阻塞调度循环")
	}
}
