package collector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"Field-Simulator/simulation"

	"github.com/klauspost/compress/zstd"
)

// EventLog 把每个仿真事件写成一行 JSON, 用 zstd 压缩保存。
// 它实现 simulation.Observer, 写入失败只记录第一次错误, 不影响仿真。
type EventLog struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written int
	err     error
}

// NewEventLog 在 dir 下创建 <episodeID>.jsonl.zst。
func NewEventLog(dir, episodeID string, logger *log.Logger) (*EventLog, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	path := filepath.Join(dir, episodeID+".jsonl.zst")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &EventLog{
		path:   path,
		logger: logger,
		f:      f,
		enc:    enc,
		w:      bufio.NewWriterSize(enc, 128*1024),
	}, nil
}

func (l *EventLog) Path() string { return l.path }

func (l *EventLog) PlantChanged(e simulation.PlantEvent) {
	l.write(simulation.Event{Plant: &e})
}

func (l *EventLog) TractorEvent(e simulation.TractorEvent) {
	l.write(simulation.Event{Tractor: &e})
}

func (l *EventLog) write(e simulation.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil || l.err != nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		_, err = l.w.Write(b)
	}
	if err == nil {
		err = l.w.WriteByte('\n')
	}
	if err != nil {
		l.err = err
		l.logger.Printf("❌ 事件日志写入失败, 后续事件将被忽略: %v", err)
		return
	}
	l.written++
}

// Written 返回成功写入的事件数。
func (l *EventLog) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close 刷新缓冲并关闭文件, 可重复调用。
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return l.err
	}
	flushErr := l.w.Flush()
	encErr := l.enc.Close()
	fileErr := l.f.Close()
	l.w, l.enc, l.f = nil, nil, nil
	for _, err := range []error{l.err, flushErr, encErr, fileErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadEvents 解压并解析一个事件日志。
func ReadEvents(r io.Reader) ([]simulation.Event, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var out []simulation.Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e simulation.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}
