// C:/workspace/go/Field-Simulator-Go/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"Field-Simulator/api"
	"Field-Simulator/collector"
	"Field-Simulator/config"
	"Field-Simulator/environment"
	"Field-Simulator/simulation"
	"Field-Simulator/store"
	"Field-Simulator/ui"

	"google.golang.org/grpc"
)

const collectorPoll = 20 * time.Millisecond

func main() {
	var (
		configPath = flag.String("config", "", "YAML or TOML config file (empty = reference defaults)")
		seed       = flag.Uint64("seed", 0, "override run.seed")
		episodes   = flag.Int("episodes", 1, "number of consecutive episodes in run mode")
		parallel   = flag.Bool("parallel", false, "step tractors concurrently within a tick")
		grpcAddr   = flag.String("serve", "", "serve the gRPC environment on this address instead of running")
		wsAddr     = flag.String("ws", "", "serve the websocket observer stream on this address")
		watch      = flag.Bool("watch", false, "run one episode in the terminal watch view")
		dbPath     = flag.String("db", "", "override output.db_path")
		reportDir  = flag.String("report-dir", "", "override output.report_dir")
		eventDir   = flag.String("events", "", "override output.event_dir")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("❌ 加载配置失败: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Run.Seed = *seed
		case "parallel":
			cfg.Run.Parallel = *parallel
		case "db":
			cfg.Output.DBPath = *dbPath
		case "report-dir":
			cfg.Output.ReportDir = *reportDir
		case "events":
			cfg.Output.EventDir = *eventDir
		}
	})
	if err := config.Validate(cfg); err != nil {
		logger.Fatalf("❌ %v", err)
	}

	logger.Println("=============================================")
	logger.Println("========  Field Tractor Q-Learning Sim  ========")
	logger.Println("=============================================")
	logger.Printf("加载配置: 田地 %dx%d, 间距 %.1f, 感染比例 %.2f", cfg.Field.Rows, cfg.Field.Cols, cfg.Field.RowSpacing, cfg.Field.InfectedFraction)
	logger.Printf("加载配置: %d 台拖拉机 (除草 %d), 学习=%v, α=%.2f γ=%.2f ε=%.2f, 目标模式=%s",
		len(cfg.Tractor.Starts), cfg.Tractor.HerbicideCount, cfg.Learning.Enabled,
		cfg.Learning.Alpha, cfg.Learning.Gamma, cfg.Learning.Epsilon, cfg.Learning.TargetMode)
	if farthest, reachable := simulation.RefillReach(cfg); farthest > reachable {
		logger.Printf("⚠️  最远植株距谷仓区域 %.1f, 低燃油时只能行驶 %.1f, 拖拉机可能在田地中耗尽燃油", farthest, reachable)
	}
	logger.Println("=============================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{cfg: cfg, logger: logger}
	if cfg.Output.DBPath != "" {
		st, err := store.Open(cfg.Output.DBPath)
		if err != nil {
			logger.Fatalf("❌ %v", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			logger.Fatalf("❌ %v", err)
		}
		r.store = st
		logger.Printf("🗄️  回合记录将写入 %s", cfg.Output.DBPath)
		recent, err := st.ListEpisodes(ctx, 5)
		if err != nil {
			logger.Fatalf("❌ %v", err)
		}
		for _, ep := range recent {
			logger.Printf("   - %s seed=%d tick=%d 完成=%v 奖励=%.2f 收获=%d", ep.ID, ep.Seed, ep.Ticks, ep.Finished, ep.Metrics.TotalReward, ep.Metrics.Harvested)
		}
	}

	r.broadcaster = simulation.NewBroadcaster(4096, logger)
	go r.broadcaster.StartDispatching()
	defer r.broadcaster.Close()

	if *wsAddr != "" {
		hub := api.NewHub(r.broadcaster, r.current.Load, logger)
		r.hub = hub
		srv := &http.Server{Addr: *wsAddr, Handler: hub.Routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Printf("📡 观察端 websocket 已在 %s 启动", *wsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("❌ websocket 服务出错: %v", err)
			}
		}()
		defer srv.Close()
	}

	switch {
	case *grpcAddr != "":
		err = r.serve(ctx, *grpcAddr)
	case *watch:
		err = r.watch()
	default:
		err = r.runEpisodes(ctx, *episodes)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("❌ %v", err)
	}

	logger.Println("=============================================")
	logger.Println("===========  SIMULATION FINISHED  ===========")
	logger.Println("=============================================")
}

// runner 为每个回合挂接观察者、数据收集器和持久化。
type runner struct {
	cfg         config.Config
	logger      *log.Logger
	store       *store.Store
	broadcaster *simulation.Broadcaster
	hub         *api.Hub
	current     atomic.Pointer[simulation.Episode]
	counter     atomic.Int64
}

// episodeRun 是一个回合及其附属输出的生命周期。
type episodeRun struct {
	episode   *simulation.Episode
	events    *collector.EventLog
	collector *collector.DataCollector
	seed      uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (r *runner) newEpisode(cfg config.Config) (*episodeRun, error) {
	n := r.counter.Add(1)
	run := &episodeRun{seed: cfg.Run.Seed, done: make(chan struct{})}
	run.collector = collector.NewDataCollector(nil, cfg.Output.ReportDir, cfg.Run.SampleEverySeconds, r.logger)

	opts := []simulation.Option{
		simulation.WithLogger(r.logger),
		simulation.WithObserver(r.broadcaster),
		simulation.WithObserver(run.collector),
		simulation.OnFinish(func(*simulation.Episode) { r.finalize(run) }),
	}
	if cfg.Learning.WarmStart && r.store != nil {
		opts = append(opts, simulation.WithPolicyLoader(r.store.PolicyLoader(context.Background(), r.logger)))
	}

	// 事件日志以回合 ID 命名, 而 ID 在创建回合时才生成, 所以先转发到一个占位观察者。
	relay := &relayObserver{}
	if cfg.Output.EventDir != "" {
		opts = append(opts, simulation.WithObserver(relay))
	}

	e := simulation.NewEpisode(cfg, opts...)
	if cfg.Output.EventDir != "" {
		events, err := collector.NewEventLog(cfg.Output.EventDir, e.ID, r.logger)
		if err != nil {
			return nil, err
		}
		run.events = events
		relay.target.Store(events)
	}
	run.episode = e
	run.collector.SetSource(e)
	e.SeedFromConfig()

	r.current.Store(e)
	run.wg.Add(1)
	go run.collector.Run(&run.wg, run.done, collectorPoll, fmt.Sprintf("ep%03d", n))
	return run, nil
}

// finalize 只执行一次: 关闭事件日志, 写入数据库, 通知收集器保存报告。
func (r *runner) finalize(run *episodeRun) {
	run.once.Do(func() {
		if run.events != nil {
			if err := run.events.Close(); err != nil {
				r.logger.Printf("❌ 关闭事件日志失败: %v", err)
			} else {
				r.logger.Printf("📝 %d 条事件已写入 %s", run.events.Written(), run.events.Path())
			}
		}
		if r.store != nil {
			if err := r.store.SaveEpisode(context.Background(), run.seed, run.episode.Snapshot(), run.episode.Policies()); err != nil {
				r.logger.Printf("❌ 保存回合失败: %v", err)
			}
		}
		if r.hub != nil {
			r.logger.Printf("📡 回合 %s 结束, 当前 %d 个观察端在线", run.episode.ID, r.hub.Clients())
		}
		close(run.done)
	})
}

func (r *runner) runEpisodes(ctx context.Context, episodes int) error {
	for i := 0; i < episodes; i++ {
		cfg := r.cfg
		cfg.Run.Seed = r.cfg.Run.Seed + uint64(i)
		run, err := r.newEpisode(cfg)
		if err != nil {
			return err
		}

		r.logger.Printf("🚜 [回合 %d/%d] 开始, seed=%d", i+1, episodes, cfg.Run.Seed)
		err = run.episode.Run(ctx, cfg.Run.TickSeconds, cfg.Run.MaxTicks)
		if errors.Is(err, simulation.ErrTickLimit) {
			r.logger.Printf("⏱️  [回合 %d/%d] 达到 %d tick 上限, 回合未完成\n%s", i+1, episodes, cfg.Run.MaxTicks, run.episode.Metrics().Report())
			err = nil
		}
		r.finalize(run)
		run.wg.Wait()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) watch() error {
	run, err := r.newEpisode(r.cfg)
	if err != nil {
		return err
	}
	// 终端被 bubbletea 占用, 日志暂时丢弃
	r.logger.SetOutput(io.Discard)
	err = ui.Run(run.episode, r.cfg.Run.TickSeconds, 25, 50*time.Millisecond)
	r.logger.SetOutput(os.Stderr)
	r.finalize(run)
	run.wg.Wait()
	return err
}

func (r *runner) serve(ctx context.Context, addr string) error {
	var mu sync.Mutex
	var previous *episodeRun
	factory := func(cfg config.Config) (*simulation.Episode, error) {
		run, err := r.newEpisode(cfg)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		prev := previous
		previous = run
		mu.Unlock()
		if prev != nil {
			r.finalize(prev)
		}
		return run.episode, nil
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	environment.Register(gs, environment.NewServer(environment.Config{
		Sim:        r.cfg,
		NewEpisode: factory,
		Logger:     r.logger,
	}))

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	r.logger.Printf("🛰️  gRPC 环境服务已在 %s 启动", addr)
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("serve grpc: %w", err)
	}

	mu.Lock()
	last := previous
	mu.Unlock()
	if last != nil {
		r.finalize(last)
		last.wg.Wait()
	}
	return nil
}

// relayObserver 在目标设置之前丢弃事件。
type relayObserver struct {
	target atomic.Pointer[collector.EventLog]
}

func (o *relayObserver) PlantChanged(e simulation.PlantEvent) {
	if t := o.target.Load(); t != nil {
		t.PlantChanged(e)
	}
}

func (o *relayObserver) TractorEvent(e simulation.TractorEvent) {
	if t := o.target.Load(); t != nil {
		t.TractorEvent(e)
	}
}
