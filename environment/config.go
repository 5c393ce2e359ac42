package environment

import (
	"log"

	"Field-Simulator/config"
	"Field-Simulator/simulation"
)

// EpisodeFactory 根据 (已设置好种子的) 配置创建并布置一个新回合。
type EpisodeFactory func(cfg config.Config) (*simulation.Episode, error)

// Config 结构体用于封装所有可以从外部配置的环境参数。
type Config struct {
	Sim config.Config
	// 单次 Step 请求最多推进的 tick 数, 0 表示使用默认值
	MaxTicksPerStep int
	// 为空时使用 DefaultFactory
	NewEpisode EpisodeFactory
	Logger     *log.Logger
}

const defaultMaxTicksPerStep = 100000

// DefaultFactory 创建一个按配置布置好的回合, 不挂接任何观察者。
func DefaultFactory(logger *log.Logger) EpisodeFactory {
	return func(cfg config.Config) (*simulation.Episode, error) {
		e := simulation.NewEpisode(cfg, simulation.WithLogger(logger))
		e.SeedFromConfig()
		return e, nil
	}
}
