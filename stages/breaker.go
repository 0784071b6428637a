package stages

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，<= 0 表示不熔断
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// ResetTimeout 熔断后等待进入半开的时间
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// HalfOpenMaxProbes 半开状态同时放行的探测请求数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// Breaker 保护单个阶段服务的熔断器。每次 Allow 放行的调用都必须以
// RecordSuccess 或 RecordFailure 结束，否则半开探测名额不会归还。
// 每次状态转换都会开始新的一代，上一代放行的调用结果被忽略
type Breaker struct {
	stage      string
	config     BreakerConfig
	state      CircuitState
	generation uint64
	failures   int
	successes  int
	openedAt   time.Time
	inflight   int
	now        func() time.Time
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewBreaker 创建熔断器
func NewBreaker(stage string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{
		stage:  stage,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("stage", stage)),
	}
}

// Allow 检查是否允许请求通过，拒绝时返回 SERVICE_UNAVAILABLE 错误。
// 返回的代数需原样传给 RecordSuccess 或 RecordFailure
func (b *Breaker) Allow() (uint64, error) {
	if b.config.FailureThreshold <= 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		wait := b.config.ResetTimeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return b.generation, types.NewError(types.ErrServiceUnavailable,
				fmt.Sprintf("circuit open for stage %s after %d consecutive failures, retry in %s",
					b.stage, b.failures, wait.Round(time.Millisecond))).
				WithRetryable(true)
		}
		b.transitionTo(CircuitHalfOpen, "reset timeout elapsed")
		b.successes = 0
		b.inflight = 0
		fallthrough

	case CircuitHalfOpen:
		if b.inflight >= b.config.HalfOpenMaxProbes {
			return b.generation, types.NewError(types.ErrServiceUnavailable,
				fmt.Sprintf("circuit half-open for stage %s, probe in flight", b.stage)).
				WithRetryable(true)
		}
		b.inflight++
		return b.generation, nil

	default:
		return b.generation, nil
	}
}

// RecordSuccess 记录 generation 代放行的调用成功
func (b *Breaker) RecordSuccess(generation uint64) {
	if b.config.FailureThreshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	switch b.state {
	case CircuitClosed:
		b.failures = 0

	case CircuitHalfOpen:
		b.release()
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", b.successes))
			b.successes = 0
		}
	}
}

// RecordFailure 记录 generation 代放行的调用失败
func (b *Breaker) RecordFailure(generation uint64) {
	if b.config.FailureThreshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	b.failures++

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}

	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.release()
		b.successes = 0
		b.openedAt = b.now()
		b.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 获取当前状态
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 获取当前连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset 重置熔断器
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitClosed {
		b.transitionTo(CircuitClosed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
	b.inflight = 0
}

func (b *Breaker) release() {
	if b.inflight > 0 {
		b.inflight--
	}
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(newState CircuitState, reason string) {
	oldState := b.state
	b.state = newState
	b.generation++

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))
}
