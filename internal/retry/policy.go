package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"agrichat-dispatch/config"
)

// Policy 重试策略
// 不可变值对象，每次调用单独传入，无共享可变状态
type Policy struct {
	MaxAttempts          int           // 最大尝试次数, >= 1
	BaseDelay            time.Duration // 基础延迟
	MaxDelay             time.Duration // 最大延迟
	Multiplier           float64       // 退避倍数, >= 1
	JitterFraction       float64       // 乘性抖动幅度, [0,1]
	RequiresConnectivity bool          // 断网时挂起等待，不消耗尝试次数
}

// DefaultPolicy returns the built-in policy used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

// PolicyFromConfig builds a policy from the retry configuration section.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.JitterFraction > 0 {
		p.JitterFraction = cfg.JitterFraction
	}
	p.RequiresConnectivity = cfg.RequiresConnectivity
	return p
}

// normalized clamps out-of-range fields so the retry loop never has to
// defend against a malformed policy.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	return p
}

// Backoff computes the delay after the given attempt (1-based).
// 算法: min(maxDelay, baseDelay * multiplier^(attempt-1))，再施加
// [1-jitter, 1+jitter]区间的乘性抖动，最终仍以maxDelay封顶
func (p Policy) Backoff(attempt int) time.Duration {
	exponent := float64(attempt - 1)
	if exponent < 0 {
		exponent = 0
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, exponent))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFraction > 0 {
		factor := 1 + p.JitterFraction*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
