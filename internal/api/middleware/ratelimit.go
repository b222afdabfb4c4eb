package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	EnableByUser      bool          `yaml:"enable_by_user"`
	EnableByIP        bool          `yaml:"enable_by_ip"`
	WhitelistedIPs    []string      `yaml:"whitelisted_ips"`
}

// DefaultRateLimitConfig returns default rate limiting configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		EnableByUser:      true,
		EnableByIP:        true,
		WhitelistedIPs:    []string{"127.0.0.1", "::1"},
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	config   *RateLimitConfig
	logger   logger.Interface
	limiters map[string]*clientLimiter
	mutex    sync.Mutex
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(config *RateLimitConfig, log logger.Interface) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimitConfig().CleanupInterval
	}

	rl := &RateLimiter{
		config:   config,
		logger:   log.WithField("component", "ratelimit"),
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanupRoutine()

	rl.logger.WithFields(map[string]interface{}{
		"requests_per_minute": config.RequestsPerMinute,
		"burst_size":          config.BurstSize,
		"enable_by_user":      config.EnableByUser,
		"enable_by_ip":        config.EnableByIP,
	}).Info("Rate limiter initialized")

	return rl
}

// RateLimit returns a rate limiting middleware
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := rl.getClientID(c)
		if clientID == "" || rl.isWhitelisted(c.ClientIP()) {
			c.Next()
			return
		}

		limiter := rl.getLimiter(clientID)
		reset := fmt.Sprintf("%d", rl.now().Add(time.Minute).Unix())
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.RequestsPerMinute))
		c.Header("X-RateLimit-Reset", reset)

		if !limiter.Allow() {
			rl.logger.WithFields(map[string]interface{}{
				"client_id": clientID,
				"client_ip": c.ClientIP(),
				"method":    c.Request.Method,
				"path":      c.Request.URL.Path,
			}).Warn("Rate limit exceeded")

			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate Limit Exceeded",
				"message": "Too many requests, please slow down",
			})
			return
		}

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
		c.Next()
	}
}

// getClientID prefers the authenticated user over the client address
func (rl *RateLimiter) getClientID(c *gin.Context) string {
	if rl.config.EnableByUser {
		if userID := GetUserID(c); userID != "" {
			return "user:" + userID
		}
	}
	if rl.config.EnableByIP {
		return "ip:" + c.ClientIP()
	}
	return ""
}

func (rl *RateLimiter) getLimiter(clientID string) *rate.Limiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if cl, exists := rl.limiters[clientID]; exists {
		cl.lastSeen = rl.now()
		return cl.limiter
	}

	cl := &clientLimiter{
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(rl.config.RequestsPerMinute)),
			rl.config.BurstSize,
		),
		lastSeen: rl.now(),
	}
	rl.limiters[clientID] = cl
	return cl.limiter
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	for _, whitelistedIP := range rl.config.WhitelistedIPs {
		if ip == whitelistedIP {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops limiters idle for longer than the cleanup interval
func (rl *RateLimiter) cleanup() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-rl.config.CleanupInterval)
	removed := 0
	for clientID, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, clientID)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed", removed).Debug("Rate limiter cleanup completed")
	}
	return removed
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
