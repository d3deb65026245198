package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiters 按键维护令牌桶，长时间未使用的桶由 sweep 回收。
type Limiters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

func NewLimiters(r rate.Limit, burst int, ttl time.Duration) *Limiters {
	return &Limiters{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, now: time.Now}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *Limiters) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Len 返回当前保留的桶数量。
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiters) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

// Run 周期性回收过期的桶，直到 stop 关闭。
func (l *Limiters) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// RateLimit 返回一个基于 IP+路由的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	l := NewLimiters(r, burst, 2*time.Minute)
	go l.Run(nil)
	return Middleware(l)
}

// Middleware 用给定的桶集合限速，超限返回 429。
func Middleware(l *Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.Allow(clientIP(c.Request.RemoteAddr) + "|" + path) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
