// Package fail2ban tracks repeated authorization failures per client IP and
// imposes temporary bans. Counters and bans live in bounded LRU caches so a
// scan across many source addresses cannot grow memory without limit.
package fail2ban

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const trackedIPLimit = 100000

type Fail2Ban struct {
	mu          sync.RWMutex
	maxAttempts int
	banDuration time.Duration // 0 means permanent ban
	failures    *lru.Cache[string, int]
	banTime     *lru.Cache[string, time.Time]
}

// New creates a tracker. maxAttempts failures in a row ban the address for
// banDuration; a zero duration bans permanently until Unban.
func New(maxAttempts int, banDuration time.Duration) *Fail2Ban {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	failures, _ := lru.New[string, int](trackedIPLimit)
	banTime, _ := lru.New[string, time.Time](trackedIPLimit)
	return &Fail2Ban{
		maxAttempts: maxAttempts,
		banDuration: banDuration,
		failures:    failures,
		banTime:     banTime,
	}
}

// RecordFailure counts one authorization failure for the address and bans it
// once the threshold is reached. Failures while banned are ignored.
func (f *Fail2Ban) RecordFailure(clientIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, banned := f.banTime.Get(clientIP); banned {
		return
	}

	count, _ := f.failures.Get(clientIP)
	count++
	f.failures.Add(clientIP, count)

	if count >= f.maxAttempts {
		f.banTime.Add(clientIP, time.Now())
	}
}

// RecordSuccess resets the failure counter for the address.
func (f *Fail2Ban) RecordSuccess(clientIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, banned := f.banTime.Get(clientIP); banned {
		return
	}
	f.failures.Remove(clientIP)
}

// IsBanned reports whether the address is currently banned. Expired bans are
// cleared on the way out.
func (f *Fail2Ban) IsBanned(clientIP string) bool {
	f.mu.RLock()
	bannedAt, banned := f.banTime.Get(clientIP)
	f.mu.RUnlock()

	if !banned {
		return false
	}
	if f.banDuration == 0 {
		return true
	}

	if time.Since(bannedAt) >= f.banDuration {
		f.mu.Lock()
		defer f.mu.Unlock()
		// Double-check after acquiring write lock
		if current, still := f.banTime.Get(clientIP); still && time.Since(current) >= f.banDuration {
			f.banTime.Remove(clientIP)
			f.failures.Remove(clientIP)
			return false
		}
	}
	return true
}

// GetFailureCount returns the current failure counter for the address.
func (f *Fail2Ban) GetFailureCount(clientIP string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count, _ := f.failures.Get(clientIP)
	return count
}

// Unban lifts a ban and resets the counter.
func (f *Fail2Ban) Unban(clientIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banTime.Remove(clientIP)
	f.failures.Remove(clientIP)
}

// GetBannedIPs lists all currently banned addresses.
func (f *Fail2Ban) GetBannedIPs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var banned []string
	for _, ip := range f.banTime.Keys() {
		if bannedAt, ok := f.banTime.Peek(ip); ok {
			if f.banDuration != 0 && time.Since(bannedAt) >= f.banDuration {
				continue
			}
			banned = append(banned, ip)
		}
	}
	return banned
}
