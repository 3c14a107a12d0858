package vigil

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// BlacklistEntry describes one blocked address.
type BlacklistEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	AddedAt   time.Time `json:"addedAt"`
	Until     time.Time `json:"until,omitempty"`
	Permanent bool      `json:"permanent"`
	Notes     string    `json:"notes,omitempty"`
}

// Blacklist is the address-block collaborator the orchestrator consults and
// feeds.
type Blacklist interface {
	IsBlacklisted(ip string) (*BlacklistEntry, bool)
	Add(ip, reason string, severity Severity, duration time.Duration, notes string) error
	Remove(ip string) error
	Entries() []BlacklistEntry
}

// MemoryBlacklist is the in-process implementation. Expired entries are
// removed lazily on lookup. Addresses inside the allow CIDRs are never
// blacklisted.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]*BlacklistEntry
	allow   []*net.IPNet
	now     func() time.Time
}

func NewMemoryBlacklist(allowCIDRs []string) *MemoryBlacklist {
	return &MemoryBlacklist{
		entries: make(map[string]*BlacklistEntry),
		allow:   parseCIDRs(allowCIDRs),
		now:     time.Now,
	}
}

func (b *MemoryBlacklist) IsBlacklisted(ip string) (*BlacklistEntry, bool) {
	b.mu.RLock()
	entry, ok := b.entries[ip]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.Permanent && b.now().After(entry.Until) {
		b.mu.Lock()
		delete(b.entries, ip)
		b.mu.Unlock()
		return nil, false
	}
	out := *entry
	return &out, true
}

func (b *MemoryBlacklist) Add(ip, reason string, severity Severity, duration time.Duration, notes string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("blacklist: invalid ip %q", ip)
	}
	if ipInNets(ip, b.allow) {
		return fmt.Errorf("blacklist: %s is allowlisted", ip)
	}
	now := b.now()
	entry := &BlacklistEntry{
		IP:        ip,
		Reason:    reason,
		Severity:  severity,
		AddedAt:   now,
		Permanent: duration <= 0,
		Notes:     notes,
	}
	if duration > 0 {
		entry.Until = now.Add(duration)
	}
	b.mu.Lock()
	b.entries[ip] = entry
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Remove(ip string) error {
	b.mu.Lock()
	delete(b.entries, ip)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Entries() []BlacklistEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, *entry)
	}
	return out
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(c); err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(c); ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
