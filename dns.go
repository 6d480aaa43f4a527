package pidstat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

const (
	dnsLookupTimeout = 300 * time.Millisecond
	dnsRefreshEvery  = 5 * time.Minute
)

// DNSResolver resolves peer addresses to host names, caching the answers.
type DNSResolver struct {
	resolver *dnscache.Resolver
	done     chan struct{}
	once     sync.Once
}

// NewDNSResolver creates a resolver and starts its cache refresher.
func NewDNSResolver() *DNSResolver {
	r := &DNSResolver{
		resolver: &dnscache.Resolver{Timeout: dnsLookupTimeout},
		done:     make(chan struct{}),
	}
	go r.refresh()
	return r
}

func (r *DNSResolver) refresh() {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.resolver.Refresh(true)
		}
	}
}

// Lookup returns the first name of ip, or ip itself when it has none.
func (r *DNSResolver) Lookup(ip string) string {
	ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return strings.TrimSuffix(names[0], ".")
}

func (r *DNSResolver) Close() {
	r.once.Do(func() { close(r.done) })
}
