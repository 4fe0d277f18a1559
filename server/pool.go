package server

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// FetcherPool spreads requests over several fetchers in round-robin order.
type FetcherPool struct {
	fetchers []Fetcher
	next     uint32
	inFlight atomic.Int64
	failures atomic.Uint64
}

type PoolStats struct {
	Fetchers int    `json:"fetchers"`
	InFlight int64  `json:"in_flight"`
	Failures uint64 `json:"failures"`
}

func NewFetcherPool(fetchers ...Fetcher) (*FetcherPool, error) {
	if len(fetchers) == 0 {
		return nil, errors.New("fetcher pool needs at least one fetcher")
	}
	return &FetcherPool{fetchers: fetchers}, nil
}

// Fetch counts the request as in flight until it returns; body streaming
// is not included.
func (p *FetcherPool) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	i := atomic.AddUint32(&p.next, 1)
	f := p.fetchers[i%uint32(len(p.fetchers))]

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	resp, err := f.Fetch(ctx, req)
	if err != nil {
		p.failures.Add(1)
	}
	return resp, err
}

// Each calls fn for every fetcher in the pool.
func (p *FetcherPool) Each(fn func(Fetcher)) {
	for _, f := range p.fetchers {
		fn(f)
	}
}

func (p *FetcherPool) Stats() PoolStats {
	stats := PoolStats{}
	if p == nil {
		return stats
	}

	stats.Fetchers = len(p.fetchers)
	stats.InFlight = p.inFlight.Load()
	stats.Failures = p.failures.Load()
	return stats
}
