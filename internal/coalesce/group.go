package coalesce

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc/panics"
)

// ErrAbandoned 表示 start 返回时既未发布结果也未完成 Buffer。
var ErrAbandoned = errors.New("flight abandoned before completion")

const defaultShards = 32

// Group 维护 key → Flight 的分片映射，只有簿记操作持锁。
type Group struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

// NewGroup 创建 Group，shards<=0 时使用默认分片数。
func NewGroup(shards int) *Group {
	if shards <= 0 {
		shards = defaultShards
	}
	g := &Group{shards: make([]*shard, shards)}
	for i := range g.shards {
		g.shards[i] = &shard{flights: make(map[string]*Flight)}
	}
	return g
}

func (g *Group) shardFor(key string) *shard {
	return g.shards[xxhash.Sum64String(key)%uint64(len(g.shards))]
}

// Join 原子地查找或创建 key 对应的 Flight，并为调用方持有一个引用。
// 创建者（leader=true）的 start 在独立 goroutine 中恰好执行一次；
// start 返回后 Flight 才会从映射中移除。调用方用完后必须 Release，
// 或关闭 Open 返回的 Reader。
func (g *Group) Join(key string, start func(*Flight)) (*Flight, bool) {
	sh := g.shardFor(key)

	sh.mu.Lock()
	if f, ok := sh.flights[key]; ok {
		f.acquire()
		sh.mu.Unlock()
		return f, false
	}
	f := newFlight(key)
	f.acquire()
	sh.flights[key] = f
	sh.mu.Unlock()

	go g.run(sh, f, start)
	return f, true
}

// Len 返回进行中的 Flight 数量。
func (g *Group) Len() int {
	total := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		total += len(sh.flights)
		sh.mu.Unlock()
	}
	return total
}

func (g *Group) run(sh *shard, f *Flight, start func(*Flight)) {
	var pc panics.Catcher
	pc.Try(func() { start(f) })

	cause := ErrAbandoned
	if r := pc.Recovered(); r != nil {
		cause = r.AsError()
	}
	f.Publish(Result{Err: cause}, nil)
	if buf := f.buffer(); buf != nil {
		buf.abort(cause)
	}

	sh.mu.Lock()
	if sh.flights[f.key] == f {
		delete(sh.flights, f.key)
	}
	sh.mu.Unlock()

	f.finish()
}
