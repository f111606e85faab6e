// Package preload 负责在回合真正开播之前把音频暖进缓存，
// 把网络延迟从"切回合的瞬间"挪到后台。
package preload

import (
	"context"
	"log"
	"sync"

	"debate-replay/server/internal/audiocache"
	"debate-replay/server/internal/fetch"
	"debate-replay/server/internal/model"
)

const defaultConcurrency = 3

// Preloader 以 fire-and-forget 方式预热缓存。
//
// 契约：
//   - Warm 立即返回，不保证顺序，也不影响正在播放的会话。
//   - 每个回合的失败相互独立：一个抓不回来不会中止其余回合的预热。
//   - 失败只打日志，绝不向上传播。
type Preloader struct {
	cache   audiocache.Store
	fetchFn fetch.Func
	sem     chan struct{}
	wg      sync.WaitGroup
	logger  *log.Logger
}

func New(cache audiocache.Store, fetchFn fetch.Func, concurrency int, logger *log.Logger) *Preloader {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Preloader{
		cache:   cache,
		fetchFn: fetchFn,
		sem:     make(chan struct{}, concurrency),
		logger:  logger,
	}
}

// Warm 为所有还没缓存的可播回合预热音频。fire-and-forget：立即返回。
func (p *Preloader) Warm(ctx context.Context, rounds []model.Round) {
	for _, r := range rounds {
		if !r.Playable() {
			continue
		}
		p.wg.Add(1)
		go p.warmOne(ctx, r)
	}
}

// Drain 等待所有在途的预热完成，关停路径和测试用。
func (p *Preloader) Drain() {
	p.wg.Wait()
}

func (p *Preloader) warmOne(ctx context.Context, r model.Round) {
	defer p.wg.Done()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	cached, err := p.cache.Has(ctx, r.RoundID)
	if err != nil {
		p.logger.Printf("[Preloader] cache probe failed: key=%s err=%v", r.RoundID, err)
	}
	if cached {
		return
	}

	data, err := p.fetchFn(ctx, r.AudioLocator)
	if err != nil {
		p.logger.Printf("[Preloader] ⚠️ warm fetch failed: key=%s err=%v", r.RoundID, err)
		return
	}
	if err := p.cache.Put(ctx, r.RoundID, data); err != nil {
		p.logger.Printf("[Preloader] ⚠️ warm cache write failed: key=%s err=%v", r.RoundID, err)
	}
}
