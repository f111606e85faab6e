package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"debate-replay/server/internal/audiocache"
)

// makeWAV 生成一段指定时长的静音 PCM WAV，给解码路径当真实输入。
func makeWAV(d time.Duration) []byte {
	const sampleRate = 8000
	samples := int(float64(sampleRate) * d.Seconds())
	dataSize := samples * 2

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

// countingFetch 记录网络抓取次数的 fetch.Func 替身。
type countingFetch struct {
	count int64
	data  []byte
	err   error
}

func (f *countingFetch) fetch(_ context.Context, _ string) ([]byte, error) {
	atomic.AddInt64(&f.count, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *countingFetch) calls() int64 {
	return atomic.LoadInt64(&f.count)
}

// waitCached 轮询等待 fire-and-forget 的缓存回写落盘。
func waitCached(t *testing.T, store audiocache.Store, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := store.Has(context.Background(), key)
		if err != nil {
			t.Fatalf("has: %v", err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cache write for %s never landed", key)
}

// TestLoadCacheMissFallsBackToNetworkAndPopulatesCache 验证缓存未命中时的网络兜底。
// 场景：空缓存上第一次 load 走网络并回写缓存，第二次 load 同 key 不再碰网络。
func TestLoadCacheMissFallsBackToNetworkAndPopulatesCache(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(time.Second)}
	e := New(store, f.fetch, Options{Unlocked: true})

	clip, err := e.Load(context.Background(), "https://cdn/r1.wav", "deb1:r1", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if clip.Duration != time.Second {
		t.Fatalf("expected 1s clip, got %v", clip.Duration)
	}
	if f.calls() != 1 {
		t.Fatalf("expected 1 network fetch, got %d", f.calls())
	}

	waitCached(t, store, "deb1:r1")

	if _, err := e.Load(context.Background(), "https://cdn/r1.wav?sig=other", "deb1:r1", false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if f.calls() != 1 {
		t.Fatalf("expected cache hit on second load, got %d fetches", f.calls())
	}
}

// TestLoadStaleResolutionSuppressed 验证过期 load 的结果是 no-op。
// 场景：load(A) 的抓取还挂着，load(B) 先完成；A 最终返回 ErrSuperseded，
// 引擎上挂着的会话只能是 B。
func TestLoadStaleResolutionSuppressed(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	releaseA := make(chan struct{})
	fetchAStarted := make(chan struct{})

	wavA := makeWAV(3 * time.Second)
	wavB := makeWAV(1 * time.Second)

	fetchFn := func(_ context.Context, locator string) ([]byte, error) {
		if locator == "https://cdn/a.wav" {
			close(fetchAStarted)
			<-releaseA
			return wavA, nil
		}
		return wavB, nil
	}
	e := New(store, fetchFn, Options{Unlocked: true})

	var wg sync.WaitGroup
	var errA error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = e.Load(context.Background(), "https://cdn/a.wav", "a", false)
	}()

	<-fetchAStarted
	if _, err := e.Load(context.Background(), "https://cdn/b.wav", "b", false); err != nil {
		t.Fatalf("load B: %v", err)
	}

	close(releaseA)
	wg.Wait()

	if !errors.Is(errA, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded for stale load, got %v", errA)
	}
	_, dur, ok := e.Position()
	if !ok {
		t.Fatalf("expected active session")
	}
	if dur != time.Second {
		t.Fatalf("expected session B (1s), got duration %v", dur)
	}
}

// TestConcurrentLoadsOnlyLastSessionCallsBack 验证连发三次 load 时回调完全归属最后一次。
// 场景：load(A)、load(B) 的抓取挂起，load(C) 先完成并自然播完；
// A、B 最终都报 ErrSuperseded，onProgress 只带 C 的片长，onEnd 恰好一次。
func TestConcurrentLoadsOnlyLastSessionCallsBack(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	fetchAStarted := make(chan struct{})
	fetchBStarted := make(chan struct{})

	wavA := makeWAV(3 * time.Second)
	wavB := makeWAV(2 * time.Second)
	wavC := makeWAV(60 * time.Millisecond)

	fetchFn := func(_ context.Context, locator string) ([]byte, error) {
		switch locator {
		case "https://cdn/a.wav":
			close(fetchAStarted)
			<-releaseA
			return wavA, nil
		case "https://cdn/b.wav":
			close(fetchBStarted)
			<-releaseB
			return wavB, nil
		}
		return wavC, nil
	}
	e := New(store, fetchFn, Options{Unlocked: true, TickInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	var durations []time.Duration
	var endCount int64
	endCh := make(chan struct{}, 1)
	e.OnProgress(func(_, duration time.Duration) {
		mu.Lock()
		durations = append(durations, duration)
		mu.Unlock()
	})
	e.OnEnd(func() {
		atomic.AddInt64(&endCount, 1)
		endCh <- struct{}{}
	})

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = e.Load(context.Background(), "https://cdn/a.wav", "a", true)
	}()
	<-fetchAStarted
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errB = e.Load(context.Background(), "https://cdn/b.wav", "b", true)
	}()
	<-fetchBStarted

	if _, err := e.Load(context.Background(), "https://cdn/c.wav", "c", true); err != nil {
		t.Fatalf("load C: %v", err)
	}

	select {
	case <-endCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("onEnd for C never fired")
	}

	close(releaseA)
	close(releaseB)
	wg.Wait()

	if !errors.Is(errA, ErrSuperseded) || !errors.Is(errB, ErrSuperseded) {
		t.Fatalf("superseded loads must report ErrSuperseded, got A=%v B=%v", errA, errB)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt64(&endCount); got != 1 {
		t.Fatalf("expected exactly one onEnd (from C), got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, d := range durations {
		if d != 60*time.Millisecond {
			t.Fatalf("progress from a superseded session leaked: duration %v", d)
		}
	}
}

// TestStopIdempotent 验证重复 Stop 与空引擎上的 Stop 都是安全的。
// 场景：Stop 两次、对未加载的引擎 Stop，均不应 panic，也不应触发 onEnd。
func TestStopIdempotent(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(time.Second)}
	e := New(store, f.fetch, Options{Unlocked: true})

	var endCount int64
	e.OnEnd(func() { atomic.AddInt64(&endCount, 1) })

	e.Stop() // 空引擎上的 Stop

	if _, err := e.Load(context.Background(), "u", "k", true); err != nil {
		t.Fatalf("load: %v", err)
	}
	e.Stop()
	e.Stop()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt64(&endCount) != 0 {
		t.Fatalf("stop must not emit onEnd, got %d", endCount)
	}
	if _, _, ok := e.Position(); ok {
		t.Fatalf("expected no session after stop")
	}
}

// TestPlayWhenLockedReturnsErrLocked 验证输出门控与 LoadError 的区分。
// 场景：未解锁时 autoplay 的 load 正常就绪但返回 ErrLocked；解锁后 Play 成功。
func TestPlayWhenLockedReturnsErrLocked(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(time.Second)}
	e := New(store, f.fetch, Options{})

	clip, err := e.Load(context.Background(), "u", "k", true)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if IsLoadError(err) {
		t.Fatalf("ErrLocked must not be a LoadError")
	}
	if clip.Duration != time.Second {
		t.Fatalf("session should be ready despite lock, got clip %v", clip)
	}

	if err := e.Play(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked from Play, got %v", err)
	}

	e.Unlock()
	if err := e.Play(); err != nil {
		t.Fatalf("play after unlock: %v", err)
	}
	e.Stop()
}

// TestEndFiresExactlyOnce 验证自然播完时 onEnd 恰好触发一次。
// 场景：40ms 的片子放完后，进度回调至少来过一次，onEnd 只来一次且不再重复。
func TestEndFiresExactlyOnce(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(40 * time.Millisecond)}
	e := New(store, f.fetch, Options{Unlocked: true, TickInterval: 5 * time.Millisecond})

	var progressCount, endCount int64
	endCh := make(chan struct{}, 1)
	e.OnProgress(func(elapsed, duration time.Duration) {
		atomic.AddInt64(&progressCount, 1)
		if elapsed > duration {
			t.Errorf("elapsed %v exceeds duration %v", elapsed, duration)
		}
	})
	e.OnEnd(func() {
		atomic.AddInt64(&endCount, 1)
		endCh <- struct{}{}
	})

	if _, err := e.Load(context.Background(), "u", "k", true); err != nil {
		t.Fatalf("load: %v", err)
	}

	select {
	case <-endCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("onEnd never fired")
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt64(&endCount); got != 1 {
		t.Fatalf("expected exactly one onEnd, got %d", got)
	}
	if atomic.LoadInt64(&progressCount) == 0 {
		t.Fatalf("expected at least one progress tick before end")
	}
}

// TestStopSuppressesEnd 验证 Stop 之后的会话绝不补发 onEnd。
// 场景：播放中途 Stop，即使等到原本的片尾时刻，onEnd 也不应出现。
func TestStopSuppressesEnd(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(80 * time.Millisecond)}
	e := New(store, f.fetch, Options{Unlocked: true, TickInterval: 5 * time.Millisecond})

	var endCount int64
	e.OnEnd(func() { atomic.AddInt64(&endCount, 1) })

	if _, err := e.Load(context.Background(), "u", "k", true); err != nil {
		t.Fatalf("load: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt64(&endCount); got != 0 {
		t.Fatalf("onEnd fired %d times after stop", got)
	}
}

// TestSeekClamps 验证 seek 的目标被夹在 [0, duration]。
// 场景：负数落到 0，超出片长落到片尾。
func TestSeekClamps(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(2 * time.Second)}
	e := New(store, f.fetch, Options{Unlocked: true})

	if _, err := e.Load(context.Background(), "u", "k", false); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := e.Seek(-5 * time.Second)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected clamp to 0, got %v", got)
	}

	got, err = e.Seek(time.Minute)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got != 2*time.Second {
		t.Fatalf("expected clamp to duration, got %v", got)
	}

	if _, err := New(store, f.fetch, Options{Unlocked: true}).Seek(time.Second); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on empty engine")
	}
}

// TestRateAffectsClockAndPersistsAcrossLoads 验证倍速的时钟折算与跨加载保持。
// 场景：1.5x 下播 2 秒墙钟应前进 3 秒片内时间；重新 load 后倍速仍是 1.5。
func TestRateAffectsClockAndPersistsAcrossLoads(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: makeWAV(10 * time.Second)}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		current = current.Add(d)
	}

	// tick 间隔拉长到分钟级，避免真实 ticker 干扰假时钟下的进度判定
	e := New(store, f.fetch, Options{Unlocked: true, Now: now, TickInterval: time.Minute})

	if err := e.SetRate(1.5); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if _, err := e.Load(context.Background(), "u", "k", true); err != nil {
		t.Fatalf("load: %v", err)
	}

	advance(2 * time.Second)
	elapsed, _, ok := e.Position()
	if !ok {
		t.Fatalf("expected session")
	}
	if elapsed != 3*time.Second {
		t.Fatalf("expected 3s elapsed at 1.5x, got %v", elapsed)
	}

	if _, err := e.Load(context.Background(), "u2", "k2", false); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := e.Rate(); got != 1.5 {
		t.Fatalf("rate must persist across loads, got %v", got)
	}

	if err := e.SetRate(0); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for zero rate")
	}
}

// TestLoadDecodeFailureIsLoadError 验证坏字节被归一成 LoadError。
// 场景：网络返回不可解码的字节，load 报 decode 阶段的 LoadError。
func TestLoadDecodeFailureIsLoadError(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	f := &countingFetch{data: []byte("definitely not audio")}
	e := New(store, f.fetch, Options{Unlocked: true})

	_, err := e.Load(context.Background(), "u", "k", true)
	if !IsLoadError(err) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Stage != "decode" {
		t.Fatalf("expected decode stage, got %+v", le)
	}
	if _, _, ok := e.Position(); ok {
		t.Fatalf("failed load must not leave a session behind")
	}
}

// TestLoadCorruptCacheRefetches 验证缓存坏条目触发回源重抓。
// 场景：缓存里塞了解不开的字节，load 应回源拿到好字节并成功。
func TestLoadCorruptCacheRefetches(t *testing.T) {
	store := audiocache.NewInMemoryStore()
	if err := store.Put(context.Background(), "k", []byte("corrupted")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	f := &countingFetch{data: makeWAV(time.Second)}
	e := New(store, f.fetch, Options{Unlocked: true})

	clip, err := e.Load(context.Background(), "u", "k", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if clip.Duration != time.Second {
		t.Fatalf("expected refetched clip, got %v", clip.Duration)
	}
	if f.calls() != 1 {
		t.Fatalf("expected exactly one refetch, got %d", f.calls())
	}
}
