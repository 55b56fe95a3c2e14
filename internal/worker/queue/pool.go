package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Observer はジョブの実行結果とキューの深さを受け取る。
// metrics.Collectorを渡すことを想定する。
type Observer interface {
	RecordJob(kind string, err error, duration time.Duration)
	SetQueueDepth(depth int)
}

// Pool は優先度付きキューから固定数のワーカーでジョブを実行する。
type Pool struct {
	size     int
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    jobHeap
	keys    map[string]struct{} // 待機中または実行中のKey
	seq     uint64
	closed  bool // 停止処理中。deliver-to-user以外は受け付けない
	stopped bool // ワーカー終了後。何も受け付けない
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolOption はPoolの設定を変更する。
type PoolOption func(*Pool)

// WithObserver はジョブの実行結果を通知する先を設定する。
func WithObserver(o Observer) PoolOption {
	return func(p *Pool) {
		p.observer = o
	}
}

// NewPool は新しいPoolを生成する。sizeが1未満の場合は1になる。
func NewPool(size int, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		size:   max(size, 1),
		logger: logger,
		keys:   make(map[string]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit はジョブをキューに積む。
// 同じKeyのジョブが待機中または実行中の場合、またはプールが停止済みの場合はfalseを返す。
// 停止処理中でも、実行中のジョブが生んだdeliver-to-userは受け付ける。
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || (p.closed && job.Kind.Reschedulable()) {
		return false
	}
	if job.Key != "" {
		if _, ok := p.keys[job.Key]; ok {
			return false
		}
		p.keys[job.Key] = struct{}{}
	}

	p.seq++
	heap.Push(&p.jobs, entry{job: job, seq: p.seq})
	p.reportDepth()
	p.cond.Signal()
	return true
}

// Len は待機中のジョブ数を返す。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs.Len()
}

// Start はワーカーを起動する。2回目以降の呼び出しは何もしない。
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("ワーカープールを開始しました", slog.Int("size", p.size))
}

// Shutdown は新規ジョブの受付を止め、待機中の配送ジョブを消化してからワーカーを停止する。
// ポーリングやインポートなど積み直せるジョブは待機中のものを捨てる。
// ctxが先に終了した場合は実行中のジョブのコンテキストをキャンセルし、ctx.Err()を返す。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	discarded := p.discardReschedulable()
	p.cond.Broadcast()
	if !started {
		p.stopped = true
	}
	p.mu.Unlock()

	if !started {
		return nil
	}
	if discarded > 0 {
		p.logger.Info("積み直せる待機ジョブを破棄しました", slog.Int("discarded_jobs", discarded))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		p.logger.Info("ワーカープールを停止しました")
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.stopped = true
		dropped := p.jobs.Len()
		p.jobs = nil
		p.reportDepth()
		p.cond.Broadcast()
		p.mu.Unlock()
		p.cancel()
		<-done
		p.logger.Error("ワーカープールの停止がタイムアウトし、配送ジョブを破棄しました",
			slog.Int("dropped_jobs", dropped),
		)
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(id, job)
	}
}

// next は次に実行するジョブを取り出す。停止済みでキューが空ならfalseを返す。
func (p *Pool) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.jobs.Len() == 0 {
		if p.closed {
			return Job{}, false
		}
		p.cond.Wait()
	}
	e := heap.Pop(&p.jobs).(entry)
	p.reportDepth()
	return e.job, true
}

func (p *Pool) run(id int, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ジョブがパニックしました",
				slog.String("kind", string(job.Kind)),
				slog.String("key", job.Key),
				slog.Any("panic", r),
			)
		}
		p.release(job.Key)
	}()

	err := job.Run(p.runCtx)
	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.RecordJob(string(job.Kind), err, elapsed)
	}
	if err != nil {
		p.logger.Warn("ジョブが失敗しました",
			slog.Int("worker", id),
			slog.String("kind", string(job.Kind)),
			slog.String("key", job.Key),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.Debug("ジョブが完了しました",
		slog.Int("worker", id),
		slog.String("kind", string(job.Kind)),
		slog.String("key", job.Key),
		slog.Duration("elapsed", elapsed),
	)
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
}

// discardReschedulable は待機中の積み直せるジョブを取り除き、その件数を返す。ロック保持中に呼ぶ。
func (p *Pool) discardReschedulable() int {
	kept := p.jobs[:0]
	discarded := 0
	for _, e := range p.jobs {
		if e.job.Kind.Reschedulable() {
			if e.job.Key != "" {
				delete(p.keys, e.job.Key)
			}
			discarded++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.jobs); i++ {
		p.jobs[i] = entry{}
	}
	p.jobs = kept
	heap.Init(&p.jobs)
	p.reportDepth()
	return discarded
}

// reportDepth はロック保持中に呼ぶ。
func (p *Pool) reportDepth() {
	if p.observer != nil {
		p.observer.SetQueueDepth(p.jobs.Len())
	}
}
