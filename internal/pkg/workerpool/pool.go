// internal/pkg/workerpool/pool.go
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"trafficflow/internal/pkg/logger"
)

var (
	ErrQueueFull = errors.New("workerpool: queue is full")
	ErrStopped   = errors.New("workerpool: pool is stopped")
)

// Task 一个待处理的任务, Attempt 从 1 开始
type Task struct {
	Key     string
	Attempt int
}

// HandleFunc 处理一个任务
type HandleFunc func(ctx context.Context, task Task) error

// GiveUpFunc 在重试次数耗尽或遇到不可重试错误时调用
type GiveUpFunc func(ctx context.Context, task Task, cause error)

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	// Retryable 为 nil 时所有错误都可重试
	Retryable   func(error) bool
}

// Pool 固定数量的 worker 消费任务队列, 失败的任务延迟后带着新的尝试次数重新入队
type Pool struct {
	opts   Options
	handle HandleFunc
	giveUp GiveUpFunc

	queue chan Task

	mu      sync.Mutex
	stopped bool
	tracked map[string]struct{} // 排队中、处理中或等待重试的 key
	pending sync.WaitGroup      // 等待重新入队的定时器
}

func New(opts Options, handle HandleFunc, giveUp GiveUpFunc) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Pool{
		opts:    opts,
		handle:  handle,
		giveUp:  giveUp,
		queue:   make(chan Task, opts.QueueSize),
		tracked: make(map[string]struct{}),
	}
}

// Submit 提交一个首次尝试的任务。
// 同一个 key 已在池中 (排队、处理或等待重试) 时直接返回 nil, 同一时刻一个 key 只有一个任务。
func (p *Pool) Submit(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tracked[key]; ok && !p.stopped {
		return nil
	}
	if err := p.enqueueLocked(ctx, Task{Key: key, Attempt: 1}); err != nil {
		return err
	}
	p.tracked[key] = struct{}{}
	return nil
}

func (p *Pool) requeue(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.enqueueLocked(context.Background(), task)
	if err != nil {
		delete(p.tracked, task.Key)
	}
	return err
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.tracked, key)
	p.mu.Unlock()
}

func (p *Pool) enqueueLocked(ctx context.Context, task Task) error {
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run 启动 worker, 阻塞到 ctx 取消且所有在途任务结束
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case task := <-p.queue:
					p.process(gctx, task)
				}
			}
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.pending.Wait()
	return err
}

func (p *Pool) process(ctx context.Context, task Task) {
	err := p.safeHandle(ctx, task)
	if err == nil {
		p.release(task.Key)
		return
	}

	log := logger.Ctx(ctx).With().Str("key", task.Key).Int("attempt", task.Attempt).Logger()
	retryable := p.opts.Retryable == nil || p.opts.Retryable(err)
	if !retryable || task.Attempt >= p.opts.MaxAttempts {
		log.Error().Err(err).Bool("retryable", retryable).Msg("task failed permanently, giving up")
		if p.giveUp != nil {
			p.giveUp(ctx, task, err)
		}
		p.release(task.Key)
		return
	}

	log.Warn().Err(err).Dur("delay", p.opts.RetryDelay).Msg("task failed, scheduling retry")
	next := Task{Key: task.Key, Attempt: task.Attempt + 1}
	p.pending.Add(1)
	time.AfterFunc(p.opts.RetryDelay, func() {
		defer p.pending.Done()
		// 关停时丢弃, 由恢复扫描重新拾起
		if err := p.requeue(next); err != nil {
			log.Error().Err(err).Msg("failed to re-enqueue task")
		}
	})
}

func (p *Pool) safeHandle(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().Interface("panic", r).Str("key", task.Key).Msg("task panicked")
			err = errors.New("workerpool: task panicked")
		}
	}()
	return p.handle(ctx, task)
}
