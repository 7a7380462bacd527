package track

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tokenracer/internal/diag"
	"tokenracer/pkg/contract"
)

// Buffer: 生产者（控制器）与消费者（渲染循环）之间的有界有序队列。
// 约束：
//   - 入队 Seq 严格递增，违例拒绝（不重排）；
//   - 任意 Push 之后 Len() <= Cap()；满时挤出最旧一行并记一次降级事件；
//   - Pop 最多等待 timeout，超时返回 ok=false（Empty 哨兵），从不 panic。
//
// 单生产者/单消费者：一把互斥锁 + 两个单槽通知通道。
type Buffer struct {
	mu      sync.Mutex
	ring    []contract.RoadRow
	head    int
	n       int
	lastSeq int64
	hasSeq  bool

	// notEmpty: Push 后通知消费者；drained: Pop 后通知生产者。
	notEmpty chan struct{}
	drained  chan struct{}

	st  BufferStats
	log *diag.Logger
}

// BufferStats: 缓冲计数快照。
type BufferStats struct {
	Pushed  int64
	Popped  int64
	Evicted int64
	Empty   int64 // Pop 超时次数（消费者饥饿）
	Peak    int
}

// NewBuffer 创建容量为 capacity 的缓冲；capacity < 1 为启动期致命错误。
func NewBuffer(capacity int, log *diag.Logger) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("track buffer capacity %d: %w", capacity, contract.ErrInvalidInput)
	}
	return &Buffer{
		ring:     make([]contract.RoadRow, capacity),
		notEmpty: make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
		log:      log,
	}, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push 追加一行；满时挤出最旧行。Seq 非递增时返回 ErrSeqInvalid。
func (b *Buffer) Push(row contract.RoadRow) error {
	b.mu.Lock()
	if b.hasSeq && row.Seq <= b.lastSeq {
		last := b.lastSeq
		b.mu.Unlock()
		return fmt.Errorf("push seq %d after %d: %w", row.Seq, last, contract.ErrSeqInvalid)
	}
	var evicted int64
	evict := b.n == len(b.ring)
	if evict {
		evicted = b.ring[b.head].Seq
		b.ring[b.head] = contract.RoadRow{}
		b.head = (b.head + 1) % len(b.ring)
		b.n--
		b.st.Evicted++
	}
	b.ring[(b.head+b.n)%len(b.ring)] = row
	b.n++
	b.lastSeq, b.hasSeq = row.Seq, true
	b.st.Pushed++
	if b.n > b.st.Peak {
		b.st.Peak = b.n
	}
	b.mu.Unlock()

	if evict {
		b.log.Degrade("buffer", "evict", "buffer full, oldest row evicted seq="+strconv.FormatInt(evicted, 10), 1)
		diag.IncError("buffer", "evict")
	}
	signal(b.notEmpty)
	return nil
}

func (b *Buffer) popLocked() (contract.RoadRow, bool) {
	if b.n == 0 {
		return contract.RoadRow{}, false
	}
	row := b.ring[b.head]
	b.ring[b.head] = contract.RoadRow{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	b.st.Popped++
	return row, true
}

// TryPop 非阻塞出队。
func (b *Buffer) TryPop() (contract.RoadRow, bool) {
	b.mu.Lock()
	row, ok := b.popLocked()
	b.mu.Unlock()
	if ok {
		signal(b.drained)
	}
	return row, ok
}

// Pop 有行时立即返回；否则最多等待 timeout。ok=false 表示 Empty。
func (b *Buffer) Pop(timeout time.Duration) (contract.RoadRow, bool) {
	if row, ok := b.TryPop(); ok {
		return row, true
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-b.notEmpty:
				if row, ok := b.TryPop(); ok {
					return row, true
				}
			case <-timer.C:
				if row, ok := b.TryPop(); ok {
					return row, true
				}
				b.countEmpty()
				return contract.RoadRow{}, false
			}
		}
	}
	b.countEmpty()
	return contract.RoadRow{}, false
}

func (b *Buffer) countEmpty() {
	b.mu.Lock()
	b.st.Empty++
	b.mu.Unlock()
}

// WaitBelow 生产者侧背压：阻塞直到 Len() < n、ctx 结束或等待超过 max。
// 返回 true 表示已低于 n。
func (b *Buffer) WaitBelow(ctx context.Context, n int, max time.Duration) bool {
	if b.Len() < n {
		return true
	}
	timer := time.NewTimer(max)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return b.Len() < n
		case <-b.drained:
			if b.Len() < n {
				return true
			}
		}
	}
}

// Len 当前行数。
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap 容量。
func (b *Buffer) Cap() int { return len(b.ring) }

// Stats 计数快照。
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}
