package txqueue

import (
	"errors"
	"sync"
)

// Queue 出站帧队列。worker 通过 PullNext 逐帧拉取；生产者 Push 后
// 需自行触发一次发送调度。进程内 FIFO：拉取方以中断节奏访问，
// 不适合任何出进程的存储。
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// ErrQueueClosed 队列已关闭
var ErrQueueClosed = errors.New("tx queue closed")

// New 创建队列
func New() *Queue {
	return &Queue{}
}

// Push 入队一帧（不拷贝，所有权移交队列）
func (q *Queue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.frames = append(q.frames, frame)
	return nil
}

// PullNext 拉取下一帧；无帧或已关闭返回 nil（结束本轮发送阶段）
func (q *Queue) PullNext() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) == 0 {
		return nil
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f
}

// DropAll 丢弃全部排队帧，返回丢弃数量
func (q *Queue) DropAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

// Len 当前队列深度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close 关闭队列并丢弃剩余帧
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
}
