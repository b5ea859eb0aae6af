package hif

import "time"

// piggybackLen 总线读尾部附带的控制字字节数（控制字低 16 位）
const piggybackLen = 2

// completion 一次性就绪信号。complete 永不阻塞，可从中断路径调用。
type completion struct {
	ch chan struct{}
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{}, 1)}
}

// complete 置位（幂等）
func (c *completion) complete() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// tryWait 非阻塞消费；未置位返回 false
func (c *completion) tryWait() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// waitKeep 限时等待但不消费：唤醒握手需要读到就绪而把信号留给 rx 路径
func (c *completion) waitKeep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ch:
		c.complete()
		return true
	case <-t.C:
		return false
	}
}
