package hwbus

import (
	"errors"
	"sync"
)

// Sim 进程内模拟设备。测试与默认运行模式下替代真实硬件：
// PostFrame 注入设备→主机帧并触发中断回调，WriteBlock 记录主机→设备帧。
type Sim struct {
	mu        sync.Mutex
	blockSize int
	reg       uint32
	rxQueue   [][]byte
	written   [][]byte
	onIRQ     func()
	onWrite   func(frame []byte)
	ctrlReads int
	closed    bool
}

// ErrNoPendingFrame 主机在无待读帧时发起了块读
var ErrNoPendingFrame = errors.New("no pending frame")

// NewSim 创建模拟总线。blockSize 为块对齐粒度（<=2 时按 2 处理）。
func NewSim(blockSize int) *Sim {
	if blockSize <= 2 {
		blockSize = 2
	}
	return &Sim{blockSize: blockSize}
}

// SetIRQHandler 安装中断回调（注入帧且设备空闲时触发）
func (s *Sim) SetIRQHandler(fn func()) {
	s.mu.Lock()
	s.onIRQ = fn
	s.mu.Unlock()
}

// SetOnWrite 安装写观察回调（测试用，在 WriteBlock 成功后触发）
func (s *Sim) SetOnWrite(fn func(frame []byte)) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

// ctrlWordFor 计算一帧对应的控制字低 16 位
func ctrlWordFor(frame []byte) uint32 {
	words := uint32((len(frame) + 1) / 2)
	return (words & CtrlNextLenMask) | CtrlReady
}

// PostFrame 注入一条设备→主机帧。队列原本为空时更新控制寄存器并触发中断；
// 非空时由 piggyback 机制带出，不再重复触发。
func (s *Sim) PostFrame(frame []byte) {
	dup := make([]byte, (len(frame)+1)/2*2)
	copy(dup, frame)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fire := len(s.rxQueue) == 0
	s.rxQueue = append(s.rxQueue, dup)
	var irq func()
	if fire {
		s.reg = (s.reg &^ (CtrlNextLenMask | CtrlReady)) | ctrlWordFor(dup)
		irq = s.onIRQ
	}
	s.mu.Unlock()

	if irq != nil {
		irq()
	}
}

// SetErrorBits 置位粘滞错误标志（SDIO 风格）
func (s *Sim) SetErrorBits(bits uint8) {
	s.mu.Lock()
	s.reg |= uint32(bits) << 16
	s.mu.Unlock()
}

// ReadBlock 弹出队首帧写入 p，尾部 2 字节附带下一帧的控制字
func (s *Sim) ReadBlock(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBusClosed
	}
	if len(s.rxQueue) == 0 {
		return ErrNoPendingFrame
	}
	frame := s.rxQueue[0]
	if len(p) < len(frame)+2 {
		return ErrShortBuffer
	}
	s.rxQueue = s.rxQueue[1:]

	n := copy(p, frame)
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	piggyback := CtrlReady
	if len(s.rxQueue) > 0 {
		piggyback = ctrlWordFor(s.rxQueue[0])
	}
	p[len(p)-2] = byte(piggyback)
	p[len(p)-1] = byte(piggyback >> 8)
	s.reg = (s.reg &^ (CtrlNextLenMask | CtrlReady)) | (piggyback &^ CtrlReady)
	return nil
}

// WriteBlock 记录主机写出的帧
func (s *Sim) WriteBlock(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrBusClosed
	}
	dup := make([]byte, len(p))
	copy(dup, p)
	s.written = append(s.written, dup)
	fn := s.onWrite
	s.mu.Unlock()

	if fn != nil {
		fn(dup)
	}
	return nil
}

// AlignSize 对齐到块粒度
func (s *Sim) AlignSize(n int) int {
	return (n + s.blockSize - 1) / s.blockSize * s.blockSize
}

// ReadControl 读控制寄存器
func (s *Sim) ReadControl() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrBusClosed
	}
	s.ctrlReads++
	return s.reg, nil
}

// WriteControlBits 按掩码改写寄存器位
func (s *Sim) WriteControlBits(mask, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBusClosed
	}
	s.reg = (s.reg &^ mask) | (value & mask)
	return nil
}

// Close 关闭总线
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Written 返回主机写出的全部帧（拷贝）
func (s *Sim) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// ControlReads 返回控制寄存器被读取的次数（piggyback 有效性测试用）
func (s *Sim) ControlReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrlReads
}

// PendingFrames 返回尚未被主机读走的帧数
func (s *Sim) PendingFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rxQueue)
}
