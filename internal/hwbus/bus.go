package hwbus

import "errors"

// Bus 字节块总线抽象。读写长度均需先经 AlignSize 对齐；
// 控制寄存器承载下一条消息长度、就绪标志与粘滞错误位。
type Bus interface {
	// ReadBlock 从设备读满 p（len(p) 已对齐）
	ReadBlock(p []byte) error
	// WriteBlock 向设备写出 p（len(p) 已对齐）
	WriteBlock(p []byte) error
	// AlignSize 将长度向上对齐到总线块粒度
	AlignSize(n int) int
	// ReadControl 读控制寄存器
	ReadControl() (uint32, error)
	// WriteControlBits 按掩码写控制寄存器位
	WriteControlBits(mask, value uint32) error
	// Close 释放底层资源
	Close() error
}

// 控制字布局（控制寄存器值 / 每次总线读尾部附带的 piggyback）。
// piggyback 只携带低 16 位；错误标志位仅在寄存器读取时可见。
const (
	// CtrlNextLenMask 下一条消息长度，单位 16 位字
	CtrlNextLenMask uint32 = 0x00000FFF
	// CtrlReady 芯片就绪标志
	CtrlReady uint32 = 0x00002000
	// CtrlErrorMask 粘滞总线错误标志
	CtrlErrorMask uint32 = 0x00FF0000
)

// IRQNotifier 能产生接收中断的总线实现（Sim/NetBus 均支持）
type IRQNotifier interface {
	SetIRQHandler(fn func())
}

var (
	// ErrBusClosed 总线已关闭
	ErrBusClosed = errors.New("bus closed")
	// ErrShortBuffer 读缓冲不足以容纳帧与 piggyback
	ErrShortBuffer = errors.New("short read buffer")
)
