package hif

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 帧头布局（小端）：
//
//	offset 0..1  len     u16  整条消息长度（含 4 字节帧头）
//	offset 2..3  id word u16:
//	    bit  15      indication 标志（固件主动上报）
//	    bits 12..13  加密子类型：0 无加密，2 secure link，1/3 保留（不支持）
//	    bits  9..11  序列号，模 CounterMax+1 回绕
//	    bits  0..8   命令号
//
// 加密帧在总线上的布局见 securelink 包；其 byte 3 的 bits 4..5 与
// 此处的加密子类型位对齐，解码前即可判别帧类别。
const (
	// HeaderLen 帧头长度（字节）
	HeaderLen = 4
	// CounterMax 序列号最大值（3 位计数器）
	CounterMax = 7

	idNumMask    = 0x01FF
	idSeqShift   = 9
	idSeqMask    = 0x0E00
	idEncShift   = 12
	idEncMask    = 0x3000
	idIndication = 0x8000
)

// 加密子类型
const (
	EncNone   = 0
	EncSecure = 2
)

// 命令号。0xE0/0xE4 为异步故障上报，不参与序列号校验。
const (
	IDStartupInd       = 0x01
	IDTransmit         = 0x04
	IDMultiTransmitCnf = 0x1E
	IDSetDataFiltering = 0x25
	IDExceptionInd     = 0xE0
	IDErrorInd         = 0xE4
)

var (
	// ErrShortMessage 消息不足一个帧头
	ErrShortMessage = errors.New("short message")
	// ErrBadLength 长度字段与实际字节数不一致
	ErrBadLength = errors.New("bad length field")
)

// Message 一条主机↔固件消息
type Message struct {
	ID         uint16
	Indication bool
	Seq        uint8
	Payload    []byte
}

// msgLen 读取长度字段
func msgLen(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[0:2])
}

// encSubtype 读取加密子类型（byte 3 的 bits 4..5，明文/密文布局共用）
func encSubtype(b []byte) uint8 {
	return (b[3] >> 4) & 0x3
}

// msgID 读取命令号
func msgID(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[2:4]) & idNumMask
}

// msgSeq 读取序列号
func msgSeq(b []byte) uint8 {
	return uint8((binary.LittleEndian.Uint16(b[2:4]) & idSeqMask) >> idSeqShift)
}

// StampSeq 将发送序列号写入帧头（其余位保持不变）
func StampSeq(b []byte, seq uint8) {
	w := binary.LittleEndian.Uint16(b[2:4])
	w = (w &^ idSeqMask) | (uint16(seq)<<idSeqShift)&idSeqMask
	binary.LittleEndian.PutUint16(b[2:4], w)
}

// ParseMessage 从一段完整的明文消息解出 Message。
// b 必须恰好覆盖 len 字段宣称的字节数。
func ParseMessage(b []byte) (*Message, error) {
	if len(b) < HeaderLen {
		return nil, ErrShortMessage
	}
	if int(msgLen(b)) != len(b) {
		return nil, fmt.Errorf("%w: field=%d actual=%d", ErrBadLength, msgLen(b), len(b))
	}
	w := binary.LittleEndian.Uint16(b[2:4])
	return &Message{
		ID:         w & idNumMask,
		Indication: w&idIndication != 0,
		Seq:        uint8((w & idSeqMask) >> idSeqShift),
		Payload:    b[HeaderLen:],
	}, nil
}

// BuildMessage 构造一条明文消息（序列号留空，发送时由 worker 填写）
func BuildMessage(id uint16, indication bool, payload []byte) []byte {
	total := HeaderLen + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))
	w := id & idNumMask
	if indication {
		w |= idIndication
	}
	binary.LittleEndian.PutUint16(buf[2:4], w)
	copy(buf[HeaderLen:], payload)
	return buf
}

// roundUp 向上对齐到 align 的整数倍
func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
