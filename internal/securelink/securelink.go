package securelink

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// secure link 总线帧布局（小端）：
//
//	offset 0..3  链路头 u32：bits 28..29 加密子类型（=2，与明文帧头
//	             byte 3 的 bits 4..5 同位，解码前即可判别），
//	             bits 0..27 方向内单调的 nonce 计数器
//	offset 4..5  len u16 —— 明文消息总长度（明文传输）
//	offset 6..   密文：明文第 2 字节起（id word + payload）补零对齐到
//	             16 字节边界后经 AES-256-GCM 加密，AAD 为前 6 个明文字节
//	尾部         16 字节认证标签
//
// 帧总长 = roundup(len-2, 16) + ClearLen + TagLen。

const (
	// ClearLen 明文传输的链路头 + len 字段长度
	ClearLen = 6
	// TagLen 认证标签长度
	TagLen = 16
	// FrameOverhead 密文帧相对补齐后密文体的固定开销
	FrameOverhead = ClearLen + TagLen

	// KeyLen 会话密钥长度（AES-256）
	KeyLen = 32

	encSecure        = 2
	subtypeShift     = 28
	nonceCounterMask = 0x0FFFFFFF
)

var (
	// ErrShortFrame 帧不足以容纳链路头与标签
	ErrShortFrame = errors.New("short secure frame")
	// ErrNotSecure 链路头的加密子类型不是 secure
	ErrNotSecure = errors.New("not a secure frame")
	// ErrBadLength 明文长度字段与帧尺寸不一致
	ErrBadLength = errors.New("bad secure frame length")
	// ErrReplay nonce 计数器回退
	ErrReplay = errors.New("nonce counter replay")
	// ErrBadKey 密钥长度非法
	ErrBadKey = errors.New("bad session key length")
)

// Direction 链路方向，用于区分两端的 nonce 空间
type Direction byte

const (
	// DirHostToDevice 主机→设备
	DirHostToDevice Direction = 0x01
	// DirDeviceToHost 设备→主机
	DirDeviceToHost Direction = 0x02
)

// Codec secure link 编解码器。会话密钥与计数器状态归属此处，
// 传输核心之外。Encode/Decode 均为单调用方（worker）契约，不加锁。
type Codec struct {
	aead      cipher.AEAD
	secure    map[uint16]bool
	encDir    Direction
	decDir    Direction
	txCounter uint32
	rxCounter uint32
}

// New 创建主机侧编解码器。key 须为 32 字节；secureIDs 为需要加密的命令号集合。
func New(key []byte, secureIDs []uint16) (*Codec, error) {
	return newCodec(key, secureIDs, DirHostToDevice, DirDeviceToHost)
}

// NewPeer 创建设备侧编解码器（模拟固件用），nonce 方向与主机侧互换
func NewPeer(key []byte, secureIDs []uint16) (*Codec, error) {
	return newCodec(key, secureIDs, DirDeviceToHost, DirHostToDevice)
}

func newCodec(key []byte, secureIDs []uint16, enc, dec Direction) (*Codec, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: %d", ErrBadKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secure link cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure link aead: %w", err)
	}
	ids := make(map[uint16]bool, len(secureIDs))
	for _, id := range secureIDs {
		ids[id] = true
	}
	return &Codec{aead: aead, secure: ids, encDir: enc, decDir: dec}, nil
}

// IsSecureID 命令号是否属于加密集合
func (c *Codec) IsSecureID(id uint16) bool {
	return c.secure[id]
}

func (c *Codec) nonce(ctr uint32, dir Direction) []byte {
	n := make([]byte, c.aead.NonceSize())
	binary.LittleEndian.PutUint32(n[0:4], ctr)
	n[4] = byte(dir)
	return n
}

// Encode 将一条明文消息封装为 secure link 帧
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	if len(plain) < 4 {
		return nil, ErrShortFrame
	}
	mlen := int(binary.LittleEndian.Uint16(plain[0:2]))
	if mlen != len(plain) {
		return nil, fmt.Errorf("%w: field=%d actual=%d", ErrBadLength, mlen, len(plain))
	}
	body := make([]byte, roundUp16(mlen-2))
	copy(body, plain[2:])

	ctr := c.txCounter & nonceCounterMask
	c.txCounter = (c.txCounter + 1) & nonceCounterMask

	out := make([]byte, ClearLen, ClearLen+len(body)+TagLen)
	binary.LittleEndian.PutUint32(out[0:4], ctr|uint32(encSecure)<<subtypeShift)
	binary.LittleEndian.PutUint16(out[4:6], uint16(mlen))
	return c.aead.Seal(out, c.nonce(ctr, c.encDir), body, out[:ClearLen]), nil
}

// Decode 校验并解开一条 secure link 帧，返回重建的明文消息
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) < ClearLen+TagLen {
		return nil, ErrShortFrame
	}
	hdr := binary.LittleEndian.Uint32(frame[0:4])
	if (hdr>>subtypeShift)&0x3 != encSecure {
		return nil, ErrNotSecure
	}
	ctr := hdr & nonceCounterMask
	mlen := int(binary.LittleEndian.Uint16(frame[4:6]))
	if mlen < 4 {
		return nil, ErrBadLength
	}
	if len(frame) != ClearLen+roundUp16(mlen-2)+TagLen {
		return nil, fmt.Errorf("%w: field=%d actual=%d", ErrBadLength, mlen, len(frame))
	}
	if ctr < c.rxCounter {
		return nil, fmt.Errorf("%w: got=%d want>=%d", ErrReplay, ctr, c.rxCounter)
	}
	body, err := c.aead.Open(nil, c.nonce(ctr, c.decDir), frame[ClearLen:], frame[:ClearLen])
	if err != nil {
		return nil, fmt.Errorf("secure link decode: %w", err)
	}
	c.rxCounter = (ctr + 1) & nonceCounterMask

	plain := make([]byte, mlen)
	binary.LittleEndian.PutUint16(plain[0:2], uint16(mlen))
	copy(plain[2:], body[:mlen-2])
	return plain, nil
}

func roundUp16(n int) int {
	return (n + 15) / 16 * 16
}
