package hwbus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSimIRQOnlyWhenIdle 仅在队列由空转非空时触发中断
func TestSimIRQOnlyWhenIdle(t *testing.T) {
	s := NewSim(16)
	irqs := 0
	s.SetIRQHandler(func() { irqs++ })

	s.PostFrame([]byte{1, 2, 3, 4})
	s.PostFrame([]byte{5, 6})
	assert.Equal(t, 1, irqs, "第二帧由 piggyback 带出，不再触发")
	assert.Equal(t, 2, s.PendingFrames())
}

// TestSimPiggybackChain 每次块读尾部附带下一帧的控制字
func TestSimPiggybackChain(t *testing.T) {
	s := NewSim(16)
	s.PostFrame([]byte{1, 2, 3, 4})
	s.PostFrame([]byte{5, 6})

	word, err := s.ReadControl()
	require.NoError(t, err)
	require.Equal(t, uint32(2), word&CtrlNextLenMask, "长度单位为 16 位字")
	require.NotZero(t, word&CtrlReady)

	buf := make([]byte, 16)
	require.NoError(t, s.ReadBlock(buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:4])
	pb := uint32(binary.LittleEndian.Uint16(buf[14:16]))
	assert.Equal(t, uint32(1), pb&CtrlNextLenMask, "尾部指向第二帧")
	assert.NotZero(t, pb&CtrlReady)

	require.NoError(t, s.ReadBlock(buf))
	assert.Equal(t, []byte{5, 6}, buf[:2])
	pb = uint32(binary.LittleEndian.Uint16(buf[14:16]))
	assert.Zero(t, pb&CtrlNextLenMask, "队列清空后长度为 0")
	assert.NotZero(t, pb&CtrlReady)
}

// TestSimReadWithoutFrame 无待读帧时块读报错
func TestSimReadWithoutFrame(t *testing.T) {
	s := NewSim(16)
	err := s.ReadBlock(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNoPendingFrame)
}

// TestSimErrorBitsAck 错误位粘滞，按掩码写寄存器后清除
func TestSimErrorBitsAck(t *testing.T) {
	s := NewSim(16)
	s.SetErrorBits(0xAB)

	word, err := s.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAB), (word&CtrlErrorMask)>>16)

	require.NoError(t, s.WriteControlBits(CtrlErrorMask, 0))
	word, err = s.ReadControl()
	require.NoError(t, err)
	assert.Zero(t, word&CtrlErrorMask)
}

// TestSimWriteObserver 写观察回调收到记录的帧
func TestSimWriteObserver(t *testing.T) {
	s := NewSim(16)
	var seen [][]byte
	s.SetOnWrite(func(frame []byte) { seen = append(seen, frame) })

	require.NoError(t, s.WriteBlock([]byte{9, 8, 7}))
	require.Len(t, seen, 1)
	assert.Equal(t, []byte{9, 8, 7}, seen[0])
	assert.Equal(t, seen, s.Written())
}

// TestSimAlignSize 对齐到块粒度
func TestSimAlignSize(t *testing.T) {
	s := NewSim(16)
	assert.Equal(t, 16, s.AlignSize(1))
	assert.Equal(t, 16, s.AlignSize(16))
	assert.Equal(t, 32, s.AlignSize(17))
}

// TestSimClosed 关闭后所有操作拒绝
func TestSimClosed(t *testing.T) {
	s := NewSim(16)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.ReadBlock(make([]byte, 4)), ErrBusClosed)
	assert.ErrorIs(t, s.WriteBlock([]byte{1}), ErrBusClosed)
	_, err := s.ReadControl()
	assert.ErrorIs(t, err, ErrBusClosed)
}
