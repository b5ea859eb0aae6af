package hif

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hwbus"
	"github.com/taoyao-code/wfx-host/internal/metrics"
	"github.com/taoyao-code/wfx-host/internal/securelink"
	"github.com/taoyao-code/wfx-host/internal/txqueue"
)

// recorder 测试用投递协作者：留存消息副本，并在启动上报时采纳能力
type recorder struct {
	dev  *Device
	msgs []*Message
}

func (r *recorder) Deliver(msg *Message) {
	cp := &Message{
		ID: msg.ID, Indication: msg.Indication, Seq: msg.Seq,
		Payload: append([]byte(nil), msg.Payload...),
	}
	r.msgs = append(r.msgs, cp)
	if msg.ID == IDStartupInd && len(msg.Payload) >= 2 && r.dev != nil {
		r.dev.SetTxBufferCap(int(binary.LittleEndian.Uint16(msg.Payload[:2])))
	}
}

// fakePin 测试用唤醒线，记录电平迁移
type fakePin struct {
	level   bool
	history []bool
}

func (p *fakePin) Get() bool { return p.level }
func (p *fakePin) Set(v bool) {
	p.level = v
	p.history = append(p.history, v)
}

// peerSide 模拟设备侧的发送序列号
type peerSide struct{ seq uint8 }

func (p *peerSide) post(sim *hwbus.Sim, id uint16, indication bool, payload []byte) {
	b := BuildMessage(id, indication, payload)
	StampSeq(b, p.seq)
	p.seq = (p.seq + 1) % (CounterMax + 1)
	sim.PostFrame(b)
}

// newTestDevice 装配模拟总线 + 队列 + 设备上下文，中断接入 RequestRx
func newTestDevice(t *testing.T, cfg Config) (*hwbus.Sim, *txqueue.Queue, *Device, *recorder) {
	t.Helper()
	sim := hwbus.NewSim(16)
	q := txqueue.New()
	d := New(cfg, sim, q, zap.NewNop())
	rec := &recorder{dev: d}
	d.SetDelivery(rec)
	sim.SetIRQHandler(d.RequestRx)
	return sim, q, d, rec
}

// runPass 同步执行一次 worker：吃掉合并的触发请求后直接调用
func runPass(d *Device) {
	select {
	case <-d.trigger:
	default:
	}
	d.bhWork()
}

// TestStartupAndCreditFlow 启动协商 + 信用限流 + 回执释放的完整收发流
func TestStartupAndCreditFlow(t *testing.T) {
	sim, q, d, rec := newTestDevice(t, Config{})
	peer := &peerSide{}

	// 固件上线：通告 2 个发送缓冲
	caps := make([]byte, 2)
	binary.LittleEndian.PutUint16(caps, 2)
	peer.post(sim, IDStartupInd, true, caps)
	runPass(d)
	assert.Equal(t, 2, d.Snapshot().Capability)

	// 排队 3 条请求：信用上限 2，第三条须等回执
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(BuildMessage(IDTransmit, false, []byte{byte(i), 0, 0, 0})))
	}
	d.RequestTx()
	runPass(d)
	assert.Len(t, sim.Written(), 2, "信用耗尽后停止发送")
	assert.Equal(t, 2, d.Credit())
	assert.Equal(t, 1, q.Len())

	// 单条回执：释放 1 个缓冲，同一轮内带出第三条
	peer.post(sim, IDTransmit, false, nil)
	runPass(d)
	assert.Len(t, sim.Written(), 3)
	assert.Equal(t, 2, d.Credit())
	assert.Equal(t, 0, q.Len())

	// 批量回执：一次释放 2 个缓冲
	release := make([]byte, 4)
	binary.LittleEndian.PutUint32(release, 2)
	peer.post(sim, IDMultiTransmitCnf, false, release)
	runPass(d)
	assert.Equal(t, 0, d.Credit())
	require.NoError(t, d.Flush(false), "在途缓冲清零后 flush 应立即返回")

	// 启动上报 + 两条回执
	require.Len(t, rec.msgs, 3)
	assert.Equal(t, uint16(IDStartupInd), rec.msgs[0].ID)
}

// TestPiggybackBatchesReads 多帧连读只在中断时查询一次控制寄存器
func TestPiggybackBatchesReads(t *testing.T) {
	sim, _, d, rec := newTestDevice(t, Config{})
	peer := &peerSide{}

	// 第一帧触发中断；第二帧入队时设备仍有未读数据，不再触发
	peer.post(sim, 0x42, true, []byte{1, 2})
	peer.post(sim, 0x42, true, []byte{3, 4})
	require.Equal(t, 1, sim.ControlReads())

	runPass(d)
	assert.Len(t, rec.msgs, 2)
	assert.Equal(t, 0, sim.PendingFrames())
	// 中断 1 次 + 阶段末尾错误位检查 1 次，逐帧读取零次
	assert.Equal(t, 2, sim.ControlReads())
}

// TestSequenceResync 失步帧照常投递，期望值重同步到观测值
func TestSequenceResync(t *testing.T) {
	sim, _, d, rec := newTestDevice(t, Config{})
	reg := metrics.NewRegistry()
	m := metrics.NewHifMetrics(reg)
	d.SetMetrics(m)

	b := BuildMessage(0x42, true, nil)
	StampSeq(b, 5)
	sim.PostFrame(b)
	runPass(d)
	require.Len(t, rec.msgs, 1, "失步只告警，不丢帧")
	assert.Equal(t, uint8(6), d.rxSeq)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SeqMismatch))

	// 重同步后下一帧不再计失步
	b = BuildMessage(0x42, true, nil)
	StampSeq(b, 6)
	sim.PostFrame(b)
	runPass(d)
	assert.Equal(t, uint8(7), d.rxSeq)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SeqMismatch))
}

// TestLengthMismatchDropsAndContinues 长度不一致只丢当前帧，后续帧不受累
func TestLengthMismatchDropsAndContinues(t *testing.T) {
	sim, _, d, rec := newTestDevice(t, Config{})
	reg := metrics.NewRegistry()
	m := metrics.NewHifMetrics(reg)
	d.SetMetrics(m)

	// len 字段宣称 6，但控制字指示读 8 字节
	bad := make([]byte, 8)
	binary.LittleEndian.PutUint16(bad[0:2], 6)
	binary.LittleEndian.PutUint16(bad[2:4], 0x42|idIndication)
	sim.PostFrame(bad)

	good := BuildMessage(0x42, true, []byte{7, 7})
	sim.PostFrame(good)

	runPass(d)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, []byte{7, 7}, rec.msgs[0].Payload)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.DroppedTotal.WithLabelValues("length_mismatch")))
}

// TestUnsupportedEncryptionDropped 保留的加密子类型直接丢弃
func TestUnsupportedEncryptionDropped(t *testing.T) {
	sim, _, d, rec := newTestDevice(t, Config{})
	reg := metrics.NewRegistry()
	m := metrics.NewHifMetrics(reg)
	d.SetMetrics(m)

	b := BuildMessage(0x42, true, nil)
	b[3] |= 0x10 // 子类型 1：保留值
	sim.PostFrame(b)
	runPass(d)

	assert.Empty(t, rec.msgs)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.DroppedTotal.WithLabelValues("unsupported_encryption")))
}

// TestSecureLinkRoundTrip 加密命令出站加密、入站解密并正常释放信用
func TestSecureLinkRoundTrip(t *testing.T) {
	sim, q, d, rec := newTestDevice(t, Config{})
	key := make([]byte, securelink.KeyLen)
	for i := range key {
		key[i] = byte(i)
	}
	host, err := securelink.New(key, []uint16{IDTransmit})
	require.NoError(t, err)
	device, err := securelink.NewPeer(key, []uint16{IDTransmit})
	require.NoError(t, err)
	d.SetSecureCodec(host)

	// 出站：写到总线上的帧应是 secure 布局
	require.NoError(t, q.Push(BuildMessage(IDTransmit, false, []byte{1, 2, 3, 4, 5, 6})))
	d.RequestTx()
	runPass(d)
	written := sim.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint8(EncSecure), (written[0][3]>>4)&0x3)
	assert.Equal(t, 1, d.Credit())

	// 入站：设备侧加密的回执被解开并释放缓冲
	cnf := BuildMessage(IDTransmit, false, nil)
	StampSeq(cnf, 0)
	enc, err := device.Encode(cnf)
	require.NoError(t, err)
	sim.PostFrame(enc)
	runPass(d)

	assert.Equal(t, 0, d.Credit())
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, uint16(IDTransmit), rec.msgs[0].ID)
	assert.False(t, rec.msgs[0].Indication)
}

// TestMalformedOutboundDropped 畸形出站帧丢弃，后续帧照常写出
func TestMalformedOutboundDropped(t *testing.T) {
	sim, q, d, _ := newTestDevice(t, Config{})
	require.NoError(t, q.Push([]byte{0x01}))
	bad := BuildMessage(IDTransmit, false, []byte{1, 2})
	binary.LittleEndian.PutUint16(bad[0:2], 99)
	require.NoError(t, q.Push(bad))
	require.NoError(t, q.Push(BuildMessage(IDTransmit, false, []byte{9, 9})))

	d.RequestTx()
	runPass(d)
	assert.Len(t, sim.Written(), 1)
	assert.Equal(t, 1, d.Credit())
}

// TestFlushSemantics drop 立即清空队列；否则阻塞等待在途缓冲清零
func TestFlushSemantics(t *testing.T) {
	_, q, d, _ := newTestDevice(t, Config{})

	require.NoError(t, q.Push(BuildMessage(IDTransmit, false, nil)))
	require.NoError(t, q.Push(BuildMessage(IDTransmit, false, nil)))
	require.NoError(t, d.Flush(true))
	assert.Equal(t, 0, q.Len())

	// 有在途缓冲时限时等待超时
	require.NoError(t, q.Push(BuildMessage(IDTransmit, false, nil)))
	d.RequestTx()
	runPass(d)
	require.Equal(t, 1, d.Credit())
	assert.ErrorIs(t, d.FlushTimeout(false, 20*time.Millisecond), ErrFlushTimeout)

	d.releaseTxBuffers(1)
	assert.NoError(t, d.Flush(false))
}

// TestCreditUnderflowClamped 多余回执钳到零而不是转负
func TestCreditUnderflowClamped(t *testing.T) {
	_, _, d, _ := newTestDevice(t, Config{})
	reg := metrics.NewRegistry()
	m := metrics.NewHifMetrics(reg)
	d.SetMetrics(m)

	d.releaseTxBuffers(2)
	assert.Equal(t, 0, d.Credit())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CreditFault))
}

// TestWakeHandshake 唤醒线抬起后等待就绪；信号须留给接收路径
func TestWakeHandshake(t *testing.T) {
	sim, _, d, rec := newTestDevice(t, Config{WakeTimeout: time.Millisecond})
	pin := &fakePin{}
	d.SetWakePin(pin)
	peer := &peerSide{}

	// 设备已有待读数据：唤醒等待立即满足，且帧照常被读走
	peer.post(sim, 0x42, true, nil)
	runPass(d)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, []bool{true, false}, pin.history, "空闲且信用为零时放下唤醒线")
}

// TestWakeTimeoutProceeds 唤醒应答超时只告警，worker 照常走完本轮
func TestWakeTimeoutProceeds(t *testing.T) {
	_, _, d, _ := newTestDevice(t, Config{WakeTimeout: time.Millisecond})
	reg := metrics.NewRegistry()
	m := metrics.NewHifMetrics(reg)
	d.SetMetrics(m)
	pin := &fakePin{}
	d.SetWakePin(pin)

	runPass(d)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WakeTimeouts))
	assert.False(t, pin.level)
}

// TestScanHoldsWakeLine 扫描期间即使空闲也不放下唤醒线
func TestScanHoldsWakeLine(t *testing.T) {
	_, _, d, _ := newTestDevice(t, Config{WakeTimeout: time.Millisecond})
	pin := &fakePin{}
	d.SetWakePin(pin)
	d.SetScanInProgress(true)

	runPass(d)
	assert.True(t, pin.level)

	d.SetScanInProgress(false)
	runPass(d)
	assert.False(t, pin.level)
}

// TestBusErrorsAcknowledged 接收后检查粘滞错误位并清除
func TestBusErrorsAcknowledged(t *testing.T) {
	sim, _, d, _ := newTestDevice(t, Config{})
	peer := &peerSide{}
	sim.SetErrorBits(0xAB)

	peer.post(sim, 0x42, true, nil)
	runPass(d)

	word, err := sim.ReadControl()
	require.NoError(t, err)
	assert.Zero(t, word&hwbus.CtrlErrorMask, "错误位应答后清零")
}

// TestScheduleCoalesces 执行期间的多次请求合并为一次后续执行
func TestScheduleCoalesces(t *testing.T) {
	_, _, d, _ := newTestDevice(t, Config{})
	d.RequestTx()
	d.RequestTx()
	d.RequestTx()
	assert.Len(t, d.trigger, 1)
}

// TestCloseIdempotent 重复 Close 安全，关闭后调度为空操作
func TestCloseIdempotent(t *testing.T) {
	_, _, d, _ := newTestDevice(t, Config{})
	d.Start()
	d.Close()
	d.Close()
	d.RequestTx()
	assert.Empty(t, d.trigger)
}
