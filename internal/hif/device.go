package hif

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/wfx-host/internal/hwbus"
	"github.com/taoyao-code/wfx-host/internal/metrics"
)

// TxSource 发送队列（外部协作者持有）。PullNext 返回 nil 表示本轮无可发送帧。
type TxSource interface {
	PullNext() []byte
	DropAll() int
	Len() int
}

// Delivery 上行投递接口。Payload 的所有权仅在调用期间属于接收方，
// 未显式留存的缓冲在返回后由传输层回收复用。
type Delivery interface {
	Deliver(msg *Message)
}

// SecureCodec secure link 编解码器（密钥与会话状态在核心之外）
type SecureCodec interface {
	IsSecureID(id uint16) bool
	Encode(plain []byte) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
}

// WakePin 可选的唤醒线
type WakePin interface {
	Get() bool
	Set(v bool)
}

// Config 传输核心配置
type Config struct {
	// BatchSize 单轮收/发的最大消息数
	BatchSize int
	// WakeTimeout 唤醒应答等待上限
	WakeTimeout time.Duration
	// FlushTimeout Flush(drop=false) 的默认等待上限
	FlushTimeout time.Duration
	// TxBuffers 固件能力协商前的发送缓冲上限
	TxBuffers int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.WakeTimeout <= 0 {
		c.WakeTimeout = 2 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	if c.TxBuffers <= 0 {
		c.TxBuffers = 16
	}
}

// ErrFlushTimeout Flush 等待在途缓冲清零超时
var ErrFlushTimeout = errors.New("flush timeout")

// Device 设备级传输上下文。所有逐设备的计数器与标志都收敛在这里，
// 序列号仅由 worker 访问，信用计数与控制字槽使用原子操作。
type Device struct {
	log  *zap.Logger
	bus  hwbus.Bus
	src  TxSource
	sink Delivery
	sl   SecureCodec
	wake WakePin
	met  *metrics.HifMetrics
	cfg  Config

	// SessionID 设备会话标识（日志与状态接口用）
	SessionID string

	txBuffersMax   atomic.Int32
	txBuffersUsed  atomic.Int32
	txBuffersEmpty chan struct{}

	ctrlReg   atomic.Uint32
	ctrlReady *completion

	// 仅 worker 访问
	rxSeq uint8
	txSeq uint8

	scanInProgress atomic.Bool

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	seqWarn *rate.Limiter
}

// New 创建设备上下文。Start 之前可通过 Set* 安装可选协作者。
func New(cfg Config, bus hwbus.Bus, src TxSource, log *zap.Logger) *Device {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := &Device{
		log:            log,
		bus:            bus,
		src:            src,
		cfg:            cfg,
		SessionID:      uuid.NewString(),
		txBuffersEmpty: make(chan struct{}, 1),
		ctrlReady:      newCompletion(),
		trigger:        make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		seqWarn:        rate.NewLimiter(rate.Every(time.Second), 5),
	}
	d.txBuffersMax.Store(int32(cfg.TxBuffers))
	return d
}

// SetDelivery 安装上行投递协作者（Start 之前调用）
func (d *Device) SetDelivery(sink Delivery) { d.sink = sink }

// SetSecureCodec 安装 secure link 编解码器（可选）
func (d *Device) SetSecureCodec(sl SecureCodec) { d.sl = sl }

// SetWakePin 安装唤醒线（可选；未安装时设备视为常醒）
func (d *Device) SetWakePin(p WakePin) { d.wake = p }

// SetMetrics 安装指标（可选）
func (d *Device) SetMetrics(m *metrics.HifMetrics) { d.met = m }

// SetTxBufferCap 更新固件通告的发送缓冲能力上限
func (d *Device) SetTxBufferCap(n int) {
	if n <= 0 {
		return
	}
	d.txBuffersMax.Store(int32(n))
	d.log.Info("tx buffer capability updated", zap.Int("buffers", n))
}

// SetScanInProgress 扫描期间禁止休眠（外部 MLME 协作者设置）
func (d *Device) SetScanInProgress(v bool) { d.scanInProgress.Store(v) }

// Credit 返回在途发送缓冲数
func (d *Device) Credit() int { return int(d.txBuffersUsed.Load()) }

// claimTxBuffer 成功写出一帧后占用一个发送缓冲
func (d *Device) claimTxBuffer() {
	used := d.txBuffersUsed.Add(1)
	if d.met != nil {
		d.met.CreditGauge.Set(float64(used))
	}
}

// releaseTxBuffers 回执到达后释放 n 个发送缓冲。
// 下溢说明簿记有缺陷而非线路损坏：告警、钳到零、继续运行。
func (d *Device) releaseTxBuffers(n int32) {
	used := d.txBuffersUsed.Add(-n)
	if used < 0 {
		d.log.Warn("corrupted tx buffer counter",
			zap.Int32("after", used), zap.Int32("release", n))
		if d.met != nil {
			d.met.CreditFault.Inc()
		}
		d.txBuffersUsed.Store(0)
		used = 0
	}
	if d.met != nil {
		d.met.CreditGauge.Set(float64(used))
	}
	if used == 0 {
		select {
		case d.txBuffersEmpty <- struct{}{}:
		default:
		}
	}
}

// Flush 清空发送侧。drop 为真时丢弃所有排队帧并立即返回；
// 否则阻塞到在途缓冲清零，超出默认上限返回 ErrFlushTimeout。
func (d *Device) Flush(drop bool) error {
	return d.FlushTimeout(drop, d.cfg.FlushTimeout)
}

// FlushTimeout 同 Flush，等待上限由调用方指定
func (d *Device) FlushTimeout(drop bool, timeout time.Duration) error {
	if drop {
		if n := d.src.DropAll(); n > 0 {
			d.log.Info("dropped queued outbound frames", zap.Int("count", n))
		}
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if d.txBuffersUsed.Load() == 0 {
			return nil
		}
		select {
		case <-d.txBuffersEmpty:
		case <-deadline.C:
			if d.txBuffersUsed.Load() == 0 {
				return nil
			}
			return ErrFlushTimeout
		}
	}
}

// State 设备状态快照（诊断接口用）
type State struct {
	SessionID  string `json:"session_id"`
	Credit     int    `json:"credit"`
	Capability int    `json:"capability"`
	QueueDepth int    `json:"queue_depth"`
	Awake      bool   `json:"awake"`
	Scanning   bool   `json:"scanning"`
}

// Snapshot 返回当前状态快照
func (d *Device) Snapshot() State {
	return State{
		SessionID:  d.SessionID,
		Credit:     int(d.txBuffersUsed.Load()),
		Capability: int(d.txBuffersMax.Load()),
		QueueDepth: d.src.Len(),
		Awake:      d.Awake(),
		Scanning:   d.scanInProgress.Load(),
	}
}
