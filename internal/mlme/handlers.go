package mlme

import (
	"encoding/binary"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hif"
	"github.com/taoyao-code/wfx-host/internal/txqueue"
)

// Handlers 上行投递协作者：按命令号分发入站消息，
// 承接能力协商、故障上报与过滤配置等管理面职责。
type Handlers struct {
	log   *zap.Logger
	dev   *hif.Device
	queue *txqueue.Queue

	// OnMessage 可选的业务回调，在内建处理之后触发
	OnMessage func(msg *hif.Message)
}

// New 构造处理集合
func New(log *zap.Logger, dev *hif.Device, queue *txqueue.Queue) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{log: log, dev: dev, queue: queue}
}

// Deliver 投递一条已解析的入站消息。Payload 仅在调用期间有效。
func (h *Handlers) Deliver(msg *hif.Message) {
	switch msg.ID {
	case hif.IDStartupInd:
		h.handleStartup(msg)
	case hif.IDExceptionInd:
		h.log.Error("firmware exception indication",
			zap.String("payload", hex.EncodeToString(msg.Payload)))
	case hif.IDErrorInd:
		h.log.Error("firmware error indication",
			zap.String("payload", hex.EncodeToString(msg.Payload)))
	default:
		h.log.Debug("inbound message",
			zap.Uint16("id", msg.ID), zap.Bool("indication", msg.Indication),
			zap.Int("len", len(msg.Payload)))
	}
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

// handleStartup 启动上报：采纳固件通告的发送缓冲能力
func (h *Handlers) handleStartup(msg *hif.Message) {
	if len(msg.Payload) < 2 {
		h.log.Warn("truncated startup indication", zap.Int("len", len(msg.Payload)))
		return
	}
	bufs := int(binary.LittleEndian.Uint16(msg.Payload[0:2]))
	h.log.Info("firmware startup", zap.Int("txBuffers", bufs))
	h.dev.SetTxBufferCap(bufs)
}

// send 构造请求帧入队并触发一次发送调度
func (h *Handlers) send(id uint16, payload []byte) error {
	if err := h.queue.Push(hif.BuildMessage(id, false, payload)); err != nil {
		return err
	}
	h.dev.RequestTx()
	return nil
}
