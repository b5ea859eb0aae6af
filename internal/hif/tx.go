package hif

import (
	"go.uber.org/zap"
)

// workTx 发送阶段：最多发出 maxMsg 条消息。仅当在途缓冲数低于固件
// 通告的能力上限时才从队列拉取；达到上限时本条发送推迟到后续轮次。
func (d *Device) workTx(maxMsg int) int {
	for i := 0; i < maxMsg; i++ {
		if d.txBuffersUsed.Load() >= d.txBuffersMax.Load() {
			return i
		}
		data := d.src.PullNext()
		if data == nil {
			return i
		}
		if err := d.txOne(data); err != nil {
			return i
		}
	}
	return maxMsg
}

// txOne 编码并写出一帧。畸形出站帧只丢弃（返回 nil 继续本阶段），
// 总线写失败以 error 返回并提前结束本阶段。
func (d *Device) txOne(data []byte) error {
	if len(data) < HeaderLen || int(msgLen(data)) != len(data) {
		d.log.Error("malformed outbound message",
			zap.Int("len", len(data)), zap.String("frame", hexDump(data)))
		d.drop("malformed_tx")
		return nil
	}

	// 填入本端发送序列号（回绕）
	StampSeq(data, d.txSeq)
	d.txSeq = (d.txSeq + 1) % (CounterMax + 1)

	out := data
	if d.sl != nil && d.sl.IsSecureID(msgID(data)) {
		enc, err := d.sl.Encode(data)
		if err != nil {
			d.log.Error("secure link encode failed", zap.Error(err))
			d.drop("malformed_tx")
			return nil
		}
		out = enc
	}

	// 按总线块粒度补齐
	if alignLen := d.bus.AlignSize(len(out)); alignLen > len(out) {
		padded := make([]byte, alignLen)
		copy(padded, out)
		out = padded
	}
	if err := d.bus.WriteBlock(out); err != nil {
		d.log.Error("bus write failed", zap.Int("len", len(out)), zap.Error(err))
		if d.met != nil {
			d.met.BusErrors.Inc()
		}
		return err
	}

	d.claimTxBuffer()
	if d.met != nil {
		d.met.TxTotal.Inc()
	}
	return nil
}
