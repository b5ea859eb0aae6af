package hif

import (
	"encoding/binary"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hwbus"
	"github.com/taoyao-code/wfx-host/internal/securelink"
)

// workRx 接收阶段：最多处理 maxMsg 条消息。读长度优先取上一次读尾部
// 附带的 piggyback；无 piggyback 时消费就绪信号并读控制寄存器槽。
// 循环结束时若 piggyback 仍指示有待读长度，将其锁存回共享槽并重新
// 置位就绪信号，下次触发无需再轮询硬件。
func (d *Device) workRx(maxMsg int, numCnf *int) int {
	var piggyback uint32
	i := 0
	for ; i < maxMsg; i++ {
		var ctrl uint32
		switch {
		case piggyback&hwbus.CtrlNextLenMask != 0:
			ctrl = piggyback
		case d.ctrlReady.tryWait():
			ctrl = d.ctrlReg.Swap(0)
		}
		if ctrl&hwbus.CtrlNextLenMask == 0 {
			return i
		}
		// 控制字长度单位为 16 位字
		readLen := int(ctrl&hwbus.CtrlNextLenMask) * 2
		pb, err := d.rxOne(readLen, numCnf)
		if err != nil {
			// 总线错误：本阶段提前结束，等待下次调度重试
			return i
		}
		piggyback = pb
		if piggyback&hwbus.CtrlReady == 0 {
			d.log.Error("unexpected piggyback value: ready bit not set",
				zap.Uint32("piggyback", piggyback))
		}
	}
	if piggyback&hwbus.CtrlNextLenMask != 0 {
		prev := d.ctrlReg.Swap(piggyback)
		d.ctrlReady.complete()
		if prev != 0 {
			// 并发中断已写入槽位：协议违例，绝不静默覆盖
			d.log.Error("unexpected IRQ happened",
				zap.Uint32("prev", prev), zap.Uint32("piggyback", piggyback))
		}
	}
	return i
}

// rxOne 读取并处理一条消息，返回本次读尾部附带的 piggyback 控制字。
// 协议级缺陷（长度不一致、不支持的加密、解码失败）只丢弃当前帧，
// 后续帧继续处理；仅总线 IO 失败以 error 返回。
func (d *Device) rxOne(readLen int, numCnf *int) (uint32, error) {
	if readLen < HeaderLen {
		d.log.Error("read length shorter than a header", zap.Int("len", readLen))
		return 0, ErrShortMessage
	}
	// 追加 piggyback 尾部后按总线块粒度对齐
	allocLen := d.bus.AlignSize(readLen + piggybackLen)
	buf := make([]byte, allocLen)
	if err := d.bus.ReadBlock(buf); err != nil {
		d.log.Error("bus read failed", zap.Int("len", allocLen), zap.Error(err))
		if d.met != nil {
			d.met.BusErrors.Inc()
		}
		return 0, err
	}
	piggyback := uint32(binary.LittleEndian.Uint16(buf[allocLen-piggybackLen:]))

	frame := buf[:readLen]
	var computedLen int
	switch sub := encSubtype(frame); {
	case sub&0x1 != 0:
		d.log.Warn("unsupported encryption type", zap.Uint8("subtype", sub))
		d.drop("unsupported_encryption")
		return piggyback, nil
	case sub == EncSecure:
		if d.sl == nil {
			d.log.Warn("secure frame received without a secure link session")
			d.drop("decode_error")
			return piggyback, nil
		}
		plain, err := d.sl.Decode(frame)
		if err != nil {
			d.log.Warn("secure link decode failed", zap.Error(err))
			d.drop("decode_error")
			return piggyback, nil
		}
		computedLen = roundUp(int(msgLen(plain))-2, 16) + securelink.FrameOverhead
		frame = plain
	default:
		computedLen = roundUp(int(msgLen(frame)), 2)
	}
	if computedLen != readLen {
		d.log.Error("inconsistent message length",
			zap.Int("computed", computedLen), zap.Int("read", readLen),
			zap.String("frame", hexDump(buf[:readLen])))
		d.drop("length_mismatch")
		return piggyback, nil
	}

	mlen := int(msgLen(frame))
	if mlen < HeaderLen || mlen > len(frame) {
		d.log.Error("message length field out of range", zap.Int("len", mlen))
		d.drop("length_mismatch")
		return piggyback, nil
	}
	msg, err := ParseMessage(frame[:mlen])
	if err != nil {
		d.log.Error("message parse failed", zap.Error(err))
		d.drop("length_mismatch")
		return piggyback, nil
	}

	// 序列号校验：异步故障上报不计入。失步仅告警并重同步到观测值。
	if msg.ID != IDExceptionInd && msg.ID != IDErrorInd {
		if msg.Seq != d.rxSeq {
			if d.seqWarn.Allow() {
				d.log.Warn("wrong message sequence",
					zap.Uint8("got", msg.Seq), zap.Uint8("want", d.rxSeq))
			}
			if d.met != nil {
				d.met.SeqMismatch.Inc()
			}
		}
		d.rxSeq = (msg.Seq + 1) % (CounterMax + 1)
	}

	// 非 indication 即回执：释放对应数量的发送缓冲
	if !msg.Indication {
		*numCnf++
		release := int32(1)
		if msg.ID == IDMultiTransmitCnf && len(msg.Payload) >= 4 {
			release = int32(binary.LittleEndian.Uint32(msg.Payload[:4]))
		}
		d.releaseTxBuffers(release)
	}

	if d.met != nil {
		d.met.RxTotal.Inc()
		if !msg.Indication {
			d.met.CnfTotal.Inc()
		}
	}
	if d.sink != nil {
		d.sink.Deliver(msg)
	}
	return piggyback, nil
}

func (d *Device) drop(reason string) {
	if d.met != nil {
		d.met.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

// hexDump 诊断用十六进制转储（截断到 64 字节）
func hexDump(b []byte) string {
	if len(b) > 64 {
		b = b[:64]
	}
	return hex.EncodeToString(b)
}
