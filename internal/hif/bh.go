package hif

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hwbus"
)

// worker（bottom half）调度。触发源有两个：中断到达（RequestRx）与
// 发送请求（RequestTx）。trigger 为容量 1 的通道：执行中收到的请求
// 合并为恰好一次后续执行，既不丢失也不重复。

// Start 启动 worker
func (d *Device) Start() {
	go d.run()
}

// Close 停止 worker：等待在途执行完整结束，并阻止新的执行
func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Device) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-d.trigger:
			d.bhWork()
		}
	}
}

// schedule 请求一次执行（非阻塞，可合并）
func (d *Device) schedule() {
	if d.closed.Load() {
		return
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// workPending 是否已有合并待执行的请求
func (d *Device) workPending() bool {
	return len(d.trigger) > 0
}

// RequestRx 中断到达通知。只读取控制寄存器、原子记录控制字并请求执行，
// 绝不阻塞；任何失败仅记录诊断。
func (d *Device) RequestRx() {
	cur, err := d.bus.ReadControl()
	if err != nil {
		d.log.Error("control register read failed", zap.Error(err))
		d.schedule()
		return
	}
	prev := d.ctrlReg.Swap(cur)
	d.ctrlReady.complete()
	d.schedule()

	if cur&hwbus.CtrlNextLenMask == 0 {
		d.log.Error("unexpected control register value: length field is 0",
			zap.Uint32("ctrl", cur))
	}
	if prev != 0 {
		d.log.Error("received IRQ but previous data was not (yet) read",
			zap.Uint32("prev", prev), zap.Uint32("ctrl", cur))
	}
}

// RequestTx 发送请求：生产者入队后调用
func (d *Device) RequestTx() {
	d.schedule()
}

// bhWork 单次 worker 执行：唤醒设备，交替收发直到双向均无进展，
// 随后按需应答总线错误并决定是否释放唤醒线。
func (d *Device) bhWork() {
	d.deviceWakeup()

	var statReq, statCnf, statInd int
	lastOpIsRx := false
	for {
		numTx := d.workTx(d.cfg.BatchSize)
		statReq += numTx
		if numTx > 0 {
			lastOpIsRx = false
		}
		numRx := d.workRx(d.cfg.BatchSize, &statCnf)
		statInd += numRx
		if numRx > 0 {
			lastOpIsRx = true
		}
		if numTx == 0 && numRx == 0 {
			break
		}
	}
	statInd -= statCnf

	if lastOpIsRx {
		d.ackBusErrors()
	}
	released := false
	if d.txBuffersUsed.Load() == 0 && !d.workPending() && !d.scanInProgress.Load() {
		d.deviceRelease()
		released = true
	}

	if d.met != nil {
		d.met.WorkerRuns.Inc()
		d.met.QueueDepth.Set(float64(d.src.Len()))
	}
	d.log.Debug("worker pass complete",
		zap.Int("req", statReq), zap.Int("cnf", statCnf), zap.Int("ind", statInd),
		zap.Int32("credit", d.txBuffersUsed.Load()), zap.Bool("released", released))
}

// ackBusErrors 读寄存器检查粘滞错误位，有则告警并清除（SDIO 风格应答）
func (d *Device) ackBusErrors() {
	word, err := d.bus.ReadControl()
	if err != nil {
		d.log.Error("control register read failed", zap.Error(err))
		return
	}
	if e := word & hwbus.CtrlErrorMask; e != 0 {
		d.log.Warn("chip reports bus errors", zap.Uint32("errors", e>>16))
		if err := d.bus.WriteControlBits(hwbus.CtrlErrorMask, 0); err != nil {
			d.log.Error("bus error acknowledge failed", zap.Error(err))
		}
	}
}
