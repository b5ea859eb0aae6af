package hif

import "go.uber.org/zap"

// 唤醒/休眠控制。未配置唤醒线时设备建模为常醒，迁移均为空操作。

// deviceWakeup 置起唤醒线并限时等待一次性就绪应答。
// 超时只告警，随后乐观继续：芯片大概率已经醒了。
func (d *Device) deviceWakeup() {
	if d.wake == nil {
		return
	}
	if d.wake.Get() {
		return
	}
	d.wake.Set(true)
	if !d.ctrlReady.waitKeep(d.cfg.WakeTimeout) {
		d.log.Warn("timeout while waking up chip",
			zap.Duration("timeout", d.cfg.WakeTimeout))
		if d.met != nil {
			d.met.WakeTimeouts.Inc()
		}
	}
}

// deviceRelease 放下唤醒线。仅在信用为零、无待办工作且无扫描时由
// worker 末尾调用。
func (d *Device) deviceRelease() {
	if d.wake == nil {
		return
	}
	d.wake.Set(false)
}

// Awake 当前唤醒状态
func (d *Device) Awake() bool {
	if d.wake == nil {
		return true
	}
	return d.wake.Get()
}
