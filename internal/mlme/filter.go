package mlme

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hif"
)

// 数据过滤配置命令号（MIB 写类）
const (
	idSetMacAddrCondition = 0x26
	idSetUcMcBcCondition  = 0x27
	idSetConfigDataFilter = 0x28
)

// multicastFilteringEnabled 多播过滤开关。固件侧过滤表存在兼容性
// 问题，当前始终下发"关闭过滤"；完整下发路径保留，修复后启用。
const multicastFilteringEnabled = false

// GroupAddressTable 组播过滤地址表
type GroupAddressTable struct {
	Enable    bool
	Addresses [][6]byte
}

// filterConfig 计算得到的过滤器条件表
type filterConfig struct {
	macCondMask uint8
	ucMcBcCond  bool
	filterIdx   uint8
	enable      bool
}

// SetMulticastFilter 下发组播过滤配置。条件表照常计算，
// 但在禁用分支上提前返回，仅下发"关闭过滤"。
func (h *Handlers) SetMulticastFilter(tbl GroupAddressTable) error {
	cfg := computeFilterConfig(tbl)

	if !multicastFilteringEnabled {
		h.log.Debug("multicast filtering disabled, forcing filter off",
			zap.Int("addresses", len(tbl.Addresses)), zap.Bool("computed", cfg.enable))
		return h.send(hif.IDSetDataFiltering, encodeDataFiltering(false, false))
	}

	if !tbl.Enable {
		return h.send(hif.IDSetDataFiltering, encodeDataFiltering(false, false))
	}
	// A1 地址逐条下发匹配条件
	for i, addr := range tbl.Addresses {
		payload := make([]byte, 8)
		payload[0] = uint8(i)
		payload[1] = macAddrTypeA1
		copy(payload[2:], addr[:])
		if err := h.send(idSetMacAddrCondition, payload); err != nil {
			return err
		}
	}
	// 放行单播与广播
	if err := h.send(idSetUcMcBcCondition, []byte{0, frameTypeUnicast | frameTypeBroadcast}); err != nil {
		return err
	}
	if err := h.send(idSetConfigDataFilter, []byte{cfg.macCondMask, boolByte(cfg.ucMcBcCond), cfg.filterIdx, boolByte(cfg.enable)}); err != nil {
		return err
	}
	// 默认丢弃所有未命中过滤的数据帧
	return h.send(hif.IDSetDataFiltering, encodeDataFiltering(true, true))
}

const (
	macAddrTypeA1      = 0x01
	frameTypeUnicast   = 0x01
	frameTypeBroadcast = 0x04
)

func computeFilterConfig(tbl GroupAddressTable) filterConfig {
	cfg := filterConfig{filterIdx: 0, enable: tbl.Enable}
	for i := range tbl.Addresses {
		cfg.macCondMask |= 1 << uint(i)
	}
	cfg.ucMcBcCond = true
	return cfg
}

// encodeDataFiltering data filtering 请求负载：enable + 默认动作
func encodeDataFiltering(enable, discardByDefault bool) []byte {
	return []byte{boolByte(enable), boolByte(discardByDefault)}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
