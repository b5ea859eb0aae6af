package hwbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// NetBus 链路层消息格式：type(1) + lenLE(2) + payload。
// 请求/应答严格一来一回；IRQ 事件由模拟固件随时推送。
const (
	// LinkReadBlock 块读请求，payload = lenLE(2)
	LinkReadBlock byte = 0x01
	// LinkWriteBlock 块写请求，payload = 帧字节
	LinkWriteBlock byte = 0x02
	// LinkReadControl 控制寄存器读请求
	LinkReadControl byte = 0x03
	// LinkWriteControlBits 控制寄存器位写请求，payload = maskLE(4)+valueLE(4)
	LinkWriteControlBits byte = 0x04
	// LinkRespOK 成功应答，payload 因请求而异
	LinkRespOK byte = 0x81
	// LinkRespErr 失败应答，payload = 错误描述
	LinkRespErr byte = 0x82
	// LinkEvIRQ 中断事件推送（模拟固件→主机）
	LinkEvIRQ byte = 0x90
)

// maxLinkPayload 链路消息负载上限，防御畸形长度
const maxLinkPayload = 16 * 1024

// WriteLinkMsg 写出一条链路消息
func WriteLinkMsg(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > maxLinkPayload {
		return fmt.Errorf("link payload too large: %d", len(payload))
	}
	hdr := [3]byte{typ}
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadLinkMsg 读入一条链路消息
func ReadLinkMsg(r io.Reader) (byte, []byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[1:3]))
	if n > maxLinkPayload {
		return 0, nil, fmt.Errorf("link payload too large: %d", n)
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}
