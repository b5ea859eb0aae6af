package hwbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// NetBus TCP 挂接的总线：连接 wfxsim 模拟固件，把块读写与寄存器
// 访问转成请求/应答消息，IRQ 事件推送转成中断回调。开发联调用。
type NetBus struct {
	conn      net.Conn
	blockSize int
	timeout   time.Duration

	// 同一时刻只允许一笔在途请求（worker 与中断通知路径并发访问）
	reqMu sync.Mutex
	respC chan linkResp

	onIRQ  atomic.Value // func()
	closed atomic.Bool
	doneC  chan struct{}
}

type linkResp struct {
	typ     byte
	payload []byte
}

// DialNetBus 连接模拟固件
func DialNetBus(addr string, blockSize int, timeout time.Duration) (*NetBus, error) {
	if blockSize <= 2 {
		blockSize = 2
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	b := &NetBus{
		conn:      conn,
		blockSize: blockSize,
		timeout:   timeout,
		respC:     make(chan linkResp, 1),
		doneC:     make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// SetIRQHandler 安装中断回调
func (b *NetBus) SetIRQHandler(fn func()) {
	b.onIRQ.Store(fn)
}

// readLoop 分拣应答与 IRQ 事件
func (b *NetBus) readLoop() {
	defer close(b.doneC)
	for {
		typ, payload, err := ReadLinkMsg(b.conn)
		if err != nil {
			return
		}
		switch typ {
		case LinkRespOK, LinkRespErr:
			select {
			case b.respC <- linkResp{typ: typ, payload: payload}:
			default:
				// 无在途请求的应答直接丢弃
			}
		case LinkEvIRQ:
			if fn, ok := b.onIRQ.Load().(func()); ok && fn != nil {
				go fn()
			}
		}
	}
}

// transact 发出一笔请求并等待应答
func (b *NetBus) transact(typ byte, payload []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	// 清掉可能残留的过期应答
	select {
	case <-b.respC:
	default:
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.timeout))
	if err := WriteLinkMsg(b.conn, typ, payload); err != nil {
		return nil, fmt.Errorf("bus request: %w", err)
	}
	t := time.NewTimer(b.timeout)
	defer t.Stop()
	select {
	case resp := <-b.respC:
		if resp.typ == LinkRespErr {
			return nil, errors.New(string(resp.payload))
		}
		return resp.payload, nil
	case <-b.doneC:
		return nil, ErrBusClosed
	case <-t.C:
		return nil, errors.New("bus response timeout")
	}
}

// ReadBlock 远端块读
func (b *NetBus) ReadBlock(p []byte) error {
	var req [2]byte
	binary.LittleEndian.PutUint16(req[:], uint16(len(p)))
	resp, err := b.transact(LinkReadBlock, req[:])
	if err != nil {
		return err
	}
	if len(resp) != len(p) {
		return fmt.Errorf("short block read: got %d want %d", len(resp), len(p))
	}
	copy(p, resp)
	return nil
}

// WriteBlock 远端块写
func (b *NetBus) WriteBlock(p []byte) error {
	_, err := b.transact(LinkWriteBlock, p)
	return err
}

// AlignSize 对齐到块粒度
func (b *NetBus) AlignSize(n int) int {
	return (n + b.blockSize - 1) / b.blockSize * b.blockSize
}

// ReadControl 远端控制寄存器读
func (b *NetBus) ReadControl() (uint32, error) {
	resp, err := b.transact(LinkReadControl, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, fmt.Errorf("bad control response length: %d", len(resp))
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// WriteControlBits 远端控制寄存器位写
func (b *NetBus) WriteControlBits(mask, value uint32) error {
	var req [8]byte
	binary.LittleEndian.PutUint32(req[0:4], mask)
	binary.LittleEndian.PutUint32(req[4:8], value)
	_, err := b.transact(LinkWriteControlBits, req[:])
	return err
}

// Close 关闭连接
func (b *NetBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}
