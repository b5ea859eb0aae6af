package main

import (
	"encoding/binary"
	"flag"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/wfx-host/internal/hif"
	"github.com/taoyao-code/wfx-host/internal/hwbus"
	"github.com/taoyao-code/wfx-host/internal/securelink"
)

// wfxsim 模拟固件：通过 TCP 承接主机的链路请求，在进程内模拟总线
// 寄存器与帧队列。连接建立即上报启动能力，对每条主机请求帧回发确认，
// 用于在没有真实硬件时联调 wfxhostd。
func main() {
	addr := flag.String("addr", "127.0.0.1:7100", "监听地址")
	block := flag.Int("block", 64, "总线块对齐粒度")
	caps := flag.Int("caps", 16, "通告的发送缓冲能力")
	multiCnf := flag.Int("multiCnf", 1, "累计 N 条请求后合并为一条批量确认（1 为逐条确认）")
	keyFile := flag.String("keyfile", "", "secure link 密钥文件（留空不加密）")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger

	var key *securelink.KeyFile
	if *keyFile != "" {
		kf, err := securelink.ReadKeyFile(*keyFile)
		if err != nil {
			log.Fatal("load key file failed", zap.Error(err))
		}
		key = kf
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", *addr), zap.Error(err))
	}
	log.Info("simulated firmware listening",
		zap.String("addr", *addr), zap.Int("caps", *caps))

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			return
		}
		go serveConn(conn, *block, *caps, *multiCnf, key, log)
	}
}

// firmware 单条主机连接对应的模拟固件状态
type firmware struct {
	log      *zap.Logger
	conn     net.Conn
	sim      *hwbus.Sim
	codec    *securelink.Codec
	multiCnf int

	writeMu sync.Mutex

	// 设备侧发送序列号与批量确认累计，仅在连接协程内访问
	seq     uint8
	pending uint32
}

func serveConn(conn net.Conn, block, caps, multiCnf int, key *securelink.KeyFile, log *zap.Logger) {
	log = log.With(zap.String("peer", conn.RemoteAddr().String()))
	log.Info("host connected")
	defer func() {
		_ = conn.Close()
		log.Info("host disconnected")
	}()

	fw := &firmware{
		log:      log,
		conn:     conn,
		sim:      hwbus.NewSim(block),
		multiCnf: multiCnf,
	}
	if key != nil {
		codec, err := key.NewPeerCodec()
		if err != nil {
			log.Error("secure link setup failed", zap.Error(err))
			return
		}
		fw.codec = codec
	}
	fw.sim.SetIRQHandler(fw.notifyIRQ)
	fw.sim.SetOnWrite(fw.handleHostFrame)

	// 上线即通告能力
	startup := make([]byte, 4)
	binary.LittleEndian.PutUint16(startup[0:2], uint16(caps))
	startup[2] = 3 // firmware major
	startup[3] = 0 // firmware minor
	fw.post(hif.IDStartupInd, true, startup)

	for {
		typ, payload, err := hwbus.ReadLinkMsg(conn)
		if err != nil {
			return
		}
		fw.dispatch(typ, payload)
	}
}

// dispatch 处理一条链路请求并回写应答
func (fw *firmware) dispatch(typ byte, payload []byte) {
	switch typ {
	case hwbus.LinkReadBlock:
		if len(payload) != 2 {
			fw.reply(hwbus.LinkRespErr, []byte("bad read request"))
			return
		}
		buf := make([]byte, binary.LittleEndian.Uint16(payload))
		if err := fw.sim.ReadBlock(buf); err != nil {
			fw.reply(hwbus.LinkRespErr, []byte(err.Error()))
			return
		}
		fw.reply(hwbus.LinkRespOK, buf)
	case hwbus.LinkWriteBlock:
		if err := fw.sim.WriteBlock(payload); err != nil {
			fw.reply(hwbus.LinkRespErr, []byte(err.Error()))
			return
		}
		fw.reply(hwbus.LinkRespOK, nil)
	case hwbus.LinkReadControl:
		reg, err := fw.sim.ReadControl()
		if err != nil {
			fw.reply(hwbus.LinkRespErr, []byte(err.Error()))
			return
		}
		var out [4]byte
		binary.LittleEndian.PutUint32(out[:], reg)
		fw.reply(hwbus.LinkRespOK, out[:])
	case hwbus.LinkWriteControlBits:
		if len(payload) != 8 {
			fw.reply(hwbus.LinkRespErr, []byte("bad control write request"))
			return
		}
		mask := binary.LittleEndian.Uint32(payload[0:4])
		value := binary.LittleEndian.Uint32(payload[4:8])
		if err := fw.sim.WriteControlBits(mask, value); err != nil {
			fw.reply(hwbus.LinkRespErr, []byte(err.Error()))
			return
		}
		fw.reply(hwbus.LinkRespOK, nil)
	default:
		fw.reply(hwbus.LinkRespErr, []byte("unknown request"))
	}
}

func (fw *firmware) reply(typ byte, payload []byte) {
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	if err := hwbus.WriteLinkMsg(fw.conn, typ, payload); err != nil {
		fw.log.Error("link write failed", zap.Error(err))
	}
}

func (fw *firmware) notifyIRQ() {
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	_ = hwbus.WriteLinkMsg(fw.conn, hwbus.LinkEvIRQ, nil)
}

// handleHostFrame 处理主机写出的一帧：剥掉块补齐，按需解密，
// 对请求帧回发确认（或按 multiCnf 合并为批量确认）。
func (fw *firmware) handleHostFrame(frame []byte) {
	if len(frame) < hif.HeaderLen {
		fw.log.Warn("runt host frame", zap.Int("len", len(frame)))
		return
	}
	plain := frame
	if (frame[3]>>4)&0x3 == hif.EncSecure {
		if fw.codec == nil {
			fw.log.Warn("secure frame without key file")
			return
		}
		mlen := int(binary.LittleEndian.Uint16(frame[4:6]))
		wire := securelink.ClearLen + (mlen-2+15)/16*16 + securelink.TagLen
		if mlen < hif.HeaderLen || wire > len(frame) {
			fw.log.Warn("bad secure frame length", zap.Int("mlen", mlen))
			return
		}
		dec, err := fw.codec.Decode(frame[:wire])
		if err != nil {
			fw.log.Warn("secure frame decode failed", zap.Error(err))
			return
		}
		plain = dec
	} else {
		total := int(binary.LittleEndian.Uint16(frame[0:2]))
		if total < hif.HeaderLen || total > len(frame) {
			fw.log.Warn("bad host frame length", zap.Int("field", total))
			return
		}
		plain = frame[:total]
	}

	msg, err := hif.ParseMessage(plain)
	if err != nil {
		fw.log.Warn("host frame parse failed", zap.Error(err))
		return
	}
	fw.log.Debug("host request",
		zap.Uint16("id", msg.ID), zap.Uint8("seq", msg.Seq), zap.Int("len", len(msg.Payload)))
	if msg.Indication {
		return
	}

	if fw.multiCnf > 1 {
		fw.pending++
		if int(fw.pending) < fw.multiCnf {
			return
		}
		cnt := make([]byte, 4)
		binary.LittleEndian.PutUint32(cnt, fw.pending)
		fw.pending = 0
		fw.post(hif.IDMultiTransmitCnf, false, cnt)
		return
	}
	fw.post(msg.ID, false, nil)
}

// post 构造一条设备→主机帧并注入模拟总线
func (fw *firmware) post(id uint16, indication bool, payload []byte) {
	b := hif.BuildMessage(id, indication, payload)
	hif.StampSeq(b, fw.seq)
	fw.seq = (fw.seq + 1) % (hif.CounterMax + 1)
	if fw.codec != nil && fw.codec.IsSecureID(id) {
		enc, err := fw.codec.Encode(b)
		if err != nil {
			fw.log.Error("secure frame encode failed", zap.Error(err))
			return
		}
		b = enc
	}
	fw.sim.PostFrame(b)
}
