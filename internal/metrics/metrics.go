package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// HifMetrics 传输核心指标
type HifMetrics struct {
	RxTotal      prometheus.Counter     // 成功解析的接收帧
	TxTotal      prometheus.Counter     // 成功写出的发送帧
	CnfTotal     prometheus.Counter     // 确认帧（回执）
	DroppedTotal *prometheus.CounterVec // labels: reason=length_mismatch|unsupported_encryption|decode_error|malformed_tx
	WorkerRuns   prometheus.Counter     // bottom-half 执行次数
	BusErrors    prometheus.Counter     // 总线读写失败
	SeqMismatch  prometheus.Counter     // 接收序列号失步
	CreditFault  prometheus.Counter     // 信用计数下溢（簿记缺陷）
	WakeTimeouts prometheus.Counter     // 唤醒应答超时
	CreditGauge  prometheus.Gauge       // 在途发送缓冲数
	QueueDepth   prometheus.Gauge       // 发送队列深度
}

// NewHifMetrics 注册并返回传输核心指标
func NewHifMetrics(reg *prometheus.Registry) *HifMetrics {
	m := &HifMetrics{
		RxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_rx_total",
			Help: "Frames received and parsed successfully.",
		}),
		TxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_tx_total",
			Help: "Frames written to the bus.",
		}),
		CnfTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_cnf_total",
			Help: "Confirmation frames received.",
		}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hif_dropped_total",
			Help: "Frames dropped by reason.",
		}, []string{"reason"}),
		WorkerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_worker_runs_total",
			Help: "Bottom-half passes executed.",
		}),
		BusErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_bus_errors_total",
			Help: "Bus read/write failures.",
		}),
		SeqMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_seq_mismatch_total",
			Help: "Inbound sequence number mismatches.",
		}),
		CreditFault: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_credit_underflow_total",
			Help: "Credit counter underflows (bookkeeping defects).",
		}),
		WakeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hif_wake_timeout_total",
			Help: "Wakeup acknowledgement timeouts.",
		}),
		CreditGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hif_tx_buffers_used",
			Help: "Outbound buffers accepted by firmware but not yet confirmed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hif_tx_queue_depth",
			Help: "Frames waiting in the outbound queue.",
		}),
	}
	reg.MustRegister(
		m.RxTotal, m.TxTotal, m.CnfTotal, m.DroppedTotal, m.WorkerRuns,
		m.BusErrors, m.SeqMismatch, m.CreditFault, m.WakeTimeouts,
		m.CreditGauge, m.QueueDepth,
	)
	return m
}
