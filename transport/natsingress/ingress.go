// Package natsingress 将 NATS 订阅接入 Saga 编排器。
//
// 从指定 subject 消费领域事件（JSON 编码的 eventing.Event），解码后
// 转交给编排器的 Handle。使用队列组订阅，同一队列组内的多个进程
// 分摊消息（每条事件只触发一个进程）。
//
// NATS 核心订阅是至多一次投递；需要至少一次语义时应在此之上
// 部署 JetStream 或在上游做重发。编排器本身不做事件去重。
package natsingress

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"sagakit/eventing"
	"sagakit/logging"
)

// 默认订阅参数
const (
	DefaultSubject = "saga.events"
	DefaultQueue   = "saga-orchestrator"
)

// IEventHandler 事件入口（*saga.Orchestrator 实现此接口）
type IEventHandler interface {
	Handle(ctx context.Context, evt eventing.IEvent) error
}

// Config 接入配置
type Config struct {
	// URL NATS 服务器地址（Conn 为 nil 时使用；空值默认 nats.DefaultURL）
	URL string

	// Subject 订阅主题（空值默认 "saga.events"）
	Subject string

	// Queue 队列组名（空值默认 "saga-orchestrator"）
	Queue string

	// Conn 已有的 NATS 连接（优先使用，生命周期由调用方管理）
	Conn *nats.Conn

	// Logger 日志（nil 表示使用组件默认）
	Logger logging.Logger
}

// Ingress NATS 事件接入器
type Ingress struct {
	cfg     Config
	logger  logging.Logger
	handler IEventHandler

	mu       sync.Mutex
	conn     *nats.Conn
	ownsConn bool
	sub      *nats.Subscription
	running  bool
}

// NewIngress 创建 NATS 事件接入器
//
// 参数：
//   - handler: 事件入口（通常为 *saga.Orchestrator）
//   - cfg: 配置
//
// 返回：
//   - *Ingress: 接入器实例
func NewIngress(handler IEventHandler, cfg Config) *Ingress {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.natsingress")
	}
	return &Ingress{
		cfg:     cfg,
		logger:  cfg.Logger,
		handler: handler,
	}
}

// Start 建立连接并开始消费
func (i *Ingress) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return errors.New("nats ingress already running")
	}
	if i.handler == nil {
		return errors.New("nats ingress handler not configured")
	}

	if i.cfg.Conn != nil {
		i.conn = i.cfg.Conn
	} else {
		url := i.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return err
		}
		i.conn = conn
		i.ownsConn = true
	}

	sub, err := i.conn.QueueSubscribe(i.cfg.Subject, i.cfg.Queue, i.handleMessage)
	if err != nil {
		if i.ownsConn {
			i.conn.Close()
			i.conn = nil
			i.ownsConn = false
		}
		return err
	}
	i.sub = sub
	i.running = true

	i.logger.Info(ctx, "nats ingress started",
		logging.String("subject", i.cfg.Subject),
		logging.String("queue", i.cfg.Queue))
	return nil
}

// Close 停止消费并关闭自建连接
func (i *Ingress) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sub != nil {
		_ = i.sub.Drain()
		i.sub = nil
	}
	if i.ownsConn && i.conn != nil {
		i.conn.Close()
	}
	i.conn = nil
	i.ownsConn = false
	i.running = false
	return nil
}

func (i *Ingress) handleMessage(msg *nats.Msg) {
	ctx := context.Background()

	evt, err := eventing.Unmarshal(msg.Data)
	if err != nil {
		// 解码失败的消息无法处理，记录后丢弃
		i.logger.Warn(ctx, "decode saga event failed", logging.Error(err),
			logging.String("subject", msg.Subject))
		return
	}

	if err := i.handler.Handle(ctx, evt); err != nil {
		i.logger.Error(ctx, "saga event handling failed", logging.Error(err),
			logging.String("event_id", evt.GetID()),
			logging.String("event_type", evt.GetType()))
	}
}
