package relay

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BrokerBuilder constructs Broker instances (Builder pattern). The built
// broker is an explicit owned resource: construct it at process startup, pass
// it by reference, Close it at shutdown. There is intentionally no
// process-wide default instance.
type BrokerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	historyLimit int
	historyTTL   time.Duration
	reqTimeout   time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBrokerBuilder returns a new builder with sensible defaults.
func NewBrokerBuilder() *BrokerBuilder {
	return &BrokerBuilder{
		codecName:    "json",
		historyLimit: DefaultHistoryLimit,
		historyTTL:   DefaultHistoryTTL,
		reqTimeout:   DefaultRequestTimeout,
	}
}

func (bb *BrokerBuilder) WithTransport(name string, cfg map[string]any) *BrokerBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from an
// adapter's New).
func (bb *BrokerBuilder) WithTransportInstance(t Transport) *BrokerBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BrokerBuilder) WithCodec(name string) *BrokerBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BrokerBuilder) WithCodecInstance(c Codec) *BrokerBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BrokerBuilder) WithMiddleware(mw ...Middleware) *BrokerBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BrokerBuilder) WithObserver(obs ...Observer) *BrokerBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BrokerBuilder) WithLogger(l *xlog.Logger) *BrokerBuilder {
	bb.logger = l
	return bb
}

func (bb *BrokerBuilder) WithClock(c xclock.Clock) *BrokerBuilder {
	bb.clock = c
	return bb
}

// WithHistoryLimit caps per-channel retained messages (default 1000).
func (bb *BrokerBuilder) WithHistoryLimit(n int) *BrokerBuilder {
	if n > 0 {
		bb.historyLimit = n
	}
	return bb
}

// WithHistoryTTL sets the retention window for channel history (default 24h).
func (bb *BrokerBuilder) WithHistoryTTL(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.historyTTL = d
	}
	return bb
}

// WithRequestTimeout sets the default Request deadline (default 30s).
func (bb *BrokerBuilder) WithRequestTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.reqTimeout = d
	}
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *BrokerBuilder) WithObserverPool(workers, bufferSize int) *BrokerBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BrokerBuilder) Build() (*Broker, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Broker{
		transport:    tr,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		history:      newHistoryStore(clk, bb.historyLimit, bb.historyTTL),
		reqTimeout:   bb.reqTimeout,
		handlers:     make(map[string][]*handlerEntry),
		metrics:      &brokerMetrics{},
		observerPool: NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
	}

	// Attach a logging observer unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Broker via Builder and returns a close func for
// convenience.
func New(init func(b *BrokerBuilder)) (*Broker, func() error, error) {
	bb := NewBrokerBuilder()
	if init != nil {
		init(bb)
	}
	broker, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return broker.Close(context.Background()) }
	return broker, closeFn, nil
}
