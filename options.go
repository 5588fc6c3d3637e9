package dstate

import (
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/dstate/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/drpcorg/dstate"

var WriteOptions = pebble.WriteOptions{Sync: true}

type Options struct {
	// Name labels log lines, spans and metrics.
	Name string
	// Prefix namespaces every key of the store, so that several stores
	// may share one pebble database.
	Prefix []byte

	Logger       utils.Logger
	WriteOptions *pebble.WriteOptions
	Tracer       trace.Tracer

	// HistoryCacheSize is the number of decoded deltas kept for StateAt.
	HistoryCacheSize int
	// QueueLen bounds the number of operations waiting for the writer.
	QueueLen int
	// ErrorBuffer is the capacity of the Errors() channel; errors that do
	// not fit are logged and dropped.
	ErrorBuffer int
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.WriteOptions == nil {
		o.WriteOptions = &WriteOptions
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(instrumentationName)
	}
	if o.HistoryCacheSize <= 0 {
		o.HistoryCacheSize = 256
	}
	if o.QueueLen <= 0 {
		o.QueueLen = 1024
	}
	if o.ErrorBuffer <= 0 {
		o.ErrorBuffer = 16
	}
}

type opConfig struct {
	tx *Txn
}

type OpOption func(*opConfig)

// WithTxn runs the operation inside tx. The caller then owns the commit:
// nothing is visible, in the database or in the store, until tx.Commit().
func WithTxn(tx *Txn) OpOption {
	return func(c *opConfig) {
		c.tx = tx
	}
}

func newOpConfig(opts []OpOption) opConfig {
	var c opConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}
