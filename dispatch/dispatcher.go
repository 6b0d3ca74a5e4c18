// Package dispatch drives the per-core packet-processing loop spec.md §4.8
// describes: extract, admit/look up a connection, feed the layers, evaluate
// the filter tree, invoke due callbacks, and expire inactive connections.
// Grounded on the teacher's TrafficParser.PacketToNetTraffic
// (pcap/pcap.go): a panic boundary around per-packet bookkeeping, and a
// ticker-driven periodic sweep alongside the packet-read loop.
package dispatch

import (
	"fmt"
	"time"

	"github.com/mel2oo/conntrack/conn"
	"github.com/mel2oo/conntrack/config"
	"github.com/mel2oo/conntrack/filter"
	"github.com/mel2oo/conntrack/mempool"
	"github.com/mel2oo/conntrack/memview"
	"github.com/mel2oo/conntrack/metrics"
	"github.com/mel2oo/conntrack/packet"
	"github.com/mel2oo/conntrack/pdu"
	"github.com/mel2oo/conntrack/proto"
)

// pageSize_bytes is the chunk size the out-of-order buffer pool allocates,
// large enough to hold one MTU-sized segment without fragmenting it across
// chunks.
const pageSize_bytes = 1900

// Dispatcher owns everything one core needs to process its share of
// traffic: the connection table, the registered protocol parsers, the
// filter engine's predicate tree, and the timer wheel that expires inactive
// or timed-out connections. Not safe for concurrent use — spec.md
// §5 pins one Dispatcher per core, each with its own Table, so cores never
// contend on connection state.
type Dispatcher struct {
	opts      config.Options
	table     *conn.Table
	registry  *proto.Registry
	engine    *filter.Engine
	extractor *packet.Extractor
	inactive  *conn.TimerWheel
}

func New(opts config.Options, registry *proto.Registry, engine *filter.Engine) *Dispatcher {
	maxTimeout := opts.TCPInactivityTimeout
	if opts.UDPInactivityTimeout > maxTimeout {
		maxTimeout = opts.UDPInactivityTimeout
	}
	if opts.TCPEstablishTimeout > maxTimeout {
		maxTimeout = opts.TCPEstablishTimeout
	}

	table := conn.NewTable(opts.MaxConnections)
	if opts.MaxBufferedPagesTotal > 0 {
		if pool, err := mempool.MakeBufferPool(
			int64(opts.MaxBufferedPagesTotal)*pageSize_bytes,
			pageSize_bytes,
		); err == nil {
			table = conn.NewTableWithPool(opts.MaxConnections, pool)
		}
	}

	return &Dispatcher{
		opts:      opts,
		table:     table,
		registry:  registry,
		engine:    engine,
		extractor: packet.NewExtractor(),
		inactive:  conn.NewTimerWheel(maxTimeout, opts.TimeoutResolution),
	}
}

// ProcessFrame runs one captured frame through the full per-packet
// pipeline: extract its L4 context, admit or look up its connection,
// reassemble/parse it through the connection's layers, evaluate the filter
// tree against every transition produced, invoke due callbacks, refresh the
// connection's inactivity timer, and drop it from the table if every layer
// reports no further work.
//
// A panic while extracting or bookkeeping a packet is recovered and
// counted rather than crashing the dispatcher, matching the teacher's own
// per-packet recover(); a callback panic inside handleTransitions is not
// recovered here and is expected to propagate, per spec.md §7.
func (d *Dispatcher) ProcessFrame(data []byte, now time.Time) (err error) {
	// dispatching is true while subscription callbacks run, so the deferred
	// recover leaves a callback panic alone.
	dispatching := false
	defer func() {
		if dispatching {
			return
		}
		if r := recover(); r != nil {
			metrics.IncDrop(metrics.DropMalformedPacket)
			err = fmt.Errorf("dispatch: panic handling frame: %v", r)
		}
	}()

	ctx, extractErr := d.extractor.Extract(data)
	if extractErr != nil {
		metrics.IncDrop(metrics.DropMalformedPacket)
		return extractErr
	}

	timeout := d.opts.TCPInactivityTimeout
	if ctx.Proto == packet.ProtoUDP {
		timeout = d.opts.UDPInactivityTimeout
	}

	c, created, admitted := d.table.GetOrCreate(ctx, d.registry, d.opts.MaxOutOfOrder, timeout, now)
	if !admitted {
		metrics.IncDrop(metrics.DropAdmissionRefused)
		return nil
	}
	if created {
		metrics.IncActiveConnections()
	}

	payload := data[ctx.PayloadOffset : ctx.PayloadOffset+ctx.PayloadLength]
	dir := c.Direction(ctx)
	frame := pdu.NewFrame(memview.New(payload), now, dir)
	p := pdu.New(frame, ctx, dir)

	transitions := c.Update(now, ctx, p)
	dispatching = true
	d.handleTransitions(c, transitions, p)
	dispatching = false

	// A TCP connection still in its handshake keeps the TCPEstablishTimeout
	// deadline it was given on admission; further handshake traffic does
	// not extend it.
	if ctx.Proto == packet.ProtoTCP && c.L4.State != conn.StatePayload {
		if created {
			d.inactive.Insert(c, now, d.opts.TCPEstablishTimeout)
		}
	} else {
		d.inactive.Insert(c, now, timeout)
	}

	if c.DropEligible() {
		d.drop(c)
	}

	return nil
}

// handleTransitions evaluates the filter tree against every transition
// c.Update produced, in order, and dispatches whichever subscriptions
// became deliverable. The view is built once per call, after c.Update has
// already run, so hostPath sees whatever L7 session data this PDU's
// processing just produced. Left un-recovered: a callback panic here is
// fatal, per spec.md §7's error-handling table.
func (d *Dispatcher) handleTransitions(c *conn.Connection, transitions []conn.StateTransition, p *pdu.PDU) {
	if d.engine == nil || len(transitions) == 0 {
		return
	}
	host, path := hostPath(c)
	view := filter.BuildView(c, host, path)
	for _, t := range transitions {
		pending := d.engine.Evaluate(c, t, view, p)
		d.engine.Dispatch(c, pending)
	}
}

// Sweep advances the inactivity timer wheel to now, terminating and dropping
// any connection whose inactivity or handshake window has lapsed. Intended to be called
// from a ticker alongside ProcessFrame, the same way the teacher's
// TrafficParser.Parse drives assembler.FlushWithOptions from a separate
// ticker branch of its select loop.
func (d *Dispatcher) Sweep(now time.Time) {
	d.inactive.CheckInactive(now, func(c *conn.Connection) {
		c.Terminate()
		d.drop(c)
	})
}

func (d *Dispatcher) drop(c *conn.Connection) {
	d.table.Remove(c)
	if d.engine != nil {
		d.engine.Forget(c)
	}
	metrics.DecActiveConnections()
}

// Table exposes the underlying connection table, for tests and for a
// caller that needs to drain every live connection at shutdown.
func (d *Dispatcher) Table() *conn.Table { return d.table }
