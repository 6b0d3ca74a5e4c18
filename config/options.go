// Package config holds the tunables spec.md §6 lists as the framework's
// configuration parameters, built as a functional-options struct in the
// same shape the teacher's pcap.Options uses.
package config

import "time"

const (
	DefaultMaxConnections = 100000
	DefaultMaxOutOfOrder  = 64

	DefaultTCPInactivityTimeout = 90 * time.Second
	DefaultUDPInactivityTimeout = 30 * time.Second
	DefaultTCPEstablishTimeout  = 10 * time.Second
	DefaultTimeoutResolution    = 1 * time.Second

	DefaultMaxBufferedPagesTotal         = 100000
	DefaultMaxBufferedPagesPerConnection = 4000
)

// Options is the full set of knobs spec.md §6's configuration table
// names: how many connections the table admits, how much transport-level
// reordering a flow tolerates before it is abandoned, the inactivity and
// handshake timeouts that drive the timer wheels, the wheel's bucket
// resolution, and the reassembly buffer ceilings carried over from the
// teacher's own Options.
type Options struct {
	// MaxConnections bounds the connection table. Once full, GetOrCreate
	// refuses new admissions rather than evicting, per spec.md §3.
	MaxConnections int

	// MaxOutOfOrder bounds how many out-of-order TCP segments a flow's
	// reassembler buffers before declaring overflow and terminating the
	// connection.
	MaxOutOfOrder int

	// TCPInactivityTimeout/UDPInactivityTimeout are the per-protocol
	// windows after which a connection with no traffic is expired by the
	// inactivity timer wheel.
	TCPInactivityTimeout time.Duration
	UDPInactivityTimeout time.Duration

	// TCPEstablishTimeout bounds how long a TCP connection may sit in its
	// handshake (Discovery/Headers L4 state) before being abandoned even
	// if traffic keeps arriving, per spec.md §6.
	TCPEstablishTimeout time.Duration

	// TimeoutResolution is the bucket duration both timer wheels use.
	// Coarser resolutions batch more connections per bucket at the cost
	// of later expiry precision.
	TimeoutResolution time.Duration

	// MaxBufferedPagesTotal sizes the shared page pool that backs every
	// connection's out-of-order queue (dispatch.New). The per-flow bound is
	// MaxOutOfOrder; MaxBufferedPagesPerConnection is carried over from the
	// teacher's pcap.Options and is not read by the dispatcher.
	MaxBufferedPagesTotal         int
	MaxBufferedPagesPerConnection int

	// BPFilter, if non-empty, is applied at capture time to discard
	// packets before they ever reach the dispatcher.
	BPFilter string
}

func NewOptions() Options {
	return Options{
		MaxConnections:                DefaultMaxConnections,
		MaxOutOfOrder:                 DefaultMaxOutOfOrder,
		TCPInactivityTimeout:          DefaultTCPInactivityTimeout,
		UDPInactivityTimeout:          DefaultUDPInactivityTimeout,
		TCPEstablishTimeout:           DefaultTCPEstablishTimeout,
		TimeoutResolution:             DefaultTimeoutResolution,
		MaxBufferedPagesTotal:         DefaultMaxBufferedPagesTotal,
		MaxBufferedPagesPerConnection: DefaultMaxBufferedPagesPerConnection,
	}
}

type Option func(*Options)

func WithMaxConnections(n int) Option {
	return func(o *Options) { o.MaxConnections = n }
}

func WithMaxOutOfOrder(n int) Option {
	return func(o *Options) { o.MaxOutOfOrder = n }
}

func WithTCPInactivityTimeout(d time.Duration) Option {
	return func(o *Options) { o.TCPInactivityTimeout = d }
}

func WithUDPInactivityTimeout(d time.Duration) Option {
	return func(o *Options) { o.UDPInactivityTimeout = d }
}

func WithTCPEstablishTimeout(d time.Duration) Option {
	return func(o *Options) { o.TCPEstablishTimeout = d }
}

func WithTimeoutResolution(d time.Duration) Option {
	return func(o *Options) { o.TimeoutResolution = d }
}

func WithBPF(filter string) Option {
	return func(o *Options) { o.BPFilter = filter }
}

func WithMaxBufferedPagesTotal(n int) Option {
	return func(o *Options) { o.MaxBufferedPagesTotal = n }
}

func WithMaxBufferedPagesPerConnection(n int) Option {
	return func(o *Options) { o.MaxBufferedPagesPerConnection = n }
}

// Apply builds an Options from defaults overridden by opts, in order.
func Apply(opts ...Option) Options {
	o := NewOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
