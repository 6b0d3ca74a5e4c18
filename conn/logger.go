package conn

import (
	"log"
	"os"
)

// Logger is where Table and L4Layer log the two warn-level events spec.md
// §7 names: admission refused and out-of-order overflow. Overridable by an
// embedder that wants these folded into its own logging setup; the teacher
// itself never goes further than fmt.Println at its own warn sites
// (pcap/pcap.go, pcap/pcap_stream.go), so this stays on the standard log
// package rather than pulling in a structured logging dependency.
var Logger = log.New(os.Stderr, "conntrack: ", log.LstdFlags)
