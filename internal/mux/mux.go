// Package mux assigns UDP ports to the N parallel workers of one run and
// pairs sender workers with receiver workers.
package mux

import (
	"errors"
	"fmt"
)

// Mode selects how N workers share or partition UDP endpoints.
type Mode uint8

const (
	// Individual assigns each worker its own distinct port.
	Individual Mode = iota
	// Sharing has every worker bind or connect a single shared port.
	Sharing
	// Sharding is sender-only: each sender worker fires at a distinct
	// receiver port while the receiver side decides its own mode.
	Sharding
)

func (m Mode) String() string {
	switch m {
	case Individual:
		return "individual"
	case Sharing:
		return "sharing"
	case Sharding:
		return "sharding"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ErrInvalidParallelism is returned by BuildPlan when parallel is not positive.
var ErrInvalidParallelism = errors.New("mux: parallel must be positive")

// Endpoint is one worker's assigned port pair: which local port it binds
// (receiver) or sources from (sender), and which remote port it targets.
type Endpoint struct {
	WorkerIndex int
	LocalPort   uint16
	RemotePort  uint16
	// ReusePort is true when the socket layer must set SO_REUSEPORT for
	// this endpoint (Sharing mode, or the receiver side of Sharding).
	ReusePort bool
}

// Plan is the full port assignment for one run: one Endpoint per worker
// on each side, index-aligned so Plan.Sender[i] pairs with a receiver
// endpoint per the rules below.
type Plan struct {
	Sender   []Endpoint
	Receiver []Endpoint
}

// BuildPlan derives the sender and receiver endpoint sets for parallel
// workers, given each side's independently chosen Mode, the receiver's
// base bind port and the sender's base source port.
//
// All six combinations of senderMode x receiverMode are valid:
//
//   - individual/individual: worker i binds receiverBasePort+i, sources
//     senderBasePort+i, and connects to receiverBasePort+i.
//   - sharing/*: every sender worker sources the single port
//     senderBasePort.
//   - */sharing: every receiver worker binds the single port
//     receiverBasePort with SO_REUSEPORT so the kernel load-balances
//     flows across them.
//   - sharding/*: sender worker i targets receiverBasePort+i regardless
//     of what port(s) the receiver side itself binds.
func BuildPlan(parallel int, senderMode, receiverMode Mode, senderBasePort, receiverBasePort uint16) (Plan, error) {
	if parallel <= 0 {
		return Plan{}, ErrInvalidParallelism
	}

	plan := Plan{
		Sender:   make([]Endpoint, parallel),
		Receiver: make([]Endpoint, parallel),
	}

	for i := range parallel {
		idx := uint16(i) //nolint:gosec // parallel is bounded well under 1<<16 in practice

		recvLocal := receiverBasePort
		recvReuse := false
		switch receiverMode {
		case Individual:
			recvLocal = receiverBasePort + idx
		case Sharing:
			recvLocal = receiverBasePort
			recvReuse = true
		case Sharding:
			recvLocal = receiverBasePort + idx
			recvReuse = true
		}

		sendLocal := senderBasePort
		sendReuse := false
		remotePort := receiverBasePort
		switch senderMode {
		case Individual:
			sendLocal = senderBasePort + idx
			remotePort = recvLocal
		case Sharing:
			sendLocal = senderBasePort
			sendReuse = true
			remotePort = recvLocal
		case Sharding:
			sendLocal = senderBasePort + idx
			remotePort = receiverBasePort + idx
		}

		plan.Sender[i] = Endpoint{
			WorkerIndex: i,
			LocalPort:   sendLocal,
			RemotePort:  remotePort,
			ReusePort:   sendReuse,
		}
		plan.Receiver[i] = Endpoint{
			WorkerIndex: i,
			LocalPort:   recvLocal,
			RemotePort:  0,
			ReusePort:   recvReuse,
		}
	}

	return plan, nil
}
