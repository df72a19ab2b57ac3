package relay

import (
	"net"
	"sync"
	"time"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/log"
)

// Publisher is the Share Relay: it subscribes to the local message
// bus's share topic and fans each validated share out, framed, to
// every currently connected remote cluster (spec.md §4.6).
type Publisher struct {
	clusterName string
	bind        string
	format      uint32

	listener net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher constructs a Publisher. format is WireFormatJSON or
// WireFormatBinary.
func NewPublisher(clusterName, bind string, format uint32) *Publisher {
	return &Publisher{
		clusterName: clusterName,
		bind:        bind,
		format:      format,
		conns:       make(map[net.Conn]struct{}),
		quit:        make(chan struct{}),
	}
}

// Start binds the publish endpoint, accepts subscriber connections, and
// begins forwarding events from b's share topic.
func (p *Publisher) Start(b *bus.Bus) error {
	listener, err := net.Listen("tcp", p.bind)
	if err != nil {
		return err
	}
	p.listener = listener
	log.Infof("relay: publishing on %s", p.bind)

	p.wg.Add(1)
	go p.acceptLoop()

	p.wg.Add(1)
	go p.forwardLoop(b.Subscribe(bus.TopicShares))

	return nil
}

// Stop closes the listener and all subscriber connections.
func (p *Publisher) Stop() {
	close(p.quit)
	if p.listener != nil {
		p.listener.Close()
	}

	p.connsMu.Lock()
	for c := range p.conns {
		c.Close()
	}
	p.connsMu.Unlock()

	p.wg.Wait()
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
				log.Warnf("relay: accept error: %v", err)
				continue
			}
		}

		p.connsMu.Lock()
		p.conns[conn] = struct{}{}
		p.connsMu.Unlock()
		log.Infof("relay: subscriber connected: %s", conn.RemoteAddr())
	}
}

func (p *Publisher) forwardLoop(events <-chan bus.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			share, ok := evt.Payload.(*bus.Share)
			if !ok {
				continue
			}
			p.broadcast(share)
		}
	}
}

// broadcast encodes share once and writes it to every connected
// subscriber; a slow or dead subscriber is dropped without blocking
// the others.
func (p *Publisher) broadcast(share *bus.Share) {
	record := ShareRecord{
		PoolID:            share.PoolID,
		Worker:            share.Worker,
		MinerAddress:      share.MinerAddress,
		ClaimedDifficulty: share.ClaimedDifficulty,
		ActualDifficulty:  share.ActualDifficulty,
		NetworkDifficulty: share.NetworkDifficulty,
		Height:            share.Height,
		IsBlockCandidate:  share.IsBlockCandidate,
		Source:            share.Source,
		Nonce:             share.Nonce,
		MixHash:           share.MixHash,
		SolutionTxHash:    share.SolutionTxHash,
		CreatedAt:         share.CreatedAt,
	}

	payload, err := EncodeShare(record, p.format)
	if err != nil {
		log.Warnf("relay: failed to encode share: %v", err)
		return
	}
	frame := Frame{Topic: share.PoolID, Flags: p.format, Payload: payload}

	p.connsMu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.connsMu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := WriteFrame(c, frame); err != nil {
			log.Warnf("relay: dropping subscriber %s: %v", c.RemoteAddr(), err)
			c.Close()
			p.connsMu.Lock()
			delete(p.conns, c)
			p.connsMu.Unlock()
		}
	}
}

// SubscriberCount returns the number of currently connected remote
// clusters.
func (p *Publisher) SubscriberCount() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}
