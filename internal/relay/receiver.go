package relay

import (
	"net"
	"sync"
	"time"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/clock"
	"github.com/corepool/stratumd/internal/log"
)

const receiverFrameTimeout = 60 * time.Second

// Subscription is one remote cluster this Receiver connects to.
type Subscription struct {
	RemoteCluster string
	Address       string
	Topics        map[string]struct{}
}

// NewSubscription builds a Subscription from a topic list.
func NewSubscription(remoteCluster, address string, topics []string) Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return Subscription{RemoteCluster: remoteCluster, Address: address, Topics: set}
}

// Receiver is the Share Receiver: it dials each configured remote
// cluster's Publisher, filters incoming frames to its subscribed
// topics, and injects them into the local message bus as if locally
// produced (spec.md §4.6).
type Receiver struct {
	subs  []Subscription
	bus   *bus.Bus
	clock clock.Clock

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewReceiver constructs a Receiver for the given subscriptions.
func NewReceiver(subs []Subscription, b *bus.Bus, c clock.Clock) *Receiver {
	if c == nil {
		c = clock.Default
	}
	return &Receiver{subs: subs, bus: b, clock: c, quit: make(chan struct{})}
}

// Start launches one reconnect-on-failure loop per subscription.
func (r *Receiver) Start() {
	for _, sub := range r.subs {
		r.wg.Add(1)
		go r.connectLoop(sub)
	}
}

// Stop halts all subscription loops.
func (r *Receiver) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Receiver) connectLoop(sub Subscription) {
	defer r.wg.Done()

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", sub.Address, 10*time.Second)
		if err != nil {
			log.Warnf("relay: subscribing to %s (%s) failed: %v", sub.RemoteCluster, sub.Address, err)
			if !r.sleep(5 * time.Second) {
				return
			}
			continue
		}

		log.Infof("relay: subscribed to %s at %s", sub.RemoteCluster, sub.Address)
		r.readFrames(conn, sub)
		conn.Close()

		if !r.sleep(time.Second) {
			return
		}
	}
}

func (r *Receiver) sleep(d time.Duration) bool {
	select {
	case <-r.quit:
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Receiver) readFrames(conn net.Conn, sub Subscription) {
	for {
		conn.SetReadDeadline(time.Now().Add(receiverFrameTimeout))

		frame, err := ReadFrame(conn)
		if err != nil {
			log.Warnf("relay: subscription %s: %v, reconnecting", sub.RemoteCluster, err)
			return
		}
		if frame.WasReversed {
			log.Warnf("relay: subscription %s: frame flags word was byte-reversed, applied legacy interop fallback", sub.RemoteCluster)
		}

		if _, ok := sub.Topics[frame.Topic]; !ok {
			log.Warnf("relay: subscription %s: dropping unsubscribed topic %q", sub.RemoteCluster, frame.Topic)
			continue
		}
		if frame.Flags&WireFormatMask == 0 {
			log.Warnf("relay: subscription %s: dropping frame with no wire format bits in flags %08x", sub.RemoteCluster, frame.Flags)
			continue
		}

		record, err := DecodeShare(frame.Payload, frame.Flags&WireFormatMask)
		if err != nil {
			log.Warnf("relay: subscription %s: failed to decode share: %v", sub.RemoteCluster, err)
			continue
		}

		share := &bus.Share{
			PoolID:            record.PoolID,
			Worker:            record.Worker,
			MinerAddress:      record.MinerAddress,
			ClaimedDifficulty: record.ClaimedDifficulty,
			ActualDifficulty:  record.ActualDifficulty,
			NetworkDifficulty: record.NetworkDifficulty,
			Height:            record.Height,
			IsBlockCandidate:  record.IsBlockCandidate,
			Source:            sub.RemoteCluster,
			CreatedAt:         r.clock.Now(),
			Nonce:             record.Nonce,
			MixHash:           record.MixHash,
			SolutionTxHash:    record.SolutionTxHash,
		}

		r.bus.Publish(bus.TopicShares, share)
	}
}
