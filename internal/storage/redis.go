package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/log"
)

const (
	keyPrefix = "stratumd:"

	keyHashrate    = keyPrefix + "hashrate:%s"
	keySharesRound = keyPrefix + "shares:round:%s"
	keyBlocks      = keyPrefix + "blocks:%s"
	keyLastShare   = keyPrefix + "lastshare:%s:%s"
)

// Client wraps a Redis connection and subscribes to the Message Bus's
// share and admin topics, persisting every accepted share and block
// candidate. Grounded on internal/storage/redis.go's RedisClient
// (teacher), narrowed to the write path the bus actually drives —
// payout, blacklist, and balance bookkeeping stay with the teacher's
// copy, out of scope per the payment-processing Non-goal.
type Client struct {
	redis *redis.Client
	ctx   context.Context

	hashrateWindow time.Duration

	quit chan struct{}
}

// New dials url/db and verifies connectivity before returning.
func New(url, password string, db int, hashrateWindow time.Duration) (*Client, error) {
	rc := redis.NewClient(&redis.Options{Addr: url, Password: password, DB: db})
	ctx := context.Background()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: redis connection failed: %w", err)
	}
	return &Client{redis: rc, ctx: ctx, hashrateWindow: hashrateWindow, quit: make(chan struct{})}, nil
}

// Start subscribes to b's share and admin topics and persists every
// event until Stop is called.
func (c *Client) Start(b *bus.Bus) {
	shares := b.Subscribe(bus.TopicShares)
	admin := b.Subscribe(bus.TopicAdmin)
	go c.consumeShares(shares)
	go c.consumeAdmin(admin)
}

// Stop halts the consumer goroutines and closes the connection.
func (c *Client) Stop() {
	close(c.quit)
	c.redis.Close()
}

func (c *Client) consumeShares(events <-chan bus.Event) {
	for {
		select {
		case <-c.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			share, ok := evt.Payload.(*bus.Share)
			if !ok {
				continue
			}
			if err := c.writeShare(share); err != nil {
				log.Warnf("storage: failed to write share: %v", err)
			}
		}
	}
}

func (c *Client) consumeAdmin(events <-chan bus.Event) {
	for {
		select {
		case <-c.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n, ok := evt.Payload.(*bus.AdminNotification)
			if !ok || n.Kind != bus.AdminBlockAccepted {
				continue
			}
			if err := c.writeBlock(n); err != nil {
				log.Warnf("storage: failed to write block: %v", err)
			}
		}
	}
}

// writeShare increments the current payout round's share tally and
// records a hashrate sample, the two pieces of WriteShare (teacher)
// that any downstream consumer — the stats API or an external payout
// processor — needs regardless of how payouts are computed.
func (c *Client) writeShare(share *bus.Share) error {
	now := time.Now()

	pipe := c.redis.Pipeline()
	pipe.HIncrByFloat(c.ctx, fmt.Sprintf(keySharesRound, share.PoolID), share.MinerAddress, share.ActualDifficulty)

	member := fmt.Sprintf("%d:%s:%s:%d", int64(share.ActualDifficulty), share.MinerAddress, share.Worker, now.UnixMilli())
	key := fmt.Sprintf(keyHashrate, share.PoolID)
	pipe.ZAdd(c.ctx, key, &redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(c.ctx, key, c.hashrateWindow)

	pipe.Set(c.ctx, fmt.Sprintf(keyLastShare, share.PoolID, share.MinerAddress), now.Unix(), c.hashrateWindow)

	_, err := pipe.Exec(c.ctx)
	return err
}

func (c *Client) writeBlock(n *bus.AdminNotification) error {
	block := Block{PoolID: n.PoolID, Height: n.Height, Status: BlockStatusCandidate, Timestamp: n.CreatedAt.Unix()}
	key := fmt.Sprintf(keyBlocks, n.PoolID)
	return c.redis.LPush(c.ctx, key, block.Height, block.Timestamp).Err()
}

// Hashrate sums the per-pool hashrate sorted set over the configured
// window, for the stats API.
func (c *Client) Hashrate(poolID string) (float64, error) {
	key := fmt.Sprintf(keyHashrate, poolID)
	cutoff := time.Now().Add(-c.hashrateWindow).Unix()
	members, err := c.redis.ZRangeByScore(c.ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, m := range members {
		var diff float64
		fmt.Sscanf(m, "%f:", &diff)
		total += diff
	}
	return total / c.hashrateWindow.Seconds(), nil
}
