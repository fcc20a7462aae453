// Package blobcache wraps a remote channel with a local BadgerDB
// read-through cache. Chunk blobs are immutable once stored, so a cache
// hit never needs revalidation; entries carry a TTL only to bound disk
// use.
package blobcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/remote"
)

// DefaultTTL is how long cached blobs live before Badger reclaims them.
const DefaultTTL = 7 * 24 * time.Hour

// gcInterval is how often value-log garbage collection runs.
const gcInterval = 10 * time.Minute

// gcDiscardRatio mirrors the ratio recommended by the Badger docs.
const gcDiscardRatio = 0.5

// Cache is a remote.Channel decorator backed by BadgerDB.
type Cache struct {
	inner   remote.Channel
	db      *badger.DB
	ttl     time.Duration
	maxSize int64

	gcStop chan struct{}
	gcDone chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxSize sets a soft cap on cache disk use, enforced best-effort by
// the garbage collection loop.
func WithMaxSize(bytes int64) Option {
	return func(c *Cache) { c.maxSize = bytes }
}

// Open creates the cache database at dir and wraps inner with it.
func Open(dir string, inner remote.Channel, opts ...Option) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob cache: %w", err)
	}

	c := &Cache{
		inner:  inner,
		db:     db,
		ttl:    DefaultTTL,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.gcLoop()

	logger.Debug("blob cache opened", logger.KeyPath, dir, "ttl", c.ttl.String())
	return c, nil
}

// Close stops garbage collection and closes the database.
func (c *Cache) Close() error {
	close(c.gcStop)
	<-c.gcDone
	return c.db.Close()
}

func (c *Cache) gcLoop() {
	defer close(c.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			if err := c.db.RunValueLogGC(gcDiscardRatio); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn("blob cache gc failed", logger.KeyError, err.Error())
			}
			if c.maxSize > 0 {
				lsm, vlog := c.db.Size()
				if lsm+vlog > c.maxSize {
					logger.Warn("blob cache over size limit",
						logger.KeySize, lsm+vlog, "max_size", c.maxSize)
				}
			}
		}
	}
}

func cacheKey(channelID, messageID int64) []byte {
	key := make([]byte, 17)
	key[0] = 'b'
	binary.BigEndian.PutUint64(key[1:9], uint64(channelID))
	binary.BigEndian.PutUint64(key[9:17], uint64(messageID))
	return key
}

func (c *Cache) get(channelID, messageID int64) ([]byte, bool) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(channelID, messageID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) put(channelID, messageID int64, data []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(cacheKey(channelID, messageID), data).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		// A failed cache write never fails the transfer.
		logger.Warn("blob cache write failed",
			logger.KeyMessageID, messageID, logger.KeyError, err.Error())
	}
}

func (c *Cache) evict(channelID int64, messageIDs []int64) {
	err := c.db.Update(func(txn *badger.Txn) error {
		for _, id := range messageIDs {
			if err := txn.Delete(cacheKey(channelID, id)); err != nil &&
				!errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("blob cache eviction failed", logger.KeyError, err.Error())
	}
}

// SendBlob stores through to the channel and caches the confirmed blob so
// an immediate re-download is served locally.
func (c *Cache) SendBlob(ctx context.Context, channelID int64, data []byte, caption string) (int64, error) {
	id, err := c.inner.SendBlob(ctx, channelID, data, caption)
	if err != nil {
		return 0, err
	}
	c.put(channelID, id, data)
	return id, nil
}

// FetchBlob serves from the cache when possible, otherwise fetches from
// the channel and fills the cache.
func (c *Cache) FetchBlob(ctx context.Context, channelID, messageID int64) ([]byte, error) {
	if data, ok := c.get(channelID, messageID); ok {
		return data, nil
	}
	data, err := c.inner.FetchBlob(ctx, channelID, messageID)
	if err != nil {
		return nil, err
	}
	c.put(channelID, messageID, data)
	return data, nil
}

// DeleteBlobs deletes remotely and evicts the local copies.
func (c *Cache) DeleteBlobs(ctx context.Context, channelID int64, messageIDs []int64) error {
	if err := c.inner.DeleteBlobs(ctx, channelID, messageIDs); err != nil {
		return err
	}
	c.evict(channelID, messageIDs)
	return nil
}

func (c *Cache) SearchByCaption(ctx context.Context, channelID int64, substring string, limit int) ([]remote.Message, error) {
	return c.inner.SearchByCaption(ctx, channelID, substring, limit)
}

func (c *Cache) EnsureChannel(ctx context.Context, identity string) (int64, error) {
	return c.inner.EnsureChannel(ctx, identity)
}

var _ remote.Channel = (*Cache)(nil)
