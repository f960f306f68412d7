// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client ties the ledgerchat core together: channel keyrings, the
// envelope encryption scheme, the capability cache, the decryption oracle
// client and the message log paginator.
//
// The ledger itself (transaction submission, signing, blob upload) stays
// behind the Ledger and CapabilityResolver interfaces.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/ledgerchat/ledgerchat/capcache"
	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/log"
	"github.com/ledgerchat/ledgerchat/msglog"
	"github.com/ledgerchat/ledgerchat/oracle"
)

// Ledger is the external append-only ledger boundary the client reads and
// writes through.
type Ledger interface {
	msglog.Log
	msglog.Appender
	msglog.ObjectStore
}

// CapabilityResolver looks up the capability identifier the ledger holds
// for (actorID, channelID).  Results land in the capability cache; the
// resolver is only consulted on a miss.
type CapabilityResolver interface {
	ResolveCapability(ctx context.Context, actorID, channelID string) (string, error)
}

// ResolverFunc adapts a function to the CapabilityResolver interface.
type ResolverFunc func(ctx context.Context, actorID, channelID string) (string, error)

// ResolveCapability implements CapabilityResolver.
func (f ResolverFunc) ResolveCapability(ctx context.Context, actorID, channelID string) (string, error) {
	return f(ctx, actorID, channelID)
}

// Config is the client constructor configuration.
type Config struct {
	// LogBackend is the logging backend to use.
	LogBackend *log.Backend

	// Ledger is the message log and object store boundary.
	Ledger Ledger

	// Oracle is the decryption oracle client.
	Oracle oracle.Client

	// Resolver resolves capability identifiers on cache misses.
	Resolver CapabilityResolver

	// Auth verifies capabilities for gated operations such as key
	// rotation.
	Auth keyring.AuthorizationChecker

	// KeyDeriver overrides the entry storage key derivation.  Nil selects
	// msglog.DefaultKeyDeriver.
	KeyDeriver msglog.KeyDeriver

	// CacheMaxEntries and CacheTTL bound the capability cache;
	// non-positive values select the capcache defaults.
	CacheMaxEntries int
	CacheTTL        time.Duration
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return errors.New("client: no logging backend")
	}
	if cfg.Ledger == nil {
		return errors.New("client: no ledger")
	}
	if cfg.Oracle == nil {
		return errors.New("client: no oracle client")
	}
	if cfg.Resolver == nil {
		return errors.New("client: no capability resolver")
	}
	if cfg.Auth == nil {
		return errors.New("client: no authorization checker")
	}
	return nil
}

// Client is a ledgerchat client.
type Client struct {
	cfg *Config
	log *logging.Logger

	scheme    *envelope.Scheme
	caps      *capcache.Cache
	paginator *msglog.Paginator

	channelsLock sync.Mutex
	channels     map[string]*Channel
}

// Channel is the client-side state of one secure channel: its identifier
// and the keyring holding the rotation history of its wrapped keys.
type Channel struct {
	ID string

	keyring *keyring.Keyring
}

// Keyring returns the channel's keyring.
func (ch *Channel) Keyring() *keyring.Keyring {
	return ch.keyring
}

// New constructs a Client from the configuration.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		log:       cfg.LogBackend.GetLogger("client"),
		scheme:    envelope.NewScheme(),
		caps:      capcache.New(cfg.CacheMaxEntries, cfg.CacheTTL),
		paginator: msglog.NewPaginator(cfg.Ledger, cfg.Ledger, cfg.KeyDeriver),
		channels:  make(map[string]*Channel),
	}, nil
}

// Channel returns the channel state for channelID, creating it with an
// empty keyring on first use.
func (c *Client) Channel(channelID string) *Channel {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	ch, ok := c.channels[channelID]
	if !ok {
		ch = &Channel{ID: channelID, keyring: keyring.New()}
		c.channels[channelID] = ch
	}
	return ch
}

// RotateKey installs a new wrapped key for the channel.  The capability
// must carry the rotate permission.  History stays intact: entries
// encrypted under earlier versions remain decryptable and nothing is
// re-encrypted.  Committing the new wrapped key to the ledger atomically
// with the rotation is the ledger writer's responsibility.
func (c *Client) RotateKey(channelID string, newKey keyring.WrappedKey, cap keyring.Capability) error {
	ch := c.Channel(channelID)
	if err := ch.keyring.Rotate(newKey, cap, c.cfg.Auth); err != nil {
		return err
	}
	c.log.Noticef("channel %s rotated to key version %d", channelID, ch.keyring.LatestVersion())
	return nil
}

// InvalidateActor drops every cached capability id for actorID.  Call it
// when the actor's membership changes anywhere.
func (c *Client) InvalidateActor(actorID string) {
	c.caps.InvalidateActor(actorID)
}

// InvalidateChannel drops every cached capability id for channelID.  Call
// it when the channel's membership changes.
func (c *Client) InvalidateChannel(channelID string) {
	c.caps.InvalidateChannel(channelID)
}

// capabilityID returns the capability id for (actorID, channelID), from
// the cache or the resolver.  The boolean reports a cache hit.
func (c *Client) capabilityID(ctx context.Context, actorID, channelID string) (string, bool, error) {
	if capID, ok := c.caps.Get(actorID, channelID); ok {
		capCacheHits.Inc()
		return capID, true, nil
	}
	capCacheMisses.Inc()

	capID, err := c.cfg.Resolver.ResolveCapability(ctx, actorID, channelID)
	if err != nil {
		return "", false, fmt.Errorf("client: capability resolution failed: %w", err)
	}
	c.caps.Put(actorID, channelID, capID)
	return capID, false, nil
}

// unwrapKey resolves the channel key at the given version through the
// oracle.  The caller owns the returned key and must Reset it when its
// operation completes.
//
// A cached capability id can be stale after an on-ledger revocation; when
// the oracle rejects one, the cache entry is dropped and the resolver
// consulted once for a fresh id.  A rejection of a fresh id is a real
// authorization failure and propagates.
func (c *Client) unwrapKey(ctx context.Context, actorID string, ch *Channel, version uint32) (*envelope.SymmetricKey, error) {
	wrapped, err := ch.keyring.Get(version)
	if err != nil {
		return nil, err
	}

	capID, cached, err := c.capabilityID(ctx, actorID, ch.ID)
	if err != nil {
		return nil, err
	}

	unwrapRequests.Inc()
	key, err := c.cfg.Oracle.Unwrap(ctx, wrapped, ch.ID, version, capID)
	if errors.Is(err, oracle.ErrCapabilityInvalid) && cached {
		c.log.Debugf("cached capability for (%s, %s) rejected, re-resolving", actorID, ch.ID)
		c.caps.InvalidateChannel(ch.ID)

		capID, _, err = c.capabilityID(ctx, actorID, ch.ID)
		if err != nil {
			return nil, err
		}
		unwrapRequests.Inc()
		key, err = c.cfg.Oracle.Unwrap(ctx, wrapped, ch.ID, version, capID)
	}
	if err != nil {
		unwrapFailures.Inc()
		return nil, err
	}
	return key, nil
}

// SendMessage encrypts msg for the channel under its latest key version,
// uploads attachment data blobs to the object store, and appends the
// entry to the channel's message log.
func (c *Client) SendMessage(ctx context.Context, channelID, sender string, msg envelope.Message) (*msglog.Entry, error) {
	ch := c.Channel(channelID)
	_, version, err := ch.keyring.Latest()
	if err != nil {
		return nil, err
	}

	key, err := c.unwrapKey(ctx, sender, ch, version)
	if err != nil {
		return nil, err
	}
	defer key.Reset()

	enc, err := c.scheme.EncryptMessage(ctx, msg, channelID, sender, key)
	if err != nil {
		return nil, err
	}

	refs := make([]msglog.AttachmentRef, 0, len(enc.Attachments))
	for _, a := range enc.Attachments {
		blob, err := cbor.Marshal(&a.Data)
		if err != nil {
			return nil, err
		}
		dataKey := msglog.BlobKey(blob)
		if err := c.cfg.Ledger.Put(ctx, dataKey, blob); err != nil {
			return nil, fmt.Errorf("client: attachment upload failed: %w", err)
		}
		refs = append(refs, msglog.AttachmentRef{Metadata: a.Metadata, DataKey: dataKey})
	}

	entry := &msglog.Entry{
		Sender:      sender,
		KeyVersion:  version,
		Text:        enc.Text,
		Attachments: refs,
		SentAt:      time.Now().UTC(),
	}
	index, err := c.cfg.Ledger.Append(ctx, channelID, entry)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("channel %s: appended entry %d (key version %d, %d attachments)", channelID, index, version, len(refs))
	return entry, nil
}
