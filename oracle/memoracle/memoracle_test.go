// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package memoracle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/log"
	"github.com/ledgerchat/ledgerchat/oracle"
)

func TestUnwrapRoundTrip(t *testing.T) {
	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")

	key := make([]byte, envelope.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	wrapped, err := o.WrapKey(key, "channel-1", 1)
	require.NoError(t, err)

	got, err := o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)
	require.Equal(t, key, got.Bytes)
	require.Equal(t, uint32(1), got.Version)
}

func TestUnwrapIdempotent(t *testing.T) {
	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")

	wrapped, err := o.NewChannelKey("channel-1", 1)
	require.NoError(t, err)

	one, err := o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)
	two, err := o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)
	require.Equal(t, one.Bytes, two.Bytes)
}

func TestUnwrapAuthorization(t *testing.T) {
	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")

	wrapped, err := o.NewChannelKey("channel-1", 1)
	require.NoError(t, err)

	_, err = o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-mallory")
	require.ErrorIs(t, err, oracle.ErrCapabilityInvalid)

	o.Revoke("cap-alice", "channel-1")
	_, err = o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.ErrorIs(t, err, oracle.ErrCapabilityInvalid)
}

func TestUnwrapBindsChannelAndVersion(t *testing.T) {
	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")
	o.Grant("cap-alice", "channel-2")

	wrapped, err := o.NewChannelKey("channel-1", 1)
	require.NoError(t, err)

	// A wrapped key lifted into another channel or version fails.
	_, err = o.Unwrap(context.Background(), wrapped, "channel-2", 1, "cap-alice")
	require.ErrorIs(t, err, ErrUnwrapFailed)
	_, err = o.Unwrap(context.Background(), wrapped, "channel-1", 2, "cap-alice")
	require.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestUnwrapMalformedWrappedKey(t *testing.T) {
	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")

	wrapped, err := o.NewChannelKey("channel-1", 1)
	require.NoError(t, err)

	short := wrapped
	short.Nonce = wrapped.Nonce[:5]
	_, err = o.Unwrap(context.Background(), short, "channel-1", 1, "cap-alice")
	require.ErrorIs(t, err, ErrUnwrapFailed)

	long := wrapped
	long.Nonce = append([]byte(nil), wrapped.Nonce...)
	long.Nonce = append(long.Nonce, 0)
	_, err = o.Unwrap(context.Background(), long, "channel-1", 1, "cap-alice")
	require.ErrorIs(t, err, ErrUnwrapFailed)

	oversize := wrapped
	oversize.KeyCiphertext = make([]byte, keyring.MaxWrappedKeySize+1)
	_, err = o.Unwrap(context.Background(), oversize, "channel-1", 1, "cap-alice")
	require.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestSocketClientAgainstServer(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	o, err := New()
	require.NoError(t, err)
	o.Grant("cap-alice", "channel-1")

	socketFile := filepath.Join(t.TempDir(), "oracle.sock")
	server, err := NewServer(o, socketFile, logBackend)
	require.NoError(t, err)
	defer server.Halt()

	client, err := oracle.DialSocket(socketFile, logBackend)
	require.NoError(t, err)
	defer client.Halt()

	wrapped, err := o.NewChannelKey("channel-1", 1)
	require.NoError(t, err)

	want, err := o.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)

	got, err := client.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)
	require.Equal(t, want.Bytes, got.Bytes)
	require.Equal(t, uint32(1), got.Version)

	_, err = client.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-mallory")
	require.ErrorIs(t, err, oracle.ErrCapabilityInvalid)

	// A malformed wrap nonce off the wire is rejected synchronously and
	// leaves the server serving the connection.
	mangled := wrapped
	mangled.Nonce = wrapped.Nonce[:5]
	_, err = client.Unwrap(context.Background(), mangled, "channel-1", 1, "cap-alice")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)

	got, err = client.Unwrap(context.Background(), wrapped, "channel-1", 1, "cap-alice")
	require.NoError(t, err)
	require.Equal(t, want.Bytes, got.Bytes)
}

func TestSocketClientConcurrentRequests(t *testing.T) {
	logBackend, err := log.New("", "ERROR", false)
	require.NoError(t, err)

	o, err := New()
	require.NoError(t, err)

	const channels = 8

	socketFile := filepath.Join(t.TempDir(), "oracle.sock")
	server, err := NewServer(o, socketFile, logBackend)
	require.NoError(t, err)
	defer server.Halt()

	client, err := oracle.DialSocket(socketFile, logBackend)
	require.NoError(t, err)
	defer client.Halt()

	var wg sync.WaitGroup
	for i := 0; i < channels; i++ {
		channelID := "channel-" + string(rune('a'+i))
		o.Grant("cap", channelID)
		wrapped, err := o.NewChannelKey(channelID, 1)
		require.NoError(t, err)
		want, err := o.Unwrap(context.Background(), wrapped, channelID, 1, "cap")
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := client.Unwrap(context.Background(), wrapped, channelID, 1, "cap")
			if err != nil {
				t.Error(err)
				return
			}
			if string(got.Bytes) != string(want.Bytes) {
				t.Errorf("key mismatch for %s", channelID)
			}
		}()
	}
	wg.Wait()
}
