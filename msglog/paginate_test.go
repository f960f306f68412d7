// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package msglog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerchat/ledgerchat/envelope"
)

func cursor(v uint64) *uint64 { return &v }

func TestComputeRangeBackwardWalk(t *testing.T) {
	// totalCount = 7, limit = 3, newest-first traversal.
	start, end, next, hasNext, err := computeRange(7, PageRequest{Limit: 3, Direction: Backward})
	require.NoError(t, err)
	require.Equal(t, uint64(4), start)
	require.Equal(t, uint64(7), end)
	require.Equal(t, cursor(4), next)
	require.True(t, hasNext)

	start, end, next, hasNext, err = computeRange(7, PageRequest{Cursor: cursor(4), Limit: 3, Direction: Backward})
	require.NoError(t, err)
	require.Equal(t, uint64(1), start)
	require.Equal(t, uint64(4), end)
	require.Equal(t, cursor(1), next)
	require.True(t, hasNext)

	start, end, next, hasNext, err = computeRange(7, PageRequest{Cursor: cursor(1), Limit: 3, Direction: Backward})
	require.NoError(t, err)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(1), end)
	require.Nil(t, next)
	require.False(t, hasNext)
}

func TestComputeRangeForwardWalk(t *testing.T) {
	start, end, next, hasNext, err := computeRange(7, PageRequest{Limit: 3, Direction: Forward})
	require.NoError(t, err)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(3), end)
	require.Equal(t, cursor(2), next)
	require.True(t, hasNext)

	start, end, next, hasNext, err = computeRange(7, PageRequest{Cursor: cursor(2), Limit: 3, Direction: Forward})
	require.NoError(t, err)
	require.Equal(t, uint64(3), start)
	require.Equal(t, uint64(6), end)
	require.Equal(t, cursor(5), next)
	require.True(t, hasNext)

	start, end, next, hasNext, err = computeRange(7, PageRequest{Cursor: cursor(5), Limit: 3, Direction: Forward})
	require.NoError(t, err)
	require.Equal(t, uint64(6), start)
	require.Equal(t, uint64(7), end)
	require.Nil(t, next)
	require.False(t, hasNext)
}

func TestComputeRangeBoundaries(t *testing.T) {
	testCases := []struct {
		name       string
		totalCount uint64
		req        PageRequest
		start, end uint64
		next       *uint64
		hasNext    bool
		err        error
	}{
		{
			name:       "empty log backward",
			totalCount: 0,
			req:        PageRequest{Limit: 10, Direction: Backward},
		},
		{
			name:       "empty log forward",
			totalCount: 0,
			req:        PageRequest{Limit: 10, Direction: Forward},
		},
		{
			name:       "backward cursor at zero",
			totalCount: 5,
			req:        PageRequest{Cursor: cursor(0), Limit: 10, Direction: Backward},
		},
		{
			name:       "forward cursor at last index",
			totalCount: 5,
			req:        PageRequest{Cursor: cursor(4), Limit: 10, Direction: Forward},
			start:      5, end: 5,
		},
		{
			name:       "cursor equal to total count is legal",
			totalCount: 5,
			req:        PageRequest{Cursor: cursor(5), Limit: 2, Direction: Backward},
			start:      3, end: 5,
			next:    cursor(3),
			hasNext: true,
		},
		{
			name:       "backward cursor out of bounds",
			totalCount: 5,
			req:        PageRequest{Cursor: cursor(10), Limit: 3, Direction: Backward},
			err:        ErrCursorOutOfBounds,
		},
		{
			name:       "forward cursor out of bounds",
			totalCount: 5,
			req:        PageRequest{Cursor: cursor(10), Limit: 3, Direction: Forward},
			err:        ErrCursorOutOfBounds,
		},
		{
			name:       "limit larger than log backward",
			totalCount: 4,
			req:        PageRequest{Limit: 100, Direction: Backward},
			start:      0, end: 4,
		},
		{
			name:       "limit larger than log forward",
			totalCount: 4,
			req:        PageRequest{Limit: 100, Direction: Forward},
			start:      0, end: 4,
		},
		{
			name:       "zero limit selects default",
			totalCount: 200,
			req:        PageRequest{Direction: Forward},
			start:      0, end: DefaultLimit,
			next:    cursor(DefaultLimit - 1),
			hasNext: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, next, hasNext, err := computeRange(tc.totalCount, tc.req)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.start, start)
			require.Equal(t, tc.end, end)
			require.Equal(t, tc.next, next)
			require.Equal(t, tc.hasNext, hasNext)
		})
	}
}

// memLedger is a minimal in-memory ledger for paginator tests.
type memLedger struct {
	counts  map[string]uint64
	objects map[StorageKey][]byte
}

func newMemLedger() *memLedger {
	return &memLedger{
		counts:  make(map[string]uint64),
		objects: make(map[StorageKey][]byte),
	}
}

func (m *memLedger) TotalCount(ctx context.Context, logID string) (uint64, error) {
	return m.counts[logID], nil
}

func (m *memLedger) Get(ctx context.Context, key StorageKey) ([]byte, error) {
	blob, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (m *memLedger) Put(ctx context.Context, key StorageKey, blob []byte) error {
	m.objects[key] = blob
	return nil
}

func (m *memLedger) Append(ctx context.Context, logID string, entry *Entry) (uint64, error) {
	index := m.counts[logID]
	entry.Index = index
	blob, err := entry.Marshal()
	if err != nil {
		return 0, err
	}
	m.objects[DefaultKeyDeriver(logID, index)] = blob
	m.counts[logID] = index + 1
	return index, nil
}

func appendEntries(t *testing.T, ledger *memLedger, logID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := ledger.Append(context.Background(), logID, &Entry{
			Sender:     "alice",
			KeyVersion: 1,
			Text:       envelope.EncryptedPayload{Ciphertext: []byte{byte(i)}, Nonce: make([]byte, envelope.NonceSize)},
			SentAt:     time.Unix(int64(1700000000+i), 0).UTC(),
		})
		require.NoError(t, err)
	}
}

func TestFetchPageBackward(t *testing.T) {
	ledger := newMemLedger()
	appendEntries(t, ledger, "log-1", 7)
	p := NewPaginator(ledger, ledger, nil)

	var indices []uint64
	req := PageRequest{Limit: 3, Direction: Backward}
	for {
		page, err := p.FetchPage(context.Background(), "log-1", req)
		require.NoError(t, err)
		for _, e := range page.Entries {
			indices = append(indices, e.Index)
		}
		if !page.HasNextPage {
			require.Nil(t, page.Cursor)
			break
		}
		require.NotNil(t, page.Cursor)
		req.Cursor = page.Cursor
	}
	require.Equal(t, []uint64{4, 5, 6, 1, 2, 3, 0}, indices)
}

func TestFetchPageForward(t *testing.T) {
	ledger := newMemLedger()
	appendEntries(t, ledger, "log-1", 7)
	p := NewPaginator(ledger, ledger, nil)

	var indices []uint64
	req := PageRequest{Limit: 3, Direction: Forward}
	for {
		page, err := p.FetchPage(context.Background(), "log-1", req)
		require.NoError(t, err)
		for _, e := range page.Entries {
			indices = append(indices, e.Index)
		}
		if !page.HasNextPage {
			break
		}
		req.Cursor = page.Cursor
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6}, indices)
}

func TestFetchPageEmptyLog(t *testing.T) {
	ledger := newMemLedger()
	p := NewPaginator(ledger, ledger, nil)

	for _, dir := range []Direction{Backward, Forward} {
		page, err := p.FetchPage(context.Background(), "log-1", PageRequest{Limit: 3, Direction: dir})
		require.NoError(t, err, dir.String())
		require.Empty(t, page.Entries)
		require.Nil(t, page.Cursor)
		require.False(t, page.HasNextPage)
	}
}

func TestFetchPageCursorOutOfBounds(t *testing.T) {
	ledger := newMemLedger()
	appendEntries(t, ledger, "log-1", 5)
	p := NewPaginator(ledger, ledger, nil)

	for _, dir := range []Direction{Backward, Forward} {
		_, err := p.FetchPage(context.Background(), "log-1", PageRequest{Cursor: cursor(10), Limit: 3, Direction: dir})
		require.ErrorIs(t, err, ErrCursorOutOfBounds, dir.String())
	}
}

func TestFetchPageDetectsIndexMismatch(t *testing.T) {
	ledger := newMemLedger()
	appendEntries(t, ledger, "log-1", 2)

	// File an entry claiming the wrong index under index 1's storage key.
	bogus := &Entry{Index: 7, Sender: "mallory", KeyVersion: 1}
	blob, err := bogus.Marshal()
	require.NoError(t, err)
	ledger.objects[DefaultKeyDeriver("log-1", 1)] = blob

	p := NewPaginator(ledger, ledger, nil)
	_, err = p.FetchPage(context.Background(), "log-1", PageRequest{Limit: 10, Direction: Forward})
	require.Error(t, err)
	require.Contains(t, err.Error(), "claims index")
}

func TestDefaultKeyDeriverIsStable(t *testing.T) {
	require.Equal(t, DefaultKeyDeriver("log-1", 4), DefaultKeyDeriver("log-1", 4))
	require.NotEqual(t, DefaultKeyDeriver("log-1", 4), DefaultKeyDeriver("log-1", 5))
	require.NotEqual(t, DefaultKeyDeriver("log-1", 4), DefaultKeyDeriver("log-2", 4))
}
