// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Logging]
Level = "debug"

[Oracle]
SocketPath = "/var/run/ledgerchat/oracle.sock"

[Store]
File = "/var/lib/ledgerchat/ledger.db"
`

func TestLoadConfig(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "/var/run/ledgerchat/oracle.sock", cfg.Oracle.SocketPath)
	require.Equal(t, "/var/lib/ledgerchat/ledger.db", cfg.Store.File)

	// Omitted sections pick up defaults.
	require.Equal(t, defaultCacheMaxEntries, cfg.Cache.MaxEntries)
	require.Equal(t, defaultCacheTTLSeconds, cfg.Cache.TTLSeconds)
}

func TestLoadConfigValidation(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{
			name: "missing oracle block",
			body: "[Store]\nFile = \"/tmp/ledger.db\"\n",
		},
		{
			name: "missing store block",
			body: "[Oracle]\nSocketPath = \"/tmp/oracle.sock\"\n",
		},
		{
			name: "bad log level",
			body: "[Logging]\nLevel = \"LOUD\"\n\n[Oracle]\nSocketPath = \"/tmp/oracle.sock\"\n\n[Store]\nFile = \"/tmp/ledger.db\"\n",
		},
		{
			name: "negative cache bound",
			body: "[Cache]\nMaxEntries = -1\n\n[Oracle]\nSocketPath = \"/tmp/oracle.sock\"\n\n[Store]\nFile = \"/tmp/ledger.db\"\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(f, []byte(basicConfig), 0600))

	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ledgerchat/ledger.db", cfg.Store.File)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
