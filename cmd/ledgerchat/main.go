// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// ledgerchat is a single-node command line client for ledger-backed
// encrypted channels.  It keeps the message log and attachment blobs in a
// local boltdb ledger and resolves channel keys through a decryption
// oracle reachable over a unix socket; the oracle subcommand serves one.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/ledgerchat/ledgerchat/client"
	"github.com/ledgerchat/ledgerchat/client/config"
	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/log"
	"github.com/ledgerchat/ledgerchat/msglog"
	"github.com/ledgerchat/ledgerchat/msglog/boltlog"
	"github.com/ledgerchat/ledgerchat/oracle"
	"github.com/ledgerchat/ledgerchat/oracle/memoracle"
)

type cliFlags struct {
	configFile string

	channelID string
	actorID   string
	capID     string

	text    string
	attach  []string
	limit   uint32
	forward bool
	cursor  int64

	kekFile string
	grants  []string
}

func main() {
	flags := new(cliFlags)

	rootCmd := &cobra.Command{
		Use:          "ledgerchat",
		Short:        "ledger-backed encrypted channel client",
		Version:      versioninfo.Short(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "path to the client configuration file (TOML format)")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(newOracleCommand(flags))
	rootCmd.AddCommand(newRotateCommand(flags))
	rootCmd.AddCommand(newSendCommand(flags))
	rootCmd.AddCommand(newReadCommand(flags))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func channelFlags(cmd *cobra.Command, flags *cliFlags) {
	cmd.Flags().StringVar(&flags.channelID, "channel", "", "channel identifier")
	cmd.Flags().StringVar(&flags.actorID, "actor", "", "acting identity")
	cmd.Flags().StringVar(&flags.capID, "cap", "", "capability identifier held by the actor")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("actor")
	cmd.MarkFlagRequired("cap")
}

func newOracleCommand(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oracle",
		Short: "serve a local decryption oracle on the configured socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOracle(flags)
		},
	}
	cmd.Flags().StringVar(&flags.kekFile, "kek", "", "path to the key-encryption key file, created if absent")
	cmd.Flags().StringArrayVar(&flags.grants, "grant", nil, "capability grant as capID=channelID, repeatable")
	cmd.MarkFlagRequired("kek")
	return cmd
}

func newRotateCommand(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "install a fresh channel key at the next version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(flags)
		},
	}
	channelFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.kekFile, "kek", "", "path to the oracle's key-encryption key file")
	cmd.MarkFlagRequired("kek")
	return cmd
}

func newSendCommand(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "encrypt and append a message to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(flags)
		},
	}
	channelFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.text, "text", "", "message text")
	cmd.Flags().StringArrayVar(&flags.attach, "attach", nil, "file to attach, repeatable")
	cmd.MarkFlagRequired("text")
	return cmd
}

func newReadCommand(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "fetch and decrypt a page of a channel's message log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(flags)
		},
	}
	channelFlags(cmd, flags)
	cmd.Flags().Uint32Var(&flags.limit, "limit", 0, "page size, 0 selects the default")
	cmd.Flags().BoolVar(&flags.forward, "forward", false, "page oldest-first instead of newest-first")
	cmd.Flags().Int64Var(&flags.cursor, "cursor", -1, "cursor from a previous page, -1 starts a traversal")
	return cmd
}

func loadKEK(f string) ([]byte, error) {
	kek, err := os.ReadFile(f)
	if os.IsNotExist(err) {
		kek = make([]byte, memoracle.KEKSize)
		if _, err := io.ReadFull(rand.Reader, kek); err != nil {
			return nil, err
		}
		return kek, os.WriteFile(f, kek, 0600)
	}
	if err != nil {
		return nil, err
	}
	if len(kek) != memoracle.KEKSize {
		return nil, fmt.Errorf("%s: expected a %d byte key-encryption key", f, memoracle.KEKSize)
	}
	return kek, nil
}

func runOracle(flags *cliFlags) error {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}

	kek, err := loadKEK(flags.kekFile)
	if err != nil {
		return err
	}
	o, err := memoracle.NewWithKEK(kek)
	if err != nil {
		return err
	}
	for _, g := range flags.grants {
		capID, channelID, ok := strings.Cut(g, "=")
		if !ok {
			return fmt.Errorf("malformed grant %q, want capID=channelID", g)
		}
		o.Grant(capID, channelID)
	}

	srv, err := memoracle.NewServer(o, cfg.Oracle.SocketPath, logBackend)
	if err != nil {
		return err
	}
	defer srv.Halt()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	return nil
}

// cliEnv is the assembled client stack shared by the channel subcommands.
type cliEnv struct {
	client *client.Client
	ledger *boltlog.BoltLog
	oracle *oracle.SocketClient
}

func newEnv(flags *cliFlags) (*cliEnv, error) {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return nil, err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	ledger, err := boltlog.New(cfg.Store.File)
	if err != nil {
		return nil, err
	}
	oc, err := oracle.DialSocket(cfg.Oracle.SocketPath, logBackend)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	c, err := client.New(&client.Config{
		LogBackend: logBackend,
		Ledger:     ledger,
		Oracle:     oc,
		// The capability is supplied on the command line; membership
		// lookups against a real ledger slot in here.
		Resolver: client.ResolverFunc(func(ctx context.Context, actorID, channelID string) (string, error) {
			return flags.capID, nil
		}),
		// Local rotations are accepted as-is; the oracle is what
		// actually refuses an unauthorized capability.
		Auth:            permissiveChecker{},
		CacheMaxEntries: cfg.Cache.MaxEntries,
		CacheTTL:        time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	if err != nil {
		ledger.Close()
		oc.Halt()
		return nil, err
	}

	env := &cliEnv{client: c, ledger: ledger, oracle: oc}
	if err := env.loadKeyring(flags.channelID, keyring.Capability(flags.capID)); err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (e *cliEnv) close() {
	e.oracle.Halt()
	e.ledger.Close()
}

type permissiveChecker struct{}

func (permissiveChecker) Check(keyring.Capability, keyring.Permission) bool { return true }

// keyringKey is the object store slot holding a channel's wrapped key
// rotation log.
func keyringKey(channelID string) msglog.StorageKey {
	return msglog.BlobKey([]byte("keyring/" + channelID))
}

// loadKeyring replays the channel's persisted rotation log into the
// client's in-memory keyring.
func (e *cliEnv) loadKeyring(channelID string, cap keyring.Capability) error {
	blob, err := e.ledger.Get(context.Background(), keyringKey(channelID))
	if err != nil {
		if errors.Is(err, msglog.ErrNotFound) {
			return nil
		}
		return err
	}
	var keys []keyring.WrappedKey
	if err := cbor.Unmarshal(blob, &keys); err != nil {
		return fmt.Errorf("keyring for %s is malformed: %v", channelID, err)
	}
	for _, k := range keys {
		if err := e.client.RotateKey(channelID, k, cap); err != nil {
			return err
		}
	}
	return nil
}

func (e *cliEnv) saveKeyring(channelID string) error {
	blob, err := cbor.Marshal(e.client.Channel(channelID).Keyring().Snapshot())
	if err != nil {
		return err
	}
	return e.ledger.Put(context.Background(), keyringKey(channelID), blob)
}

func runRotate(flags *cliFlags) error {
	env, err := newEnv(flags)
	if err != nil {
		return err
	}
	defer env.close()

	kek, err := loadKEK(flags.kekFile)
	if err != nil {
		return err
	}
	wrapper, err := memoracle.NewWithKEK(kek)
	if err != nil {
		return err
	}

	version := env.client.Channel(flags.channelID).Keyring().LatestVersion() + 1
	wrapped, err := wrapper.NewChannelKey(flags.channelID, version)
	if err != nil {
		return err
	}
	if err := env.client.RotateKey(flags.channelID, wrapped, keyring.Capability(flags.capID)); err != nil {
		return err
	}
	if err := env.saveKeyring(flags.channelID); err != nil {
		return err
	}
	fmt.Printf("channel %s now at key version %d\n", flags.channelID, version)
	return nil
}

func runSend(flags *cliFlags) error {
	env, err := newEnv(flags)
	if err != nil {
		return err
	}
	defer env.close()

	msg := envelope.Message{Text: flags.text}
	for _, f := range flags.attach {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, envelope.File{
			Metadata: envelope.AttachmentMetadata{
				FileName: filepath.Base(f),
				MimeType: mime.TypeByExtension(filepath.Ext(f)),
				FileSize: uint64(len(data)),
			},
			Data: data,
		})
	}

	entry, err := env.client.SendMessage(context.Background(), flags.channelID, flags.actorID, msg)
	if err != nil {
		return err
	}
	fmt.Printf("appended entry %d to %s\n", entry.Index, flags.channelID)
	return nil
}

func runRead(flags *cliFlags) error {
	env, err := newEnv(flags)
	if err != nil {
		return err
	}
	defer env.close()

	req := msglog.PageRequest{Limit: flags.limit}
	if flags.forward {
		req.Direction = msglog.Forward
	}
	if flags.cursor >= 0 {
		c := uint64(flags.cursor)
		req.Cursor = &c
	}

	page, err := env.client.Messages(context.Background(), flags.channelID, flags.actorID, req)
	if err != nil {
		return err
	}
	for _, m := range page.Messages {
		if m.Err != nil {
			fmt.Printf("%6d  %s  <undecryptable: %v>\n", m.Index, m.Sender, m.Err)
			continue
		}
		fmt.Printf("%6d  %s  %s\n", m.Index, m.Sender, m.Text)
		for _, a := range m.Attachments {
			if a.Err != nil {
				fmt.Printf("        [attachment: <undecryptable: %v>]\n", a.Err)
				continue
			}
			fmt.Printf("        [attachment: %s, %d bytes]\n", a.Metadata.FileName, a.Metadata.FileSize)
		}
	}
	if page.Cursor != nil {
		fmt.Printf("next page: --cursor %d\n", *page.Cursor)
	}
	return nil
}
