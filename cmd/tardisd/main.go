// Command tardisd is the backup server daemon: it listens for client
// connections, negotiates the wire encoding/compression, and runs one
// session.Session per connection against a per-client metadata database
// and blob store rooted under flag-configured directories. Grounded on the
// teacher's cmd/dirserver and cmd/storeserver daemons (flag-configured
// net.Listen loop, one goroutine per accepted connection) with command
// dispatch via github.com/spf13/cobra the way
// kgiusti-go-fdo-server/cmd/root.go structures its server subcommands.
//
// Argument parsing, daemonization, and signal wiring are themselves out of
// this module's specified scope (spec §1); this file is the thin, largely
// unspecified shim that assembles the in-scope packages into a runnable
// process.
package main

import (
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"tardis.dev/config"
	"tardis.dev/log"
	"tardis.dev/metadb"
	"tardis.dev/session"
	"tardis.dev/store"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

var (
	flagListen    string
	flagStoreRoot string
	flagDBDir     string
	flagConfig    string
	flagLogLevel  string
	flagAuditLog  string
)

var rootCmd = &cobra.Command{
	Use:   "tardisd",
	Short: "Run the tardis backup server daemon",
	RunE:  runServe,
}

func init() {
	def := config.Default()
	rootCmd.Flags().StringVar(&flagListen, "listen", def.ListenAddr, "address to listen on")
	rootCmd.Flags().StringVar(&flagStoreRoot, "store", "/var/tardis/store", "blob store root directory")
	rootCmd.Flags().StringVar(&flagDBDir, "dbdir", "/var/tardis/db", "metadata database root directory")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "optional YAML config file overriding defaults")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", def.LogLevel, "debug, info, or error")
	rootCmd.Flags().StringVar(&flagAuditLog, "audit-log", "", "optional path to append a JSON-lines audit trail of logged events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		b, err := os.ReadFile(flagConfig)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	cfg.StoreRoot = flagStoreRoot
	cfg.DBDir = flagDBDir
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if flagAuditLog != "" {
		f, err := os.OpenFile(flagAuditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		log.Register(log.NewJSONAuditLogger(f))
	}

	srv := &session.Server{
		Defaults: cfg,
		OpenDB: func(client tardis.ClientName) (*metadb.DB, error) {
			dir := filepath.Join(cfg.DBDir, string(client))
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, err
			}
			return metadb.Open(filepath.Join(dir, string(client)+".db"), client)
		},
		OpenStore: func(client tardis.ClientName) (*store.Store, error) {
			return store.New(filepath.Join(cfg.StoreRoot, string(client)))
		},
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info.Printf("tardisd: listening on %s (store=%s db=%s)", cfg.ListenAddr, cfg.StoreRoot, cfg.DBDir)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error.Printf("tardisd: accept: %v", err)
			continue
		}
		go serveConn(srv, conn)
	}
}

// serveConn negotiates the framing, then runs one Session to completion.
// The server prefers msgp for compactness and falls back to whatever the
// client offers; every compression mode is accepted in the client's
// preference order.
func serveConn(srv *session.Server, nc net.Conn) {
	defer nc.Close()
	c, err := wire.ServerHandshake(nc,
		[]wire.Encoding{wire.EncodingMSGP, wire.EncodingBSON, wire.EncodingJSON},
		[]wire.Compression{wire.CompressionZlibStream, wire.CompressionZlib, wire.CompressionSnappy, wire.CompressionNone},
	)
	if err != nil {
		log.Error.Printf("tardisd: handshake from %s: %v", nc.RemoteAddr(), err)
		return
	}
	sess := session.New(srv, c)
	if err := sess.Run(); err != nil {
		log.Error.Printf("tardisd: session from %s: %v", nc.RemoteAddr(), err)
	}
}
