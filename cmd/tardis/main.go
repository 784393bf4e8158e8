// Command tardis is the backup client: it dials a tardisd server,
// negotiates the wire encoding, runs the BACKUP/NEEDKEYS/AUTH handshake
// (C1's SRP transcript and crypto envelope), and drives a walker.Walker
// over a local directory tree. Grounded on the teacher's cmd/upspin
// dispatcher (flags assembled into a config before the real work starts)
// generalized to this protocol's own handshake instead of
// upspin.io/config's key-server dial.
//
// Argument parsing, config-file loading, and logging setup are themselves
// out of this module's specified scope (spec §1); this file is the thin
// shim that assembles the in-scope packages (wire, crypto, walker) into a
// runnable backup run.
package main

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tardis.dev/config"
	"tardis.dev/crypto"
	"tardis.dev/tardis"
	"tardis.dev/walker"
	"tardis.dev/wire"
)

var (
	flagServer   string
	flagClient   string
	flagRoot     string
	flagPassword string
	flagFull     bool
	flagForce    bool
	flagCreate   bool
	flagSetName  string
	flagPriority int
	flagCompress bool
)

var rootCmd = &cobra.Command{
	Use:   "tardis",
	Short: "Back up a local directory tree to a tardis server",
	RunE:  runBackup,
}

func init() {
	def := config.Default()
	rootCmd.Flags().StringVar(&flagServer, "server", "localhost"+def.ListenAddr, "tardisd address")
	rootCmd.Flags().StringVar(&flagClient, "client", "", "client name (required)")
	rootCmd.Flags().StringVar(&flagRoot, "root", ".", "directory tree to back up")
	rootCmd.Flags().StringVar(&flagPassword, "password", "", "client password (prompted if omitted and the server requires one)")
	rootCmd.Flags().BoolVar(&flagFull, "full", false, "force a full backup (no deltas)")
	rootCmd.Flags().BoolVar(&flagForce, "force", false, "start even if a previous session is still tracked as live")
	rootCmd.Flags().BoolVar(&flagCreate, "create", false, "create the client database on the server if absent")
	rootCmd.Flags().StringVar(&flagSetName, "name", "", "explicit backup set name (default: server auto-name)")
	rootCmd.Flags().IntVar(&flagPriority, "priority", 1, "backup set priority, used by purge policy")
	rootCmd.Flags().BoolVar(&flagCompress, "compress", def.CompressBlobs, "zlib-compress file content before encryption when it shrinks")
	rootCmd.MarkFlagRequired("client")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBackup(cmd *cobra.Command, args []string) error {
	nc, err := net.Dial("tcp", flagServer)
	if err != nil {
		return err
	}
	defer nc.Close()

	conn, err := wire.DialHandshake(nc,
		[]wire.Encoding{wire.EncodingMSGP, wire.EncodingBSON, wire.EncodingJSON},
		[]wire.Compression{wire.CompressionZlibStream, wire.CompressionZlib, wire.CompressionSnappy, wire.CompressionNone},
	)
	if err != nil {
		return err
	}

	if err := conn.Send(wire.NewMessage("BACKUP", wire.Message{
		"host":     flagClient,
		"time":     time.Now().Unix(),
		"version":  "tardis",
		"autoname": flagSetName == "",
		"name":     flagSetName,
		"full":     flagFull,
		"priority": flagPriority,
		"force":    flagForce,
		"create":   flagCreate,
	})); err != nil {
		return err
	}
	reply, err := conn.Recv()
	if err != nil {
		return err
	}

	env, reply, err := negotiateKeys(conn, reply)
	if err != nil {
		return err
	}
	if reply.Tag() != "INIT" {
		return fmt.Errorf("backup init failed: %v", reply[wire.FieldError])
	}

	def := config.Default()
	w := walker.New(conn, env, walker.Options{
		Root:            flagRoot,
		CompressBlobs:   flagCompress,
		CompressMinSize: def.CompressMinSize,
	})
	if err := w.Walk(); err != nil {
		return err
	}
	if err := conn.Send(wire.NewMessage("DONE", nil)); err != nil {
		return err
	}
	if _, err := conn.Recv(); err != nil {
		return err
	}
	fmt.Printf("backup complete: %d dirs, %d files, %d cloned, %d bytes queued\n",
		w.Stats.DirsWalked, w.Stats.FilesSeen, w.Stats.DirsCloned, w.Stats.BytesQueued)
	return nil
}

// negotiateKeys drives the NeedKeys/SETKEYS and AUTH1/AUTH2 branches of
// the BACKUP transition (spec §4.6), returning the crypto envelope and the
// final INIT reply.
func negotiateKeys(conn *wire.Conn, reply wire.Message) (*crypto.Envelope, wire.Message, error) {
	if reply.Tag() != "NEEDKEYS" {
		env, err := crypto.NewEnvelope(tardis.SchemePlain, nil, nil, nil)
		return env, reply, err
	}

	password := flagPassword
	if password == "" {
		var err error
		password, err = promptPassword()
		if err != nil {
			return nil, nil, err
		}
	}
	scheme := tardis.Scheme(int64Field(reply, "scheme"))

	var preset *crypto.Envelope
	if flagCreate {
		e, err := sendSetKeys(conn, scheme, password)
		if err != nil {
			return nil, nil, err
		}
		preset = e
	}

	finalReply, wfk, wck, err := runSRPAuth(conn, password)
	if err != nil {
		return nil, nil, err
	}

	if preset != nil {
		return preset, finalReply, nil
	}

	master, err := crypto.DeriveMasterKey(scheme, password, tardis.ClientName(flagClient))
	if err != nil {
		return nil, nil, err
	}
	unwrapEnv, err := crypto.NewEnvelope(scheme, master, wfk, wck)
	if err != nil {
		return nil, nil, err
	}
	filenameKey, err := unwrapEnv.UnwrapKey(wfk)
	if err != nil {
		return nil, nil, err
	}
	contentKey, err := unwrapEnv.UnwrapKey(wck)
	if err != nil {
		return nil, nil, err
	}
	env, err := crypto.NewEnvelope(scheme, master, filenameKey, contentKey)
	if err != nil {
		return nil, nil, err
	}
	return env, finalReply, nil
}

// sendSetKeys generates fresh working keys client-side, wraps them under
// the password-derived master key, and issues SETKEYS to persist them and
// the SRP verifier on a brand-new client database (spec §4.6's Create
// branch).
func sendSetKeys(conn *wire.Conn, scheme tardis.Scheme, password string) (*crypto.Envelope, error) {
	master, err := crypto.DeriveMasterKey(scheme, password, tardis.ClientName(flagClient))
	if err != nil {
		return nil, err
	}
	filenameKey, contentKey, err := crypto.GenerateWorkingKeys(rand.Reader, 32)
	if err != nil {
		return nil, err
	}
	env, err := crypto.NewEnvelope(scheme, master, filenameKey, contentKey)
	if err != nil {
		return nil, err
	}
	wrappedFkey, err := env.WrapKey(filenameKey)
	if err != nil {
		return nil, err
	}
	wrappedCkey, err := env.WrapKey(contentKey)
	if err != nil {
		return nil, err
	}
	v, err := crypto.NewSRPVerifier(tardis.ClientName(flagClient), password)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(wire.NewMessage("SETKEYS", wire.Message{
		"cryptoScheme": int64(scheme),
		"fkey":         string(wrappedFkey),
		"ckey":         string(wrappedCkey),
		"salt":         string(v.Salt),
		"vkey":         string(v.Verifier),
	})); err != nil {
		return nil, err
	}
	if _, err := conn.Recv(); err != nil {
		return nil, err
	}
	return env, nil
}

// runSRPAuth runs the client side of the AUTH1/AUTH2 transcript (spec
// §4.1) and returns the final INIT reply plus the wrapped filename/content
// keys the server hands back in it.
func runSRPAuth(conn *wire.Conn, password string) (final wire.Message, wfk, wck []byte, err error) {
	srpClient, aPub, err := crypto.NewSRPClient(tardis.ClientName(flagClient), password)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := conn.Send(wire.NewMessage("AUTH1", wire.Message{"A": string(aPub)})); err != nil {
		return nil, nil, nil, err
	}
	auth1OK, err := conn.Recv()
	if err != nil {
		return nil, nil, nil, err
	}
	if auth1OK.Tag() != "AUTH1-OK" {
		return nil, nil, nil, fmt.Errorf("auth1 failed: %v", auth1OK[wire.FieldError])
	}
	salt, _ := auth1OK["s"].(string)
	bPub, _ := auth1OK["B"].(string)
	m1, err := srpClient.Auth1([]byte(salt), []byte(bPub))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := conn.Send(wire.NewMessage("AUTH2", wire.Message{"M1": string(m1)})); err != nil {
		return nil, nil, nil, err
	}
	auth2OK, err := conn.Recv()
	if err != nil {
		return nil, nil, nil, err
	}
	if auth2OK.Tag() != "INIT" {
		return nil, nil, nil, fmt.Errorf("auth2 failed: %v", auth2OK[wire.FieldError])
	}
	hamk, _ := auth2OK["HAMK"].(string)
	if err := srpClient.Auth2(m1, []byte(hamk)); err != nil {
		return nil, nil, nil, err
	}
	fk, _ := auth2OK["filenameKey"].(string)
	ck, _ := auth2OK["contentKey"].(string)
	return auth2OK, []byte(fk), []byte(ck), nil
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

func int64Field(msg wire.Message, key string) int64 {
	switch v := msg[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
