// Command tardis-admin is the out-of-band administration CLI for a
// client's metadata database: client creation, password management,
// backup-set listing and purging, orphan reclaim, and config/key
// import-export (spec §6 "CLI contract"). It talks to metadb.DB and
// store.Store directly rather than over the wire protocol, the way the
// teacher's cmd/upspin-audit and cmd/user tools open a store/directory
// reference directly instead of dialing a running server for
// administrative work.
//
// Per spec §6: exit 0 on success, nonzero with a diagnostic on the last
// line of output otherwise -- cobra's default error handling already gives
// us that shape (RunE's returned error is printed to stderr and the
// process exits 1).
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tardis.dev/crypto"
	"tardis.dev/metadb"
	"tardis.dev/purge"
	"tardis.dev/store"
	"tardis.dev/tardis"
)

var (
	flagDBDir     string
	flagStoreRoot string
)

var rootCmd = &cobra.Command{
	Use:   "tardis-admin",
	Short: "Administer a tardis client's metadata database and blob store",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDBDir, "dbdir", "/var/tardis/db", "metadata database root directory")
	rootCmd.PersistentFlags().StringVar(&flagStoreRoot, "store", "/var/tardis/store", "blob store root directory")

	rootCmd.AddCommand(
		createClientCmd(),
		setPasswordCmd(),
		changePasswordCmd(),
		listSetsCmd(),
		describeSetCmd(),
		purgeCmd(),
		deleteSetCmd(),
		orphanSweepCmd(),
		getConfigCmd(),
		setConfigCmd(),
		exportKeysCmd(),
		importKeysCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB(client string) (*metadb.DB, error) {
	dir := filepath.Join(flagDBDir, client)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return metadb.Open(filepath.Join(dir, client+".db"), tardis.ClientName(client))
}

func openStore(client string) (*store.Store, error) {
	return store.New(filepath.Join(flagStoreRoot, client))
}

func parseScheme(n int) (tardis.Scheme, error) {
	switch n {
	case 0, 1, 2, 3, 4:
		return tardis.Scheme(n), nil
	}
	return 0, fmt.Errorf("invalid crypto scheme %d (want 0-4)", n)
}

// setClientKeys derives a fresh master key and, optionally, fresh working
// keys from password, wraps them, builds an SRP verifier, and writes all
// of it to db in one call -- the shared body of create-client and
// set-password.
func setClientKeys(db *metadb.DB, client string, scheme tardis.Scheme, password string, filenameKey, contentKey []byte) error {
	master, err := crypto.DeriveMasterKey(scheme, password, tardis.ClientName(client))
	if err != nil {
		return err
	}
	env, err := crypto.NewEnvelope(scheme, master, filenameKey, contentKey)
	if err != nil {
		return err
	}
	wrappedFkey, err := env.WrapKey(filenameKey)
	if err != nil {
		return err
	}
	wrappedCkey, err := env.WrapKey(contentKey)
	if err != nil {
		return err
	}
	v, err := crypto.NewSRPVerifier(tardis.ClientName(client), password)
	if err != nil {
		return err
	}
	return db.SetKeys(v.Salt, v.Verifier, wrappedFkey, wrappedCkey, scheme)
}

func createClientCmd() *cobra.Command {
	var password string
	var schemeN int
	cmd := &cobra.Command{
		Use:   "create-client <client>",
		Short: "Create a new client database and set its password/crypto scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			scheme, err := parseScheme(schemeN)
			if err != nil {
				return err
			}
			dbPath := filepath.Join(flagDBDir, client, client+".db")
			if _, err := os.Stat(dbPath); err == nil {
				return fmt.Errorf("client %q already exists", client)
			}
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SetConfig("ClientID", client); err != nil {
				return err
			}
			filenameKey, contentKey, err := crypto.GenerateWorkingKeys(rand.Reader, 32)
			if err != nil {
				return err
			}
			if err := setClientKeys(db, client, scheme, password, filenameKey, contentKey); err != nil {
				return err
			}
			if _, err := openStore(client); err != nil {
				return err
			}
			fmt.Printf("created client %q (scheme %s)\n", client, scheme)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "client password (required)")
	cmd.Flags().IntVar(&schemeN, "scheme", int(tardis.SchemeAESGCMSiv), "crypto scheme (0-4)")
	cmd.MarkFlagRequired("password")
	return cmd
}

func setPasswordCmd() *cobra.Command {
	var password string
	var schemeN int
	cmd := &cobra.Command{
		Use:   "set-password <client>",
		Short: "Set the password (and crypto scheme) on an existing client database with no prior keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			scheme, err := parseScheme(schemeN)
			if err != nil {
				return err
			}
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			filenameKey, contentKey, err := crypto.GenerateWorkingKeys(rand.Reader, 32)
			if err != nil {
				return err
			}
			if err := setClientKeys(db, client, scheme, password, filenameKey, contentKey); err != nil {
				return err
			}
			fmt.Printf("password set for client %q (scheme %s)\n", client, scheme)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new client password (required)")
	cmd.Flags().IntVar(&schemeN, "scheme", int(tardis.SchemeAESGCMSiv), "crypto scheme (0-4)")
	cmd.MarkFlagRequired("password")
	return cmd
}

func changePasswordCmd() *cobra.Command {
	var oldPassword, newPassword string
	cmd := &cobra.Command{
		Use:   "change-password <client>",
		Short: "Re-wrap a client's working keys under a new password, keeping the same scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			scheme, err := db.CryptoScheme()
			if err != nil {
				return err
			}
			wfk, wck, err := db.WrappedKeys()
			if err != nil {
				return err
			}
			oldMaster, err := crypto.DeriveMasterKey(scheme, oldPassword, tardis.ClientName(client))
			if err != nil {
				return err
			}
			oldEnv, err := crypto.NewEnvelope(scheme, oldMaster, wfk, wck)
			if err != nil {
				return err
			}
			filenameKey, err := oldEnv.UnwrapKey(wfk)
			if err != nil {
				return fmt.Errorf("old password did not unwrap filename key: %w", err)
			}
			contentKey, err := oldEnv.UnwrapKey(wck)
			if err != nil {
				return fmt.Errorf("old password did not unwrap content key: %w", err)
			}
			if err := setClientKeys(db, client, scheme, newPassword, filenameKey, contentKey); err != nil {
				return err
			}
			fmt.Printf("password changed for client %q\n", client)
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "current password (required)")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password (required)")
	cmd.MarkFlagRequired("old-password")
	cmd.MarkFlagRequired("new-password")
	return cmd
}

func listSetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sets <client>",
		Short: "List every backup set for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			sets, err := db.ListSets()
			if err != nil {
				return err
			}
			for _, s := range sets {
				status := "incomplete"
				if s.Completed {
					status = "complete"
				}
				stats, err := db.GetStats(s.SetID)
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%s\tpriority=%d\t%s\tfiles_full=%d\tfiles_delta=%d\tbytes=%d\tskipped=%d\tsignatures=%d\n",
					s.SetID, s.Name, s.Priority, status, s.FilesFull, s.FilesDelta, s.BytesReceived,
					stats.FilesSkipped, stats.SignatureCount)
			}
			return nil
		},
	}
}

func describeSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe-set <client> <set-id>",
		Short: "Show full detail for one backup set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			set, err := db.GetSet(tardis.SetID(id))
			if err != nil {
				return err
			}
			stats, err := db.GetStats(tardis.SetID(id))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*metadb.BackupSet
				Stats *metadb.Stat `json:"stats"`
			}{set, stats})
		},
	}
}

func purgeCmd() *cobra.Command {
	var priority int
	var beforeDays int
	var beforeSet int64
	var incomplete bool
	cmd := &cobra.Command{
		Use:   "purge <client>",
		Short: "Delete expired backup sets and reclaim orphaned blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			blobs, err := openStore(client)
			if err != nil {
				return err
			}
			p := purge.New(db, blobs)
			res, err := p.Run(purge.Cursor{
				Priority:   priority,
				BeforeTime: time.Now().Add(-time.Duration(beforeDays) * 24 * time.Hour),
				BeforeSet:  tardis.SetID(beforeSet),
			}, incomplete)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d sets, reclaimed %d orphaned blobs (%d bytes) in %d sweep round(s)\n",
				res.SetsDeleted, res.OrphansRemoved, res.BytesRecovered, res.SweepRounds)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 1, "delete sets with priority <= this value")
	cmd.Flags().IntVar(&beforeDays, "before-days", 30, "delete completed sets older than this many days")
	cmd.Flags().Int64Var(&beforeSet, "before-set", 0, "also restrict to set_id below this (0 = no restriction)")
	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "restrict to sets that never completed")
	return cmd
}

func deleteSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-set <client> <set-id>",
		Short: "Delete one backup set and every completed set before it, then reclaim orphans",
		Long: `Delete-set purges every completed set with set_id <= <set-id>, since the
metadata database only supports deleting a cursor-bounded prefix of the
total order, not an arbitrary single set out of sequence (spec §3's sets
are "totally ordered" and §4.8's purge operates on a cursor). To delete
only the named set, it must be the oldest surviving one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			client := args[0]
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			blobs, err := openStore(client)
			if err != nil {
				return err
			}
			p := purge.New(db, blobs)
			res, err := p.Run(purge.Cursor{
				Priority:   1 << 30,
				BeforeTime: time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC),
				BeforeSet:  tardis.SetID(id + 1),
			}, false)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d set(s) up to and including set %d, reclaimed %d blobs (%d bytes)\n",
				res.SetsDeleted, id, res.OrphansRemoved, res.BytesRecovered)
			return nil
		},
	}
}

func orphanSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphan-sweep <client>",
		Short: "Reclaim blobs no longer referenced by any surviving file version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := args[0]
			db, err := openDB(client)
			if err != nil {
				return err
			}
			defer db.Close()
			blobs, err := openStore(client)
			if err != nil {
				return err
			}
			removed, bytesRecovered, rounds, err := purge.New(db, blobs).Sweep()
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d blobs (%d bytes) in %d round(s)\n", removed, bytesRecovered, rounds)
			return nil
		},
	}
}

func getConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-config <client> <key>",
		Short: "Read a Config table value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.GetConfig(args[1])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func setConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-config <client> <key> <value>",
		Short: "Write a Config table value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			return db.SetConfig(args[1], args[2])
		},
	}
}

// keyBundle is the JSON shape export-keys/import-keys trade, capturing
// everything SETKEYS persists (spec §4.1/§4.4) so it can move between
// databases without ever touching an unwrapped key.
type keyBundle struct {
	Scheme      int    `json:"scheme"`
	SrpSalt     string `json:"srp_salt"`
	SrpVkey     string `json:"srp_vkey"`
	FilenameKey string `json:"filename_key_wrapped"`
	ContentKey  string `json:"content_key_wrapped"`
}

func exportKeysCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export-keys <client>",
		Short: "Export a client's wrapped keys and SRP verifier as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			scheme, err := db.CryptoScheme()
			if err != nil {
				return err
			}
			salt, err := db.GetConfig("SrpSalt")
			if err != nil {
				return err
			}
			vkey, err := db.GetConfig("SrpVkey")
			if err != nil {
				return err
			}
			wfk, wck, err := db.WrappedKeys()
			if err != nil {
				return err
			}
			b := keyBundle{
				Scheme:      int(scheme),
				SrpSalt:     salt,
				SrpVkey:     vkey,
				FilenameKey: base64.StdEncoding.EncodeToString(wfk),
				ContentKey:  base64.StdEncoding.EncodeToString(wck),
			}
			data, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(outPath, data, 0600)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output path, or - for stdout")
	return cmd
}

func importKeysCmd() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import-keys <client>",
		Short: "Import a previously exported key bundle into a client database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if inPath != "" && inPath != "-" {
				f, err := os.Open(inPath)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var b keyBundle
			if err := json.NewDecoder(r).Decode(&b); err != nil {
				return err
			}
			scheme, err := parseScheme(b.Scheme)
			if err != nil {
				return err
			}
			salt, err := base64.StdEncoding.DecodeString(b.SrpSalt)
			if err != nil {
				return err
			}
			vkey, err := base64.StdEncoding.DecodeString(b.SrpVkey)
			if err != nil {
				return err
			}
			fkey, err := base64.StdEncoding.DecodeString(b.FilenameKey)
			if err != nil {
				return err
			}
			ckey, err := base64.StdEncoding.DecodeString(b.ContentKey)
			if err != nil {
				return err
			}
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SetKeys(salt, vkey, fkey, ckey, scheme); err != nil {
				return err
			}
			fmt.Printf("imported keys for client %q (scheme %s)\n", args[0], scheme)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "-", "input path, or - for stdin")
	return cmd
}
