// Package session implements the server-side per-connection state machine
// and message dispatch (C6): authentication, backup-set lifecycle, and the
// file-diff classification policy that decides whether the client sends a
// file as full content, a delta, a checksum-only probe, or nothing at all.
// It is grounded on the teacher's rpc/server.go connection loop (accept,
// authenticate, dispatch-until-close) and dir/server's transactional,
// one-handler-per-message-type shape, replacing upspin's RPC method
// reflection with the explicit tagged-variant dispatch table spec §9 calls
// for (a single `match`-driven table, not per-type dynamic dispatch).
package session

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"tardis.dev/config"
	"tardis.dev/crypto"
	"tardis.dev/errors"
	"tardis.dev/log"
	"tardis.dev/metadb"
	"tardis.dev/purge"
	"tardis.dev/regen"
	"tardis.dev/store"
	"tardis.dev/tardis"
	"tardis.dev/wire"
)

// State is one node of the C6 state machine (spec §4.6): Init ->
// Awaiting-Backup -> [NeedKeys] -> [Auth1 -> Auth2] -> Running -> Closing ->
// Done.
type State int

const (
	StateInit State = iota
	StateAwaitingBackup
	StateNeedKeys
	StateAuth1
	StateAuth2
	StateRunning
	StateClosing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingBackup:
		return "awaiting-backup"
	case StateNeedKeys:
		return "need-keys"
	case StateAuth1:
		return "auth1"
	case StateAuth2:
		return "auth2"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	}
	return "unknown"
}

var sessionCounter int64

// nextSessionID returns a process-unique session id string; grounded on the
// original implementation's session_id being a simple incrementing counter
// scoped to one server process, not a UUID.
func nextSessionID() string {
	return strconv.FormatInt(atomic.AddInt64(&sessionCounter, 1), 10)
}

// OpenDB opens (or creates) a client's metadata database, used by the
// caller (typically cmd/tardisd's connection acceptor) before constructing
// a Session.
type OpenDB func(client tardis.ClientName) (*metadb.DB, error)

// OpenStore opens (or creates) a client's blob store, likewise supplied by
// the caller.
type OpenStore func(client tardis.ClientName) (*store.Store, error)

// Server holds everything shared across connections: how to open a
// client's metadata DB and blob store, and the policy defaults new clients
// and legacy config fall back to.
type Server struct {
	OpenDB    OpenDB
	OpenStore OpenStore
	Defaults  config.Config
}

// Session is one client connection's state.
type Session struct {
	ID     string
	Client tardis.ClientName
	Conn   *wire.Conn
	DB     *metadb.DB
	Blobs  *store.Store
	Env    *crypto.Envelope
	Cfg    config.Config

	scheme tardis.Scheme
	state  State
	set    *metadb.BackupSet
	full   bool
	force  bool
	server *Server

	// seenInodes tracks which (inode,device) pairs already received a
	// checksum this session, supporting the LINKED rule across multiple
	// hardlinked names (spec §4.6 rule 1).
	seenInodes map[tardis.InodeKey]tardis.Checksum

	stats metadb.Stat
}

// New builds a Session bound to one accepted connection. The caller is
// expected to Run it to completion and then discard it.
func New(srv *Server, conn *wire.Conn) *Session {
	return &Session{
		ID:         nextSessionID(),
		Conn:       conn,
		Cfg:        srv.Defaults,
		server:     srv,
		state:      StateInit,
		seenInodes: make(map[tardis.InodeKey]tardis.Checksum),
	}
}

// Run drives the session to completion: it blocks awaiting BACKUP, then
// dispatches messages until DONE, BYE, or a protocol-ending error.
func (s *Session) Run() error {
	const op = "session.Run"
	s.state = StateAwaitingBackup
	for {
		msg, err := s.Conn.Recv()
		if err != nil {
			s.abort(errors.E(op, errors.IO, err))
			return errors.E(op, err)
		}
		resp, terminate, err := s.dispatch(msg)
		if err != nil {
			if errors.Match(errors.AuthFailed, err) || errors.Match(errors.Protocol, err) {
				s.Conn.Send(wire.NewFail(msg, err))
				s.abort(err)
				return errors.E(op, err)
			}
			resp = wire.NewFail(msg, err)
		}
		if resp != nil {
			if sendErr := s.Conn.Send(resp); sendErr != nil {
				return errors.E(op, errors.IO, sendErr)
			}
		}
		if terminate {
			return nil
		}
	}
}

// dispatch is the tagged-variant match table spec §9 calls for in place of
// per-message-type dynamic dispatch: one function per tag, uniformly
// returning (response, terminate, error).
func (s *Session) dispatch(msg wire.Message) (wire.Message, bool, error) {
	tag := msg.Tag()
	if s.state == StateAwaitingBackup && tag != "BACKUP" {
		return nil, true, errors.E("session.dispatch", errors.Protocol, errors.Errorf("expected BACKUP, got %s", tag))
	}
	switch tag {
	case "BACKUP":
		return s.handleBackup(msg)
	case "AUTH1":
		return s.handleAuth1(msg)
	case "AUTH2":
		return s.handleAuth2(msg)
	case "SETKEYS":
		return s.handleSetKeys(msg)
	case "DIR":
		return s.handleDir(msg)
	case "DHSH":
		return s.handleDhsh(msg)
	case "SGR":
		return s.handleSgr(msg)
	case "SGS":
		return s.handleSgs(msg)
	case "SIG":
		return s.handleSig(msg)
	case "DEL":
		return s.handleDel(msg)
	case "CON":
		return s.handleCon(msg)
	case "CKS":
		return s.handleCks(msg)
	case "CLN":
		return s.handleCln(msg)
	case "META":
		return s.handleMeta(msg)
	case "METADATA":
		return s.handleMetadata(msg)
	case "BATCH":
		return s.handleBatch(msg)
	case "PRG":
		return s.handlePrg(msg)
	case "CLICONFIG", "COMMANDLINE":
		return s.handleDiagnostic(msg)
	case "DONE":
		return s.handleDone(msg)
	case "BYE":
		return s.handleBye(msg)
	}
	return nil, true, errors.E("session.dispatch", errors.Protocol, errors.Errorf("unrecognized message %q", tag))
}

// abort records a crash-stop: the current set (if any) is sealed
// incomplete and the live-session slot is released (spec §5 Cancellation,
// §7 "a session always ends with either a completed or incomplete set").
func (s *Session) abort(err error) {
	log.Error.Printf("session %s (%s): aborting: %v", s.ID, s.Client, err)
	if s.set != nil {
		s.DB.CompleteSet(s.set.SetID, false, s.stats.FilesScanned-s.stats.FilesSkipped, s.stats.DeltaCount, s.stats.BytesReceived)
		s.DB.BumpStats(s.set.SetID, s.stats)
	}
	unregisterLive(s.Client, s.ID)
	if s.DB != nil {
		s.DB.Close()
	}
}

// handleBackup implements the BACKUP transition of spec §4.6: open (or
// refuse to reopen) the client database, authenticate if required, pick an
// auto-name, open the backup set, and reply INIT.
func (s *Session) handleBackup(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleBackup"
	host, _ := msg["host"].(string)
	s.Client = tardis.ClientName(host)
	s.full, _ = msg["full"].(bool)
	s.force, _ = msg["force"].(bool)
	create, _ := msg["create"].(bool)

	db, err := s.server.OpenDB(s.Client)
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	s.DB = db
	blobs, err := s.server.OpenStore(s.Client)
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	s.Blobs = blobs

	if prevID, live := isLive(s.Client); live && !s.force {
		return nil, true, errors.E(op, errors.Policy, errors.Errorf("previous session %s still running", prevID))
	}
	if _, ok := registerLive(s.Client, s.ID); !ok && !s.force {
		return nil, true, errors.E(op, errors.Policy, errors.Str("previous session still running"))
	}

	scheme, err := db.CryptoScheme()
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	if create || scheme != tardis.SchemePlain {
		s.state = StateNeedKeys
		return wire.NewResponse(msg, "NEEDKEYS", wire.Message{"scheme": int64(scheme)}), false, nil
	}

	s.scheme = scheme
	s.Env, err = envelopeForPlain()
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	return s.openBackupSet(msg)
}

// envelopeForPlain builds scheme-0's envelope; used when a database has no
// working keys at all (a brand-new unencrypted client).
func envelopeForPlain() (*crypto.Envelope, error) {
	return crypto.NewEnvelope(tardis.SchemePlain, nil, nil, nil)
}

// handleSetKeys processes SETKEYS{cryptoScheme, fkey, ckey, salt, vkey},
// rotating the client's wrapped working keys and SRP verifier, then replies
// ACKSETKEYS and moves to Auth1 (spec §4.6's NeedKeys branch); the backup
// set is opened by handleAuth2.
func (s *Session) handleSetKeys(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleSetKeys"
	if s.state != StateNeedKeys {
		return nil, true, errors.E(op, errors.Protocol, errors.Str("SETKEYS outside NeedKeys"))
	}
	scheme := tardis.Scheme(intField(msg, "cryptoScheme"))
	fkey, _ := msg["fkey"].(string)
	ckey, _ := msg["ckey"].(string)
	salt, _ := msg["salt"].(string)
	vkey, _ := msg["vkey"].(string)
	if err := s.DB.SetKeys([]byte(salt), []byte(vkey), []byte(fkey), []byte(ckey), scheme); err != nil {
		return nil, true, errors.E(op, err)
	}
	// fkey/ckey here are the working keys wrapped under the client's
	// password-derived master key; the server stores them as opaque bytes
	// and never unwraps them (spec §4.1: working keys "never leave the
	// client decrypted except in memory"). A content envelope therefore
	// only exists server-side for scheme 0, where there is nothing to
	// unwrap; every other scheme leaves s.Env nil until handleAuth2.
	s.scheme = scheme
	if scheme == tardis.SchemePlain {
		env, err := envelopeForPlain()
		if err != nil {
			return nil, true, errors.E(op, err)
		}
		s.Env = env
	}
	s.state = StateAuth1
	return wire.NewResponse(msg, "ACKSETKEYS", nil), false, nil
}

// handleAuth1 runs the server side of AUTH1{A} -> AUTH1-OK{s,B} (spec
// §4.1 SRP transcript).
func (s *Session) handleAuth1(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleAuth1"
	a, _ := msg["A"].(string)
	salt, bPub, err := s.DB.Authenticate1(s.Client, []byte(a))
	if err != nil {
		return nil, true, errors.E(op, errors.AuthFailed, err)
	}
	s.state = StateAuth2
	return wire.NewResponse(msg, "AUTH1-OK", wire.Message{"s": string(salt), "B": string(bPub)}), false, nil
}

// handleAuth2 runs AUTH2{M1} -> AUTH2-OK{HAMK}, completing SRP mutual
// authentication; on success the backup set is opened and, for an
// encrypted client, the wrapped working keys ride along on the INIT reply
// for the client to unwrap with its own password-derived master key.
func (s *Session) handleAuth2(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleAuth2"
	m1, _ := msg["M1"].(string)
	hamk, err := s.DB.Authenticate2([]byte(m1))
	if err != nil {
		return nil, true, errors.E(op, errors.AuthFailed, err)
	}
	scheme, err := s.DB.CryptoScheme()
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	s.scheme = scheme
	wfk, wck, err := s.DB.WrappedKeys()
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	// The master key is re-derived on the client from its password; the
	// server, having just completed SRP, never sees the password and
	// cannot unwrap fkey/ckey itself (spec §4.1). It hands back the raw
	// wrapped bytes on the INIT reply and lets the client unwrap locally;
	// content the server stores or regenerates for this client stays
	// ciphertext to the server (regen.Regenerator with a nil Envelope).
	if scheme == tardis.SchemePlain {
		s.Env, err = envelopeForPlain()
		if err != nil {
			return nil, true, errors.E(op, err)
		}
	} else {
		s.Env = nil
	}
	resp, terminate, err := s.openBackupSet(msg)
	if err != nil {
		return resp, terminate, err
	}
	resp["HAMK"] = string(hamk)
	if scheme != tardis.SchemePlain {
		resp["filenameKey"] = string(wfk)
		resp["contentKey"] = string(wck)
	}
	return resp, terminate, nil
}

// openBackupSet computes the auto-name (spec §4.6: try each configured
// strftime format in order, take the first unused), opens the set, and
// replies INIT.
func (s *Session) openBackupSet(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.openBackupSet"
	name, _ := msg["name"].(string)
	priority := int(intField(msg, "priority"))
	if name == "" {
		var err error
		name, priority, err = s.autoName()
		if err != nil {
			return nil, true, errors.E(op, err)
		}
	}
	set, err := s.DB.NewBackupSet(metadb.NewSetParams{
		Name:          name,
		SessionID:     s.ID,
		Priority:      priority,
		ClientTime:    time.Now(),
		ServerVersion: "tardis",
		Full:          s.full,
	})
	if err != nil {
		return nil, true, errors.E(op, err)
	}
	s.set = set
	s.state = StateRunning
	return wire.NewResponse(msg, "INIT", wire.Message{
		"sessionid": s.ID,
		"new":       true,
		"name":      name,
		"clientid":  string(s.Client),
	}), false, nil
}

// autoName tries each configured (format, priority, keepDays, forceFull)
// tuple in order and returns the first name not already used by a
// completed set (spec §4.6).
func (s *Session) autoName() (string, int, error) {
	now := time.Now()
	if len(s.Cfg.Formats) == 0 {
		return now.Format("2006-01-02T15:04:05"), 1, nil
	}
	sets, err := s.DB.ListSets()
	if err != nil {
		return "", 0, err
	}
	used := make(map[string]bool, len(sets))
	for _, b := range sets {
		if b.Completed {
			used[b.Name] = true
		}
	}
	for _, f := range s.Cfg.Formats {
		candidate := now.Format(f.Format)
		if !used[candidate] {
			if f.ForceFull {
				s.full = true
			}
			return candidate, f.Priority, nil
		}
	}
	return fmt.Sprintf("%s-%d", now.Format("2006-01-02T15:04:05"), randSuffix()), s.Cfg.Formats[0].Priority, nil
}

func randSuffix() int64 {
	var b [8]byte
	rand.Read(b[:])
	n := int64(0)
	for _, v := range b {
		n = n<<8 | int64(v)
	}
	if n < 0 {
		n = -n
	}
	return n % 100000
}

func intField(msg wire.Message, key string) int64 {
	switch v := msg[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return 0
}

// handleDone marks the session's backup set complete, optionally runs
// auto-purge, and replies ACKDONE (spec §4.6, §4.8 "auto-purge is invoked
// from C6 after a successful DONE when enabled").
func (s *Session) handleDone(msg wire.Message) (wire.Message, bool, error) {
	const op = "session.handleDone"
	if s.set == nil {
		return nil, true, errors.E(op, errors.Protocol, errors.Str("DONE without an open set"))
	}
	if err := s.DB.CompleteSet(s.set.SetID, true, s.stats.FilesScanned-s.stats.FilesSkipped, s.stats.DeltaCount, s.stats.BytesReceived); err != nil {
		return nil, true, errors.E(op, err)
	}
	if err := s.DB.BumpStats(s.set.SetID, s.stats); err != nil {
		return nil, true, errors.E(op, err)
	}
	unregisterLive(s.Client, s.ID)
	if s.Cfg.AutoPurge {
		p := purge.New(s.DB, s.Blobs)
		cutoff := time.Now().AddDate(0, 0, -30)
		if _, err := p.Run(purge.Cursor{Priority: 1, BeforeTime: cutoff}, false); err != nil {
			log.Error.Printf("session %s: auto-purge failed: %v", s.ID, err)
		}
	}
	s.state = StateDone
	s.DB.Close()
	return wire.NewResponse(msg, "ACKDONE", nil), true, nil
}

// handleBye processes a normal or erroring close (spec §5 Cancellation):
// the set is sealed incomplete and no response is sent.
func (s *Session) handleBye(msg wire.Message) (wire.Message, bool, error) {
	if s.set != nil {
		s.DB.CompleteSet(s.set.SetID, false, s.stats.FilesScanned-s.stats.FilesSkipped, s.stats.DeltaCount, s.stats.BytesReceived)
		s.DB.BumpStats(s.set.SetID, s.stats)
	}
	unregisterLive(s.Client, s.ID)
	if s.DB != nil {
		s.DB.Close()
	}
	s.state = StateClosing
	return nil, true, nil
}

// handleDiagnostic accepts CLICONFIG/COMMANDLINE purely for capture; the
// engine does nothing with the payload beyond acknowledging it (spec §4.6
// "Optional diagnostic capture").
func (s *Session) handleDiagnostic(msg wire.Message) (wire.Message, bool, error) {
	return wire.NewResponse(msg, "ACK"+msg.Tag(), nil), false, nil
}

// regenerator builds a Regenerator bound to this session's DB/Blobs/Env,
// used by DEL (materializing a basis) and SGR/SGS (regenerating content to
// compute a signature).
func (s *Session) regenerator() *regen.Regenerator {
	return regen.New(s.DB, s.Blobs, s.Env)
}
