package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"tardis.dev/errors"
	"tardis.dev/tardis"
)

// SRP-6a mutual authentication (spec §4.1's AUTH1/AUTH1-OK/AUTH2/AUTH2-OK
// transcript). No pack repo carries a Go SRP library -- the original
// implementation uses the Python "srp" package (see original_source) -- so
// this is a from-scratch implementation of the RFC 5054 computations over
// math/big, using the 2048-bit MODP prime of RFC 3526 (group 14) with g = 2.

// srpN and srpG are the 2048-bit group parameters (RFC 3526 group 14 prime,
// generator 2), assembled in init below.
var (
	srpN *big.Int
	srpG = big.NewInt(2)
)

func init() {
	// The RFC 3526 Group 14 2048-bit MODP prime (a different prime from
	// the 2048-bit group in RFC 5054 Appendix A), assembled here rather
	// than as one giant literal to keep line lengths sane.
	const hexN = "" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA" +
		"63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C2" +
		"45E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F2" +
		"4117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24" +
		"CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F17" +
		"46C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F" +
		"4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68F" +
		"FFFFFFFFFFFFFFF"
	n, ok := new(big.Int).SetString(hexN, 16)
	if !ok {
		panic("crypto: bad SRP group prime literal")
	}
	srpN = n
}

// SRPGroup exposes the group parameters so tests can check k, etc.
func SRPGroup() (N, g *big.Int) { return new(big.Int).Set(srpN), new(big.Int).Set(srpG) }

func srpHash(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// srpK is the multiplier parameter k = H(N, g) per RFC 5054 §2.5.3.
func srpK() *big.Int {
	return srpHash(srpN.Bytes(), padTo(srpG.Bytes(), len(srpN.Bytes())))
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// SRPVerifier is the (salt, verifier) pair stored server-side in place of
// the password, computed once when a client sets or changes its password.
type SRPVerifier struct {
	Salt     []byte
	Verifier []byte // v = g^x mod N
}

// NewSRPVerifier derives x = H(salt, H(client:password)) and returns
// v = g^x mod N along with a freshly generated salt.
func NewSRPVerifier(client tardis.ClientName, password string) (*SRPVerifier, error) {
	const op = "crypto.NewSRPVerifier"
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	x := srpPrivateKey(salt, client, password)
	v := new(big.Int).Exp(srpG, x, srpN)
	return &SRPVerifier{Salt: salt, Verifier: v.Bytes()}, nil
}

func srpPrivateKey(salt []byte, client tardis.ClientName, password string) *big.Int {
	inner := srpHash([]byte(string(client)+":"+password))
	return srpHash(salt, inner.Bytes())
}

// SRPServer runs the server side of one authentication handshake.
type SRPServer struct {
	verifier *big.Int
	salt     []byte
	b        *big.Int
	bPub     *big.Int
	a        *big.Int // client's public value, set in Auth1
	key      []byte   // shared session key, set after Auth1
}

// NewSRPServer begins a handshake against a stored verifier.
func NewSRPServer(v *SRPVerifier) (*SRPServer, error) {
	const op = "crypto.NewSRPServer"
	b, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	verifier := new(big.Int).SetBytes(v.Verifier)
	// B = k*v + g^b mod N
	k := srpK()
	bPub := new(big.Int).Add(new(big.Int).Mul(k, verifier), new(big.Int).Exp(srpG, b, srpN))
	bPub.Mod(bPub, srpN)
	return &SRPServer{verifier: verifier, salt: v.Salt, b: b, bPub: bPub}, nil
}

// Auth1 processes the client's ephemeral public value A (AUTH1{A}) and
// returns the salt and the server's public value B (AUTH1-OK{s,B}).
func (s *SRPServer) Auth1(a []byte) (salt, bPub []byte, err error) {
	const op = "crypto.SRPServer.Auth1"
	A := new(big.Int).SetBytes(a)
	if A.Sign() == 0 || new(big.Int).Mod(A, srpN).Sign() == 0 {
		return nil, nil, errors.E(op, errors.AuthFailed, errors.Str("invalid client public value"))
	}
	s.a = A
	u := srpHash(padTo(A.Bytes(), 256), padTo(s.bPub.Bytes(), 256))
	if u.Sign() == 0 {
		return nil, nil, errors.E(op, errors.AuthFailed, errors.Str("scrambling parameter is zero"))
	}
	// S = (A * v^u) ^ b mod N
	t := new(big.Int).Mul(A, new(big.Int).Exp(s.verifier, u, srpN))
	S := new(big.Int).Exp(t.Mod(t, srpN), s.b, srpN)
	key := sha256.Sum256(S.Bytes())
	s.key = key[:]
	return s.salt, s.bPub.Bytes(), nil
}

// Auth2 verifies the client's proof M1 (AUTH2{M1}) and, on success, returns
// the server's proof HAMK (AUTH2-OK{HAMK}).
func (s *SRPServer) Auth2(m1 []byte) (hamk []byte, err error) {
	const op = "crypto.SRPServer.Auth2"
	expected := s.clientProof()
	if !bytesEqual(expected, m1) {
		return nil, errors.E(op, errors.AuthFailed, errors.Str("client proof does not verify"))
	}
	return s.serverProof(m1), nil
}

// SessionKey returns the shared key established by a completed handshake.
func (s *SRPServer) SessionKey() []byte { return s.key }

func (s *SRPServer) clientProof() []byte {
	return srpHash(padTo(s.a.Bytes(), 256), padTo(s.bPub.Bytes(), 256), s.key).Bytes()
}

func (s *SRPServer) serverProof(m1 []byte) []byte {
	return srpHash(padTo(s.a.Bytes(), 256), m1, s.key).Bytes()
}

// SRPClient runs the client side of one authentication handshake.
type SRPClient struct {
	client   tardis.ClientName
	password string
	a        *big.Int
	aPub     *big.Int
	bPub     *big.Int
	key      []byte
}

// NewSRPClient begins a handshake, generating the ephemeral private/public
// pair (a, A) to send as AUTH1{A}.
func NewSRPClient(client tardis.ClientName, password string) (*SRPClient, []byte, error) {
	const op = "crypto.NewSRPClient"
	a, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, nil, errors.E(op, errors.IO, err)
	}
	aPub := new(big.Int).Exp(srpG, a, srpN)
	return &SRPClient{client: client, password: password, a: a, aPub: aPub}, aPub.Bytes(), nil
}

// Auth1 processes AUTH1-OK{s,B} and returns the client proof M1 to send as
// AUTH2{M1}.
func (c *SRPClient) Auth1(salt, bPub []byte) ([]byte, error) {
	const op = "crypto.SRPClient.Auth1"
	B := new(big.Int).SetBytes(bPub)
	if B.Sign() == 0 || new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, errors.E(op, errors.AuthFailed, errors.Str("invalid server public value"))
	}
	c.bPub = B
	u := srpHash(padTo(c.aPub.Bytes(), 256), padTo(B.Bytes(), 256))
	if u.Sign() == 0 {
		return nil, errors.E(op, errors.AuthFailed, errors.Str("scrambling parameter is zero"))
	}
	x := srpPrivateKey(salt, c.client, c.password)
	k := srpK()
	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(srpG, x, srpN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	base.Mod(base, srpN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, srpN)
	key := sha256.Sum256(S.Bytes())
	c.key = key[:]
	m1 := srpHash(padTo(c.aPub.Bytes(), 256), padTo(B.Bytes(), 256), c.key).Bytes()
	return m1, nil
}

// Auth2 verifies the server's proof HAMK received in AUTH2-OK{HAMK}.
func (c *SRPClient) Auth2(m1, hamk []byte) error {
	const op = "crypto.SRPClient.Auth2"
	expected := srpHash(padTo(c.aPub.Bytes(), 256), m1, c.key).Bytes()
	if !bytesEqual(expected, hamk) {
		return errors.E(op, errors.AuthFailed, errors.Str("server proof does not verify"))
	}
	return nil
}

// SessionKey returns the shared key established by a completed handshake.
func (c *SRPClient) SessionKey() []byte { return c.key }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
