package irc

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// SASL mechanisms understood by the transport.
const (
	MechPlain       = "PLAIN"
	MechExternal    = "EXTERNAL"
	MechScramSHA256 = "SCRAM-SHA-256"
	MechScramSHA512 = "SCRAM-SHA-512"
)

var (
	errScramNonce     = errors.New("invalid server nonce")
	errScramSignature = errors.New("server signature mismatch")
)

// gs2Header: no channel binding, no authorization identity.
const gs2Header = "n,,"

// scram is the client side of one SCRAM exchange (RFC 5802).
type scram struct {
	hash        func() hash.Hash
	username    string
	password    string
	clientNonce string

	clientFirstBare string
	serverKey       []byte
	authMessage     string
}

func newSCRAM(mechanism, username, password, nonce string) (*scram, error) {
	var h func() hash.Hash
	switch strings.ToUpper(mechanism) {
	case MechScramSHA256:
		h = sha256.New
	case MechScramSHA512:
		h = sha512.New
	default:
		return nil, fmt.Errorf("unsupported SCRAM mechanism %q", mechanism)
	}
	if nonce == "" {
		nonce = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return &scram{hash: h, username: username, password: password, clientNonce: nonce}, nil
}

// clientFirst returns the client-first-message.
func (s *scram) clientFirst() string {
	s.clientFirstBare = "n=" + saslName(s.username) + ",r=" + s.clientNonce
	return gs2Header + s.clientFirstBare
}

// serverFirst checks the server-first-message and returns the
// client-final-message carrying the proof.
func (s *scram) serverFirst(msg string) (string, error) {
	params := parseSCRAMParams(msg)

	nonce := params["r"]
	if !strings.HasPrefix(nonce, s.clientNonce) || len(nonce) == len(s.clientNonce) {
		return "", errScramNonce
	}
	salt, err := base64.StdEncoding.DecodeString(params["s"])
	if err != nil || len(salt) == 0 {
		return "", errors.New("invalid salt")
	}
	iterations, err := strconv.Atoi(params["i"])
	if err != nil || iterations <= 0 {
		return "", errors.New("invalid iteration count")
	}

	salted := pbkdf2.Key([]byte(s.password), salt, iterations, s.hash().Size(), s.hash)
	clientKey := computeHMAC(s.hash, salted, "Client Key")
	storedKey := computeHash(s.hash, clientKey)
	s.serverKey = computeHMAC(s.hash, salted, "Server Key")

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + nonce
	s.authMessage = s.clientFirstBare + "," + msg + "," + withoutProof

	proof := xorBytes(clientKey, computeHMAC(s.hash, storedKey, s.authMessage))
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// serverFinal verifies the server-final-message.
func (s *scram) serverFinal(msg string) error {
	params := parseSCRAMParams(msg)
	if e, ok := params["e"]; ok {
		return fmt.Errorf("server error: %s", e)
	}
	if s.serverKey == nil {
		return errors.New("server-final before server-first")
	}
	got, err := base64.StdEncoding.DecodeString(params["v"])
	if err != nil {
		return errScramSignature
	}
	if !hmac.Equal(got, computeHMAC(s.hash, s.serverKey, s.authMessage)) {
		return errScramSignature
	}
	return nil
}

// saslName escapes '=' and ',' in a SCRAM username.
func saslName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

func parseSCRAMParams(message string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		if len(part) >= 2 && part[1] == '=' {
			params[part[:1]] = part[2:]
		}
	}
	return params
}

func computeHMAC(h func() hash.Hash, key []byte, data string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func computeHash(h func() hash.Hash, data []byte) []byte {
	hasher := h()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
