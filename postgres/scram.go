package postgres

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/estuary/changestream/cdc"
)

// scramClient implements the client side of SCRAM-SHA-256 (RFC 5802) as
// used by PostgreSQL SASL authentication. Channel binding is not used:
// the gs2 header is the fixed "n,," prefix.
type scramClient struct {
	password    string
	clientNonce string

	// Derived state carried between exchange steps.
	authMessage    string
	saltedPassword []byte
}

const scramMechanism = "SCRAM-SHA-256"

var nonceAlphabet = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")

func newScramClient(password string) (*scramClient, error) {
	var raw = make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating client nonce: %w", err)
	}
	for i, b := range raw {
		raw[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return &scramClient{password: password, clientNonce: string(raw)}, nil
}

// clientFirstMessage returns the full client-first message including the
// gs2 header.
func (c *scramClient) clientFirstMessage() string {
	return "n,," + c.clientFirstMessageBare()
}

func (c *scramClient) clientFirstMessageBare() string {
	return "n=,r=" + c.clientNonce
}

// handleServerFirst consumes the server-first message (nonce, salt,
// iteration count) and returns the client-final message carrying the
// proof.
func (c *scramClient) handleServerFirst(serverFirst string) (string, error) {
	var serverNonce, salt string
	var iterations int
	for _, attr := range strings.SplitN(serverFirst, ",", 3) {
		var key, value, ok = strings.Cut(attr, "=")
		if !ok {
			return "", cdc.Protocolf("malformed SCRAM attribute %q", attr)
		}
		switch key {
		case "r":
			serverNonce = value
		case "s":
			salt = value
		case "i":
			var err error
			if iterations, err = strconv.Atoi(value); err != nil {
				return "", cdc.Protocolf("malformed SCRAM iteration count %q", value)
			}
		}
	}
	if !strings.HasPrefix(serverNonce, c.clientNonce) {
		return "", fmt.Errorf("server nonce does not extend client nonce: %w", cdc.ErrAuthFailed)
	}
	if salt == "" || iterations <= 0 {
		return "", cdc.Protocolf("incomplete SCRAM server-first message %q", serverFirst)
	}
	var saltBytes, err = base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", cdc.Protocolf("invalid SCRAM salt: %v", err)
	}

	// Hi() from RFC 5802 is PBKDF2-HMAC-SHA-256.
	c.saltedPassword = pbkdf2.Key([]byte(c.password), saltBytes, iterations, sha256.Size, sha256.New)

	var channelBinding = base64.StdEncoding.EncodeToString([]byte("n,,"))
	var withoutProof = fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
	c.authMessage = c.clientFirstMessageBare() + "," + serverFirst + "," + withoutProof

	var clientKey = hmacSHA256(c.saltedPassword, "Client Key")
	var storedKey = sha256.Sum256(clientKey)
	var clientSignature = hmacSHA256(storedKey[:], c.authMessage)
	var proof = make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	return fmt.Sprintf("%s,p=%s", withoutProof, base64.StdEncoding.EncodeToString(proof)), nil
}

// verifyServerFinal checks the server signature from the server-final
// message, proving the server also knew the stored credentials.
func (c *scramClient) verifyServerFinal(serverFinal string) error {
	if detail, ok := strings.CutPrefix(serverFinal, "e="); ok {
		return fmt.Errorf("%s: %w", detail, cdc.ErrAuthFailed)
	}
	var verifier, ok = strings.CutPrefix(serverFinal, "v=")
	if !ok {
		return cdc.Protocolf("unexpected SCRAM server-final message %q", serverFinal)
	}
	var expect, err = base64.StdEncoding.DecodeString(verifier)
	if err != nil {
		return cdc.Protocolf("invalid SCRAM server signature: %v", err)
	}
	var serverKey = hmacSHA256(c.saltedPassword, "Server Key")
	var serverSignature = hmacSHA256(serverKey, c.authMessage)
	if !hmac.Equal(serverSignature, expect) {
		return fmt.Errorf("server signature mismatch: %w", cdc.ErrAuthFailed)
	}
	return nil
}

func hmacSHA256(key []byte, message string) []byte {
	var mac = hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
