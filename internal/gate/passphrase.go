// Package gate confirms the user before the alarm is disarmed. Desktops have
// no portable biometric API, so the confirmation is a passphrase checked
// against an Argon2id hash from the config.
package gate

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	hashPrefix = "argon2id"
	saltLen    = 16
	keyLen     = 32
)

// ErrInvalidHash is returned for a configured hash that cannot be parsed.
var ErrInvalidHash = errors.New("gate: invalid passphrase hash")

// KindPassphrase is what Available reports for this gate.
const KindPassphrase = "passphrase"

// HashPassphrase returns "argon2id$<salt>$<key>" for passphrase, both parts
// base64 encoded.
func HashPassphrase(passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("gate: passphrase must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("gate: generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	return strings.Join([]string{
		hashPrefix,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

// Verify reports whether passphrase matches hash.
func Verify(hash, passphrase string) (bool, error) {
	salt, key, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	got := deriveKey(passphrase, salt)
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keyLen)
}

func parseHash(hash string) (salt, key []byte, err error) {
	parts := strings.Split(strings.TrimSpace(hash), "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return nil, nil, ErrInvalidHash
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(salt) != saltLen {
		return nil, nil, ErrInvalidHash
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(key) != keyLen {
		return nil, nil, ErrInvalidHash
	}
	return salt, key, nil
}

// Passphrase prompts for a passphrase and checks it against a stored hash.
type Passphrase struct {
	hash string
	in   io.Reader
	out  io.Writer
}

// NewPassphrase creates a gate reading from in and prompting on out. When in
// is a terminal the passphrase is read without echo.
func NewPassphrase(hash string, in io.Reader, out io.Writer) *Passphrase {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return &Passphrase{hash: hash, in: in, out: out}
}

// Available reports true when a well-formed hash is configured.
func (p *Passphrase) Available(_ context.Context) (bool, string) {
	if _, _, err := parseHash(p.hash); err != nil {
		return false, ""
	}
	return true, KindPassphrase
}

// Authenticate shows message, reads one passphrase and verifies it.
func (p *Passphrase) Authenticate(ctx context.Context, message string) (bool, error) {
	fmt.Fprintf(p.out, "%s: ", message)

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.readLine()
		ch <- readResult{line, err}
	}()

	var line string
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return false, fmt.Errorf("gate: read passphrase: %w", r.err)
		}
		line = r.line
	}

	return Verify(p.hash, line)
}

func (p *Passphrase) readLine() (string, error) {
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
