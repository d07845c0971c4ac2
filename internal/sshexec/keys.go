// Package sshexec finds SSH keys for rented instances and runs commands on
// them.
package sshexec

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultKeyDir is where keys are looked up and generated.
const DefaultKeyDir = "~/.ssh"

// DefaultKeyName is the file name used by GenerateKey when none is given.
const DefaultKeyName = "vastai"

// KeyBits is the RSA key size used by GenerateKey.
const KeyBits = 4096

// PrivateKeyNotFoundError is returned when no key pair in a directory
// matches the account's public key.
type PrivateKeyNotFoundError struct {
	Dir       string
	PublicKey string
}

func (e *PrivateKeyNotFoundError) Error() string {
	key := e.PublicKey
	if len(key) > 40 {
		key = key[:40] + "..."
	}
	return fmt.Sprintf("no private key in %s matches public key %q", e.Dir, key)
}

// FindPrivateKey scans dir for a "<name>.pub" file holding publicKey and
// returns the path of the matching private key "<name>". Keys compare by
// type and key material; comments are ignored.
func FindPrivateKey(dir, publicKey string) (string, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return "", errors.New("account has no ssh public key")
	}
	want := normalizeKey([]byte(publicKey))

	matches, err := filepath.Glob(filepath.Join(dir, "*.pub"))
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, pub := range matches {
		data, err := os.ReadFile(pub)
		if err != nil {
			continue
		}
		if !bytes.Equal(normalizeKey(data), want) {
			continue
		}
		priv := strings.TrimSuffix(pub, ".pub")
		if _, err := os.Stat(priv); err == nil {
			return priv, nil
		}
	}
	return "", &PrivateKeyNotFoundError{Dir: dir, PublicKey: publicKey}
}

// normalizeKey returns the wire form of an authorized_keys line, or the
// trimmed input when it does not parse.
func normalizeKey(data []byte) []byte {
	pk, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return bytes.TrimSpace(data)
	}
	return pk.Marshal()
}

// KeyPair is a generated key pair.
type KeyPair struct {
	PrivatePath string
	PublicPath  string
	// AuthorizedKey is the public key in authorized_keys format, without a
	// trailing newline.
	AuthorizedKey string
}

// GenerateKey creates an RSA key pair named name in dir, creating dir when
// missing. Existing files are never overwritten.
func GenerateKey(dir, name string) (*KeyPair, error) {
	return generateKey(dir, name, KeyBits)
}

func generateKey(dir, name string, bits int) (*KeyPair, error) {
	if name == "" {
		name = DefaultKeyName
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	kp := &KeyPair{
		PrivatePath: filepath.Join(dir, name),
		PublicPath:  filepath.Join(dir, name+".pub"),
	}
	for _, p := range []string{kp.PrivatePath, kp.PublicPath} {
		if _, err := os.Stat(p); err == nil {
			return nil, fmt.Errorf("key file %s already exists", p)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	kp.AuthorizedKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))

	if err := writeNew(kp.PrivatePath, privPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeNew(kp.PublicPath, []byte(kp.AuthorizedKey+"\n"), 0o644); err != nil {
		_ = os.Remove(kp.PrivatePath)
		return nil, err
	}
	return kp, nil
}

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ConnectionCommand returns the ssh command line for connecting to an
// instance. A non-zero tunnelLocal adds a local port forward to
// tunnelRemote, which defaults to tunnelLocal.
func ConnectionCommand(host string, port int, keyFile string, tunnelLocal, tunnelRemote int) string {
	cmd := fmt.Sprintf("ssh root@%s -p %d -i %s", host, port, keyFile)
	if tunnelLocal > 0 {
		if tunnelRemote <= 0 {
			tunnelRemote = tunnelLocal
		}
		cmd += fmt.Sprintf(" -L %d:localhost:%d", tunnelLocal, tunnelRemote)
	}
	return cmd
}
