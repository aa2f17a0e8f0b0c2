package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// deriveKey builds a machine-bound encryption key so that user records
// copied to another host cannot be decrypted there. The key mixes the
// machine ID, hostname and the daemon's uid.
func deriveKey() ([keySize]byte, error) {
	var key [keySize]byte

	machineID, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		machineID, err = os.ReadFile("/var/lib/dbus/machine-id")
		if err != nil {
			return key, errors.New("no machine ID available for key derivation")
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "camgate"
	}

	h := sha256.New()
	h.Write(machineID)
	h.Write([]byte(hostname))
	fmt.Fprintf(h, "%d", os.Getuid())
	h.Write([]byte("camgate-user-store"))
	copy(key[:], h.Sum(nil))

	return key, nil
}

// encrypt seals plaintext with a fresh random nonce prepended to the box.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.encryptionKey), nil
}

// decrypt opens a box produced by encrypt.
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrEncryption
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
