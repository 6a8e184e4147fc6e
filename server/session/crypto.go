package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of the secretbox key protecting stored sessions
	KeySize = 32

	nonceSize = 24

	// encryptionKeyKV is the KV key holding the installation-wide session key
	encryptionKeyKV = "session_encryption_key"
)

// ErrCorruptCiphertext is returned when a stored session cannot be opened with the current key.
var ErrCorruptCiphertext = errors.New("stored session could not be decrypted")

// GenerateKey returns a new random session key.
func GenerateKey() (*[KeySize]byte, error) {
	key := new([KeySize]byte)
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey returns the installation's session key, generating and
// persisting one on first use. The write is atomic so that concurrent
// activations in a cluster converge on a single key.
func LoadOrCreateKey(api plugin.API) (*[KeySize]byte, error) {
	data, appErr := api.KVGet(encryptionKeyKV)
	if appErr != nil {
		return nil, fmt.Errorf("failed to load session key: %w", appErr)
	}
	if data != nil {
		return keyFromBytes(data)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	saved, appErr := api.KVSetWithOptions(encryptionKeyKV, key[:], model.PluginKVSetOptions{
		Atomic:   true,
		OldValue: nil,
	})
	if appErr != nil {
		return nil, fmt.Errorf("failed to save session key: %w", appErr)
	}
	if saved {
		return key, nil
	}

	// Another node won the race, use its key.
	data, appErr = api.KVGet(encryptionKeyKV)
	if appErr != nil {
		return nil, fmt.Errorf("failed to reload session key: %w", appErr)
	}
	return keyFromBytes(data)
}

func keyFromBytes(data []byte) (*[KeySize]byte, error) {
	if len(data) != KeySize {
		return nil, fmt.Errorf("session key has invalid length %d", len(data))
	}
	key := new([KeySize]byte)
	copy(key[:], data)
	return key, nil
}

// seal encrypts plaintext and prefixes the random nonce.
func seal(key *[KeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// open reverses seal.
func open(key *[KeySize]byte, box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, ErrCorruptCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])

	plaintext, ok := secretbox.Open(nil, box[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrCorruptCiphertext
	}
	return plaintext, nil
}
