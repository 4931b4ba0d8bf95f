// Package crypto seals per-chat provider credentials with AES-GCM under rotating master keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sakha/internal/tutor"
)

var ErrUnknownKey = errors.New("unknown master key")

// Envelope is the stored form of a sealed value.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

// Seal encrypts plaintext under the current key. aad binds the result to its owner; Open
// must be given the same aad.
func (k *Keyring) Seal(plaintext, aad []byte) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, aad)),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(sealed string, aad []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	aead, ok := k.aeads[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Stale reports whether sealed was produced under an older key.
func (k *Keyring) Stale(sealed string) bool {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return false
	}
	return env.KeyID != k.currentKeyID
}

func (k *Keyring) Rotate(sealed string, aad []byte) (string, error) {
	plain, err := k.Open(sealed, aad)
	if err != nil {
		return "", err
	}
	return k.Seal(plain, aad)
}

func chatAAD(chatID int64) []byte {
	return []byte("sakha/credentials/" + strconv.FormatInt(chatID, 10))
}

// SealCredentials encrypts a chat's keys. A blob sealed for one chat does not open for another.
func (k *Keyring) SealCredentials(chatID int64, c tutor.Credentials) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return k.Seal(b, chatAAD(chatID))
}

// OpenCredentials decrypts a chat's keys. An empty blob yields empty credentials.
func (k *Keyring) OpenCredentials(chatID int64, sealed string) (tutor.Credentials, error) {
	if strings.TrimSpace(sealed) == "" {
		return tutor.Credentials{}, nil
	}
	b, err := k.Open(sealed, chatAAD(chatID))
	if err != nil {
		return tutor.Credentials{}, err
	}
	var c tutor.Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return tutor.Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return c, nil
}

// RotateCredentials re-seals a chat's blob under the current key.
func (k *Keyring) RotateCredentials(chatID int64, sealed string) (string, error) {
	return k.Rotate(sealed, chatAAD(chatID))
}
