package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var ErrUnsupportedKey = errors.New("identity: unsupported private key type")

type LocalIdentity struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	id_hash string
}

func GenerateLocalIdentity() (*LocalIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewLocalIdentity(priv)
}

// NewLocalIdentity accepts ed25519.PrivateKey or *ed25519.PrivateKey.
func NewLocalIdentity(key crypto.PrivateKey) (*LocalIdentity, error) {
	var priv ed25519.PrivateKey
	switch k := key.(type) {
	case ed25519.PrivateKey:
		priv = k
	case *ed25519.PrivateKey:
		priv = *k
	default:
		return nil, ErrUnsupportedKey
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrUnsupportedKey
	}

	result := new(LocalIdentity)
	result.priv = priv
	result.pub = priv.Public().(ed25519.PublicKey)
	id_hash, err := IDHashFromPublicKey(result.pub)
	if err != nil {
		return nil, err
	}
	result.id_hash = id_hash
	return result, nil
}

// LoadLocalIdentity reads an OpenSSH-format ed25519 private key.
func LoadLocalIdentity(path string) (*LocalIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, err
	}
	return NewLocalIdentity(key)
}

// LoadOrCreateLocalIdentity returns created=true when a fresh key was written.
func LoadOrCreateLocalIdentity(path string) (*LocalIdentity, bool, error) {
	result, err := LoadLocalIdentity(path)
	if err == nil {
		return result, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	result, err = GenerateLocalIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := result.Save(path); err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (i *LocalIdentity) Save(path string) error {
	block, err := ssh.MarshalPrivateKey(i.priv, i.id_hash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

func (i *LocalIdentity) IDHash() string {
	return i.id_hash
}
func (i *LocalIdentity) PublicKey() ed25519.PublicKey {
	return i.pub
}
func (i *LocalIdentity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}
func (i *LocalIdentity) Sign(payload []byte) []byte {
	return ed25519.Sign(i.priv, payload)
}

// Remote returns the public half, as a peer would see it.
func (i *LocalIdentity) Remote() *RemoteIdentity {
	return &RemoteIdentity{pub: i.pub, id_hash: i.id_hash}
}
