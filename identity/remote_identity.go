package identity

import (
	"crypto/ed25519"
	"errors"
)

var ErrInvalidPublicKey = errors.New("identity: invalid ed25519 public key")

type RemoteIdentity struct {
	pub     ed25519.PublicKey
	id_hash string
}

func NewRemoteIdentity(public_key []byte) (*RemoteIdentity, error) {
	if len(public_key) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, public_key)

	id_hash, err := IDHashFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &RemoteIdentity{pub: pub, id_hash: id_hash}, nil
}

func (i *RemoteIdentity) IDHash() string {
	return i.id_hash
}
func (i *RemoteIdentity) PublicKey() ed25519.PublicKey {
	return i.pub
}
func (i *RemoteIdentity) ValidateSignature(payload []byte, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i.pub, payload, signature)
}
