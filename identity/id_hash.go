package identity

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// IDHashFromPublicKey derives the peer id hash: "I" + base58(sha3-512(PKIX DER)).
func IDHashFromPublicKey(pub crypto.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("unable to marshal public key to DER: %v", err)
	}
	hasher := sha3.New512()
	hasher.Write(derBytes)
	return "I" + base58.Encode(hasher.Sum(nil)), nil
}
