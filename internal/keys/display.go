package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
)

// DisplayID derives the short operator-facing identifier of a public
// key from its base64 SubjectPublicKeyInfo encoding. Truncation makes
// it collision-prone, so it is a display convenience and never an
// equality proof; lookups that matter confirm the full key bytes.
func DisplayID(pub *rsa.PublicKey) string {
	if pub == nil {
		return "Unknown"
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "Unknown"
	}

	encoded := base64.StdEncoding.EncodeToString(der)
	if len(encoded) > 20 {
		return "..." + encoded[len(encoded)-10:]
	}
	if len(encoded) > 10 {
		encoded = encoded[:10]
	}
	return encoded + "..."
}
