// Package signature computes the X-VERIFY checksum the payment gateway
// expects on every request.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
)

// Separator joins the hex digest and the salt index.
const Separator = "###"

// Sign returns sha256(payload + endpointPath + secret) as lowercase hex,
// followed by Separator and keyIndex. payload is the base64 request body, or
// "" for requests without one.
func Sign(payload, endpointPath, secret, keyIndex string) string {
	sum := sha256.Sum256([]byte(payload + endpointPath + secret))
	return hex.EncodeToString(sum[:]) + Separator + keyIndex
}

// SignForPath signs a body-less request such as a status lookup.
func SignForPath(path, secret, keyIndex string) string {
	return Sign("", path, secret, keyIndex)
}
