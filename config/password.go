// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"crypto/rand"
	"math/big"
)

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
const generatedPasswordLength = 16

// generatePassword produces a random password for GUEST_PASSWORD and
// REDFISH_PASSWORD when the operator doesn't supply one. It avoids
// visually ambiguous characters (0/O, 1/l/I) since it's often read
// off a log line and typed by hand.
func generatePassword() (string, error) {
	buf := make([]byte, generatedPasswordLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}
