/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package issuer

import (
	"fmt"
	"io"
)

// ValueLength is the number of decimal digits in a token value.
const ValueLength = 10

// bytes at or above this bound are rejected so that b%10 stays uniform
const digitRejectBound = 250

// GenerateValue draws ValueLength independent, uniformly distributed decimal
// digits from r. r must be a cryptographically secure source in production
// (crypto/rand.Reader).
func GenerateValue(r io.Reader) (string, error) {
	digits := make([]byte, 0, ValueLength)
	buf := make([]byte, ValueLength)
	for len(digits) < ValueLength {
		need := ValueLength - len(digits)
		if _, err := io.ReadFull(r, buf[:need]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf[:need] {
			if b >= digitRejectBound {
				continue
			}
			digits = append(digits, '0'+b%10)
		}
	}
	return string(digits), nil
}

// IsValidValue reports whether s has the shape of a token value.
func IsValidValue(s string) bool {
	if len(s) != ValueLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
