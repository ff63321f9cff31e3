/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// Token is a numeric login token issued to a chat user.
// Tokens are never mutated after creation; they lapse once ExpiresAt passes.
type Token struct {
	Value      string
	OwnerID    int64
	OwnerLabel string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// IsActive reports whether now is strictly before the token's expiry.
func (t *Token) IsActive(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}
