/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"
	"time"

	"github.com/kentakayama/token-bot/internal/domain/model"
)

// TokenRepository defines the interface for token persistence.
type TokenRepository interface {
	Create(ctx context.Context, t *model.Token) error
	CreateIfNoActive(ctx context.Context, t *model.Token, now time.Time) (bool, error)
	FindActiveByOwner(ctx context.Context, ownerID int64, now time.Time) (*model.Token, error)
	FindByValue(ctx context.Context, value string) (*model.Token, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.Token, error)
	RetireExpired(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
}
