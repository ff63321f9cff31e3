/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kentakayama/token-bot/internal/receipt"
)

type keygenCmd struct {
	Out string `kong:"required,name='out',help='path of the CBOR COSE_Key to write'"`
}

func (c *keygenCmd) Run(cfg *Config) error {
	key, err := receipt.GenerateKey()
	if err != nil {
		return err
	}
	if err := receipt.SaveKey(c.Out, key); err != nil {
		return err
	}
	kid, err := receipt.KeyID(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cfg.out(), hex.EncodeToString(kid))
	return nil
}

type verifyReceiptCmd struct {
	Key  string `kong:"required,name='key',help='path of the CBOR COSE_Key'"`
	In   string `kong:"required,name='in',help='path of the COSE_Sign1 receipt'"`
	Dump bool   `kong:"name='dump',help='also print the decoded headers and payload'"`
}

func (c *verifyReceiptCmd) Run(cfg *Config) error {
	key, err := receipt.LoadKey(c.Key)
	if err != nil {
		return err
	}
	signed, err := os.ReadFile(c.In)
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	r, err := receipt.Verify(key, signed)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cfg.out())
	t.AppendHeader(table.Row{"Token", "OwnerID", "IssuedAt", "ExpiresAt", "New"})
	t.AppendRow(table.Row{
		r.Value,
		r.OwnerID,
		time.Unix(r.IssuedAt, 0).UTC().Format(time.RFC3339),
		r.Expiry().Format(time.RFC3339),
		r.IsNew,
	})
	t.Render()

	if c.Dump {
		dump, err := receipt.Render(signed)
		if err != nil {
			return err
		}
		fmt.Fprintln(cfg.out(), dump)
	}
	return nil
}
