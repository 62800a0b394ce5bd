// Package testutil holds shared helpers for unit and integration tests.
package testutil

import (
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Well-known mainnet addresses used as fixtures.
var (
	DAI  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDC = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

// Address returns a deterministic non-zero address derived from n.
func Address(n byte) common.Address {
	var a common.Address
	a[0] = 0xAA
	a[common.AddressLength-1] = n
	return a
}
