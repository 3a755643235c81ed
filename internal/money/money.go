// Package money holds the fixed-point arithmetic for the 6-decimal payment
// token. All amounts are computed with exact decimals and converted to integer
// base units for chain calls; floats never touch a monetary value.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the decimal precision of the payment token (USDC-style).
const TokenDecimals = 6

// Currency is the ledger currency code for all escrow transactions.
const Currency = "USDC"

var basisPoints = decimal.NewFromInt(10000)

// FeeFor computes the platform fee for an amount at the given basis-point
// rate, rounded to token precision (half up, matching the contract).
func FeeFor(amount decimal.Decimal, feeBPS int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(feeBPS))).Div(basisPoints).Round(TokenDecimals)
}

// TotalWithFee returns (fee, amount+fee). The total is computed once here and
// stored; it is never recomputed from its parts.
func TotalWithFee(amount decimal.Decimal, feeBPS int) (fee, total decimal.Decimal) {
	fee = FeeFor(amount, feeBPS)
	return fee, amount.Add(fee)
}

// ToBaseUnits converts a decimal token amount to integer base units
// (10^-6 token). Fails on amounts with more than token precision, so a value
// that cannot be represented on-chain is rejected instead of truncated.
func ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.Exponent() < -TokenDecimals {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, TokenDecimals)
	}
	return amount.Shift(TokenDecimals).BigInt(), nil
}

// FromBaseUnits converts integer base units back to a decimal token amount.
func FromBaseUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -TokenDecimals)
}
