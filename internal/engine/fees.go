package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrTotalBelowGasFee means the requested total cannot even cover the
	// fixed gas reimbursement.
	ErrTotalBelowGasFee = errors.New("total amount is less than the fixed gas fee")

	// ErrAmountMismatch means the total does not decompose cleanly into
	// merchant share, service fee and gas fee. Such totals are rejected
	// outright: rounding them would let fees drift under client control.
	ErrAmountMismatch = errors.New("amount mismatch: total is not reconstructible from fee split")
)

var bpsDenominator = big.NewInt(10000)

// FeeSplit is the exact integer decomposition of a settlement total.
type FeeSplit struct {
	TotalAmount    *big.Int
	MerchantAmount *big.Int
	ServiceFee     *big.Int
	GasFee         *big.Int
}

// FacilitatorFee is the service fee plus the gas reimbursement.
func (f *FeeSplit) FacilitatorFee() *big.Int {
	return new(big.Int).Add(f.ServiceFee, f.GasFee)
}

// SplitFees inverts the fee formula from the authoritative total:
//
//	merchantAmount = (total - gasFee) * 10000 / (10000 + feeBps)
//	serviceFee     = merchantAmount * feeBps / 10000
//
// and requires merchantAmount + serviceFee + gasFee to reconstruct the total
// bit-for-bit. The total is the signed value and cannot be adjusted, so any
// total the integer division cannot reconstruct fails with
// ErrAmountMismatch instead of being rounded.
func SplitFees(total, gasFee *big.Int, feeBPS int64) (*FeeSplit, error) {
	if total.Cmp(gasFee) < 0 {
		return nil, fmt.Errorf("%w: total %s, gas fee %s", ErrTotalBelowGasFee, total, gasFee)
	}

	totalMinusGas := new(big.Int).Sub(total, gasFee)
	feeMultiplier := new(big.Int).Add(bpsDenominator, big.NewInt(feeBPS))

	merchantAmount := new(big.Int).Mul(totalMinusGas, bpsDenominator)
	merchantAmount.Div(merchantAmount, feeMultiplier)

	serviceFee := new(big.Int).Mul(merchantAmount, big.NewInt(feeBPS))
	serviceFee.Div(serviceFee, bpsDenominator)

	reconstructed := new(big.Int).Add(merchantAmount, serviceFee)
	reconstructed.Add(reconstructed, gasFee)

	if reconstructed.Cmp(total) != 0 {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrAmountMismatch, reconstructed, total)
	}

	return &FeeSplit{
		TotalAmount:    new(big.Int).Set(total),
		MerchantAmount: merchantAmount,
		ServiceFee:     serviceFee,
		GasFee:         new(big.Int).Set(gasFee),
	}, nil
}
