package planner

import "math/big"

// floorMul returns floor(amount * ratio) for a non-negative ratio.
func floorMul(amount *big.Int, ratio float64) *big.Int {
	if amount == nil || ratio <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Float).Mul(new(big.Float).SetInt(amount), big.NewFloat(ratio))
	out, _ := product.Int(nil)
	return out
}

// ratioOf returns numerator/denominator as a float64, or 0 when the
// denominator is zero.
func ratioOf(numerator, denominator *big.Int) float64 {
	if numerator == nil || denominator == nil || denominator.Sign() == 0 {
		return 0
	}
	quot := new(big.Float).Quo(new(big.Float).SetInt(numerator), new(big.Float).SetInt(denominator))
	out, _ := quot.Float64()
	return out
}
