// Package util provides small, dependency-free helpers shared across
// coin-family implementations: hex encoding and the big-integer
// difficulty/target conversions spec.md §4.4 requires.
package util

import "math/big"

// TwoTo256 is 2^256, the numerator of every target/difficulty
// conversion per spec.md §4.4 ("target = floor(2^256 / difficulty)").
var TwoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// DifficultyToTarget computes target = floor(2^256 / difficulty).
// Difficulty is a float64 since claimed/actual difficulties in this
// system are not restricted to integers (spec.md's worked examples use
// fractional difficulties such as 17.25).
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(TwoTo256)
	}
	num := new(big.Float).SetInt(TwoTo256)
	den := big.NewFloat(difficulty)
	quo := new(big.Float).Quo(num, den)
	target, _ := quo.Int(nil) // truncates toward zero == floor for positive values
	return target
}

// TargetToDifficulty computes difficulty = 2^256 / target.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	num := new(big.Float).SetInt(TwoTo256)
	den := new(big.Float).SetInt(target)
	quo := new(big.Float).Quo(num, den)
	f, _ := quo.Float64()
	return f
}

// HashDifficulty computes the actual difficulty represented by a
// 32-byte big-endian hash: difficulty = 2^256 / big(hash).
func HashDifficulty(hash []byte) float64 {
	if len(hash) == 0 {
		return 0
	}
	hashInt := new(big.Int).SetBytes(hash)
	if hashInt.Sign() == 0 {
		return TargetToDifficulty(big.NewInt(1))
	}
	return TargetToDifficulty(hashInt)
}

// HashMeetsTarget reports whether big(hash) <= target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) == 0 || target == nil {
		return false
	}
	hashInt := new(big.Int).SetBytes(hash)
	return hashInt.Cmp(target) <= 0
}

// HashMeetsDifficulty reports whether hash meets the target implied by
// difficulty.
func HashMeetsDifficulty(hash []byte, difficulty float64) bool {
	return HashMeetsTarget(hash, DifficultyToTarget(difficulty))
}
