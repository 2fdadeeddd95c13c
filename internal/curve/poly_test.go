package curve

import (
	"math/big"
	"testing"

	"github.com/shardvault/custody/internal/testutils"
)

func TestEvaluatePolynomial(t *testing.T) {
	// 3x^2 + 2x + 1
	coeffs := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}

	var tests = map[string]struct {
		x        int
		expected int64
	}{
		"x = 0": {0, 1},
		"x = 1": {1, 6},
		"x = 2": {2, 17},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := EvaluatePolynomial(coeffs, test.x)
			testutils.AssertBigIntsEqual(t, name, big.NewInt(test.expected), got)
		})
	}
}

func TestLagrangeReconstructsSecret(t *testing.T) {
	secret := big.NewInt(424242)
	coeffs := []*big.Int{secret, big.NewInt(17), big.NewInt(9)}

	shareAt := func(x int) *big.Int { return EvaluatePolynomial(coeffs, x) }

	indexes := []int{1, 2, 3}
	shares := map[int]*big.Int{1: shareAt(1), 2: shareAt(2), 3: shareAt(3)}

	reconstructed := big.NewInt(0)
	order := Order()
	for _, i := range indexes {
		lambda, err := LagrangeCoefficient(i, indexes)
		testutils.AssertNoError(t, "lagrange coefficient", err)
		term := new(big.Int).Mul(lambda, shares[i])
		reconstructed.Add(reconstructed, term)
		reconstructed.Mod(reconstructed, order)
	}

	testutils.AssertBigIntsEqual(t, "reconstructed secret", secret, reconstructed)
}

func TestLagrangeDifferentSubsetsAgree(t *testing.T) {
	secret := big.NewInt(777)
	coeffs := []*big.Int{secret, big.NewInt(3)} // t=2

	shareAt := func(x int) *big.Int { return EvaluatePolynomial(coeffs, x) }
	order := Order()

	reconstructFrom := func(indexes []int) *big.Int {
		reconstructed := big.NewInt(0)
		for _, i := range indexes {
			lambda, err := LagrangeCoefficient(i, indexes)
			testutils.AssertNoError(t, "lagrange coefficient", err)
			term := new(big.Int).Mul(lambda, shareAt(i))
			reconstructed.Add(reconstructed, term)
			reconstructed.Mod(reconstructed, order)
		}
		return reconstructed
	}

	a := reconstructFrom([]int{1, 2})
	b := reconstructFrom([]int{4, 7})

	testutils.AssertBigIntsEqual(t, "subset {1,2} reconstruction", secret, a)
	testutils.AssertBigIntsEqual(t, "subset {4,7} reconstruction", secret, b)
}

func TestLagrangeCoefficientRequiresIndexInSet(t *testing.T) {
	_, err := LagrangeCoefficient(5, []int{1, 2, 3})
	testutils.AssertError(t, "lagrange coefficient for absent index", err)
}

func TestLagrangeReconstructsGeneratedShares(t *testing.T) {
	secret := big.NewInt(9182736455)
	order := Order()
	const groupSize, threshold = 5, 3

	shares := testutils.GenerateKeyShares(secret, groupSize, threshold, order)

	indexes := []int{1, 3, 5} // any threshold-sized subset should agree
	reconstructed := big.NewInt(0)
	for _, i := range indexes {
		lambda, err := LagrangeCoefficient(i, indexes)
		testutils.AssertNoError(t, "lagrange coefficient", err)
		term := new(big.Int).Mul(lambda, shares[i-1])
		reconstructed.Add(reconstructed, term)
		reconstructed.Mod(reconstructed, order)
	}

	testutils.AssertBigIntsEqual(t, "reconstructed secret from generated shares", secret, reconstructed)
}
