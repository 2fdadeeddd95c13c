package curve

import "math/big"

// GeneratePolynomial samples a degree t-1 polynomial with coefficients
// uniformly random in [1, n); coeffs[0] is the constant term (the secret).
func GeneratePolynomial(t int) ([]*big.Int, error) {
	coeffs := make([]*big.Int, t)
	for i := 0; i < t; i++ {
		c, err := RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return coeffs, nil
}

// EvaluatePolynomial computes f(x) mod n for the polynomial whose
// coefficients are given lowest-degree first.
func EvaluatePolynomial(coeffs []*big.Int, x int) *big.Int {
	order := Order()
	result := new(big.Int)
	bigX := big.NewInt(int64(x))
	xPow := big.NewInt(1)
	for _, c := range coeffs {
		term := new(big.Int).Mul(xPow, c)
		result.Add(result, term)
		result.Mod(result, order)
		xPow.Mul(xPow, bigX)
		xPow.Mod(xPow, order)
	}
	return result
}

// LagrangeCoefficient computes lambda_i = prod_{j in indexes, j != i} j * (j -
// i)^-1 mod n, the weight that reconstructs f(0) from shares evaluated at
// each index in indexes.
func LagrangeCoefficient(i int, indexes []int) (*big.Int, error) {
	order := Order()
	num := big.NewInt(1)
	den := big.NewInt(1)
	found := false

	for _, j := range indexes {
		if j == i {
			found = true
			continue
		}
		num.Mul(num, big.NewInt(int64(j)))
		num.Mod(num, order)

		diff := big.NewInt(int64(j - i))
		den.Mul(den, diff)
		den.Mod(den, order)
	}

	if !found {
		return nil, errIndexNotInSet(i)
	}

	denInv := new(big.Int).ModInverse(den, order)
	if denInv == nil {
		return nil, errSingularDenominator(i)
	}

	res := new(big.Int).Mul(num, denInv)
	return res.Mod(res, order), nil
}

func errIndexNotInSet(i int) error {
	return &lagrangeError{"index not present in interpolation set", i}
}

func errSingularDenominator(i int) error {
	return &lagrangeError{"denominator has no modular inverse (duplicate index?)", i}
}

type lagrangeError struct {
	reason string
	index  int
}

func (e *lagrangeError) Error() string {
	return "curve: lagrange coefficient for index " + itoa(e.index) + ": " + e.reason
}

func itoa(i int) string {
	return big.NewInt(int64(i)).String()
}
