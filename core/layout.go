package core

// Factorizable reports whether n is a product of the primes 2, 3 and 5 only.
func Factorizable(n int) bool {
	if n <= 0 {
		return false
	}
	for _, p := range [...]int{2, 3, 5} {
		for n%p == 0 {
			n /= p
		}
	}
	return n == 1
}

// NextFactorizable returns the smallest m >= n reachable from n in steps of
// step for which Factorizable(m) holds. step must be positive.
func NextFactorizable(n, step int) int {
	if n < 1 {
		n = 1
	}
	if step < 1 {
		step = 1
	}
	for !Factorizable(n) {
		n += step
	}
	return n
}

// BlockSize is the block length of a block distribution of n items over p
// owners: ceil(n/p), and at least 1.
func BlockSize(n, p int) int {
	if p <= 0 {
		return n
	}
	nb := (n + p - 1) / p
	if nb < 1 {
		nb = 1
	}
	return nb
}

// BlockRange returns the half-open range [lo, hi) of items owned by owner c
// in a block distribution of n items over p owners.
func BlockRange(n, p, c int) (lo, hi int) {
	nb := BlockSize(n, p)
	lo = c * nb
	if lo > n {
		lo = n
	}
	hi = lo + nb
	if hi > n {
		hi = n
	}
	return lo, hi
}

// BalancedRange splits n items into p nearly equal contiguous parts, the
// first n%p parts holding one extra item, and returns part c.
func BalancedRange(n, p, c int) (lo, hi int) {
	if p <= 0 {
		return 0, n
	}
	q, r := n/p, n%p
	lo = c*q + min(c, r)
	hi = lo + q
	if c < r {
		hi++
	}
	return lo, hi
}
