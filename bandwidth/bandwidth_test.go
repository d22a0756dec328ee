package bandwidth

import "testing"

func TestFromQP(t *testing.T) {
	cases := []struct {
		q, p int64
		want Bw
	}{
		{50000, 100000, Scale / 2},
		{0, 100000, 0},
		{100000, 100000, Scale},
	}
	for _, c := range cases {
		if got := FromQP(c.q, c.p); got != c.want {
			t.Errorf("FromQP(%d,%d) = %d, want %d", c.q, c.p, got, c.want)
		}
	}
}

func TestCeilFromQPNeverUnderestimates(t *testing.T) {
	// R1: bw_ceil_from(Q,P) followed by q_from(bw,P) yields Q' >= Q.
	cases := []struct{ q, p int64 }{
		{1, 3}, {5000, 10000}, {1, 100000}, {999999, 1000000},
	}
	for _, c := range cases {
		bw := CeilFromQP(c.q, c.p)
		qPrime := QFromBw(bw, c.p)
		if qPrime < c.q {
			t.Errorf("CeilFromQP(%d,%d)=%d QFromBw=%d, want >= %d", c.q, c.p, bw, qPrime, c.q)
		}
	}
}

func TestScaleRoundTrip(t *testing.T) {
	coeff := InvScale64(3000, 9000) // 1/3
	got := Scale64(9000, coeff)
	if got < 2990 || got > 3010 {
		t.Errorf("Scale64(9000, coeff(3000/9000)) = %d, want ~3000", got)
	}
}

func TestInvScale64ZeroDenominator(t *testing.T) {
	if got := InvScale64(5, 0); got != Full {
		t.Errorf("InvScale64(5,0) = %d, want Full (coeff=1, not a div-by-zero trap)", got)
	}
}

func TestMinAddSub(t *testing.T) {
	if Min(3, 5) != 3 || Min(5, 3) != 3 {
		t.Fatal("Min broken")
	}
	if Add(Full, Full) != Full {
		t.Fatal("Add should saturate at Full")
	}
	if Sub(3, 5) != 0 {
		t.Fatal("Sub should floor at 0")
	}
}
