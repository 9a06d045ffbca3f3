package value

import "testing"

func TestBoxUnboxRoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, 42, MaxInt, MinInt, MinInt + 1, MaxInt - 1, 1000000}
	for _, n := range cases {
		v := Box(n)
		if !IsInt(v) {
			t.Fatalf("Box(%d) not IsInt", n)
		}
		if got := Unbox(v); got != n {
			t.Errorf("Unbox(Box(%d)) = %d, want %d", n, got, n)
		}
	}
}

func TestInRange(t *testing.T) {
	if !InRange(MaxInt-1) || !InRange(MinInt) {
		t.Fatal("boundary values should be in range")
	}
}

func TestIsRefDisjointFromIsInt(t *testing.T) {
	v := Ref(7)
	if IsInt(v) {
		t.Fatal("a reference must not be tagged as an integer")
	}
	if !IsRef(v) {
		t.Fatal("Ref(7) should be a reference")
	}
	if got := RefIndex(v); got != 7 {
		t.Errorf("RefIndex = %d, want 7", got)
	}
}

func TestTruthy(t *testing.T) {
	if !Truthy(Box(1)) {
		t.Fatal("Box(1) should be truthy")
	}
	if Truthy(Box(0)) {
		t.Fatal("Box(0) should be falsy")
	}
}

func TestBoxBool(t *testing.T) {
	if BoxBool(true) != True || BoxBool(false) != False {
		t.Fatal("BoxBool mismatch")
	}
}
