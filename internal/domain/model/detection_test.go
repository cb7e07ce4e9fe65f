package model

import "testing"

func TestAggregateMI_AllPairs(t *testing.T) {
	results := []MIResult{MIPositive, MINormal, MIUnknown}

	for _, r1 := range results {
		for _, r2 := range results {
			want := MINormal
			if r1 == MIPositive || r2 == MIPositive {
				want = MIPositive
			}
			if got := AggregateMI(r1, r2); got != want {
				t.Errorf("AggregateMI(%s, %s) = %s, ожидается %s", r1, r2, got, want)
			}
		}
	}
}

func TestAggregateMI_UnknownActsAsNormal(t *testing.T) {
	for _, other := range []MIResult{MIPositive, MINormal, MIUnknown} {
		withUnknown := AggregateMI(MIUnknown, other)
		withNormal := AggregateMI(MINormal, other)
		if withUnknown != withNormal {
			t.Errorf("Unknown+%s = %s, Normal+%s = %s", other, withUnknown, other, withNormal)
		}
	}
}

func TestParseMIResult(t *testing.T) {
	tests := []struct {
		in   string
		want MIResult
	}{
		{"MI", MIPositive},
		{" mi ", MIPositive},
		{"Normal", MINormal},
		{"NORMAL", MINormal},
		{"", MIUnknown},
		{"Unknown", MIUnknown},
		{"benign", MIUnknown},
	}
	for _, tt := range tests {
		if got := ParseMIResult(tt.in); got != tt.want {
			t.Errorf("ParseMIResult(%q) = %s, ожидается %s", tt.in, got, tt.want)
		}
	}
}

func TestMIDetection_Blind(t *testing.T) {
	d := &MIDetection{Model1: MIUnknown, Model2: MIUnknown}
	if !d.Blind() {
		t.Error("ожидался Blind() = true при двух Unknown")
	}
	d.Model2 = MINormal
	if d.Blind() {
		t.Error("ожидался Blind() = false при одном сигнале")
	}
}
