package dest

import (
	"errors"
	"math/big"
	"testing"
)

func gwei(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000))
}

func TestCalc1559Fees(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		baseFee   *big.Int
		suggested *big.Int
		minTip    *big.Int
		wantTip   *big.Int
		wantFee   *big.Int
		wantErr   bool
	}{
		{
			name:      "suggested tip above the floor",
			baseFee:   gwei(30),
			suggested: gwei(3),
			minTip:    gwei(1),
			wantTip:   gwei(3),
			wantFee:   gwei(63), // 2*baseFee + tip
		},
		{
			name:      "floor wins over a starved suggestion",
			baseFee:   gwei(30),
			suggested: big.NewInt(7),
			minTip:    gwei(2),
			wantTip:   gwei(2),
			wantFee:   gwei(62),
		},
		{
			name:      "zero base fee still pays the tip",
			baseFee:   big.NewInt(0),
			suggested: gwei(1),
			minTip:    big.NewInt(0),
			wantTip:   gwei(1),
			wantFee:   gwei(1),
		},
		{
			name:      "nil base fee",
			suggested: gwei(1),
			minTip:    gwei(1),
			wantErr:   true,
		},
		{
			name:      "negative suggestion",
			baseFee:   gwei(30),
			suggested: big.NewInt(-1),
			minTip:    gwei(1),
			wantErr:   true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tip, fee, err := Calc1559Fees(tc.baseFee, tc.suggested, tc.minTip)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidFeeArgs) {
					t.Fatalf("err = %v, want ErrInvalidFeeArgs", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Calc1559Fees: %v", err)
			}
			if tip.Cmp(tc.wantTip) != 0 {
				t.Fatalf("tip = %s, want %s", tip, tc.wantTip)
			}
			if fee.Cmp(tc.wantFee) != 0 {
				t.Fatalf("fee = %s, want %s", fee, tc.wantFee)
			}
		})
	}
}

func TestBump1559Fees(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		tip, fee    *big.Int
		bumpPercent int
		minTipBump  *big.Int
		minFeeBump  *big.Int
		wantTip     *big.Int
		wantFee     *big.Int
		wantErr     bool
	}{
		{
			name:        "percentage bump dominates for real fees",
			tip:         gwei(100),
			fee:         gwei(400),
			bumpPercent: 15,
			minTipBump:  big.NewInt(1),
			minFeeBump:  big.NewInt(1),
			wantTip:     gwei(115),
			wantFee:     gwei(460),
		},
		{
			// A percentage of dust rounds to nothing; the txpool would reject
			// such a replacement, so the absolute minimum applies.
			name:        "minimum increment dominates for dust fees",
			tip:         big.NewInt(1),
			fee:         big.NewInt(2),
			bumpPercent: 10,
			minTipBump:  big.NewInt(1),
			minFeeBump:  big.NewInt(1),
			wantTip:     big.NewInt(2),
			wantFee:     big.NewInt(3),
		},
		{
			name:        "fee cap lifted to the bumped tip",
			tip:         gwei(100),
			fee:         gwei(100),
			bumpPercent: 10,
			minTipBump:  gwei(50),
			minFeeBump:  big.NewInt(1),
			wantTip:     gwei(150),
			wantFee:     gwei(150),
		},
		{
			name:        "nil tip",
			fee:         gwei(1),
			bumpPercent: 10,
			wantErr:     true,
		},
		{
			name:        "zero bump percent",
			tip:         gwei(1),
			fee:         gwei(2),
			bumpPercent: 0,
			wantErr:     true,
		},
		{
			name:        "negative minimum bump",
			tip:         gwei(1),
			fee:         gwei(2),
			bumpPercent: 10,
			minTipBump:  big.NewInt(-1),
			wantErr:     true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			newTip, newFee, err := Bump1559Fees(tc.tip, tc.fee, tc.bumpPercent, tc.minTipBump, tc.minFeeBump)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidFeeArgs) {
					t.Fatalf("err = %v, want ErrInvalidFeeArgs", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Bump1559Fees: %v", err)
			}
			if newTip.Cmp(tc.wantTip) != 0 {
				t.Fatalf("tip = %s, want %s", newTip, tc.wantTip)
			}
			if newFee.Cmp(tc.wantFee) != 0 {
				t.Fatalf("fee = %s, want %s", newFee, tc.wantFee)
			}
			if newFee.Cmp(newTip) < 0 {
				t.Fatalf("fee cap %s below tip cap %s", newFee, newTip)
			}
		})
	}
}
