package engine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFees_Exact(t *testing.T) {
	tests := []struct {
		name         string
		total        string
		gasFee       string
		feeBPS       int64
		wantMerchant string
		wantService  string
	}{
		{
			name:         "reconstructible total",
			total:        "1105000",
			gasFee:       "100000",
			feeBPS:       50,
			wantMerchant: "1000000",
			wantService:  "5000",
		},
		{
			name:         "total equals gas fee",
			total:        "100000",
			gasFee:       "100000",
			feeBPS:       50,
			wantMerchant: "0",
			wantService:  "0",
		},
		{
			name:         "zero fee bps",
			total:        "1100000",
			gasFee:       "100000",
			feeBPS:       0,
			wantMerchant: "1000000",
			wantService:  "0",
		},
		{
			name:         "large reconstructible total",
			total:        "1005100000",
			gasFee:       "100000",
			feeBPS:       50,
			wantMerchant: "1000000000",
			wantService:  "5000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, _ := new(big.Int).SetString(tt.total, 10)
			gasFee, _ := new(big.Int).SetString(tt.gasFee, 10)

			split, err := SplitFees(total, gasFee, tt.feeBPS)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMerchant, split.MerchantAmount.String())
			assert.Equal(t, tt.wantService, split.ServiceFee.String())
			assert.Equal(t, tt.gasFee, split.GasFee.String())
			assert.Equal(t, tt.total, split.TotalAmount.String())

			sum := new(big.Int).Add(split.MerchantAmount, split.ServiceFee)
			sum.Add(sum, split.GasFee)
			assert.Zero(t, sum.Cmp(total), "merchant + service + gas must equal total")
		})
	}
}

// A total of 1,000,000 with a 100,000 gas fee at 50 bps inverts to a
// merchant share of 895,522, which reassembles to 999,999. The off-by-one
// must reject the settlement, never be rounded away.
func TestSplitFees_NonReconstructibleRejected(t *testing.T) {
	split, err := SplitFees(big.NewInt(1000000), big.NewInt(100000), 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Nil(t, split)
}

func TestSplitFees_TotalBelowGasFee(t *testing.T) {
	split, err := SplitFees(big.NewInt(99999), big.NewInt(100000), 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTotalBelowGasFee)
	assert.Nil(t, split)
}

func TestFeeSplit_FacilitatorFee(t *testing.T) {
	split, err := SplitFees(big.NewInt(1105000), big.NewInt(100000), 50)
	require.NoError(t, err)
	assert.Equal(t, "105000", split.FacilitatorFee().String())
}

func TestSplitFees_DoesNotMutateInputs(t *testing.T) {
	total := big.NewInt(1105000)
	gasFee := big.NewInt(100000)

	_, err := SplitFees(total, gasFee, 50)
	require.NoError(t, err)

	assert.Equal(t, "1105000", total.String())
	assert.Equal(t, "100000", gasFee.String())
}
