package allowance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"x402mail/internal/mailerr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

type mockToken struct {
	mock.Mock
}

func (m *mockToken) Allowance(ctx context.Context, o, s common.Address) (*big.Int, error) {
	args := m.Called(ctx, o, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockToken) Approve(ctx context.Context, s common.Address, amount *big.Int) (common.Hash, error) {
	args := m.Called(ctx, s, amount)
	return args.Get(0).(common.Hash), args.Error(1)
}

func TestEnsureAllowanceSkipsApprovalWhenCovered(t *testing.T) {
	for _, current := range []int64{5000, 5001, 1_000_000} {
		token := new(mockToken)
		token.On("Allowance", mock.Anything, owner, spender).Return(big.NewInt(current), nil)

		res, err := NewCoordinator(token, owner, nil).EnsureAllowance(context.Background(), spender, big.NewInt(5000))
		require.NoError(t, err)
		assert.True(t, res.AlreadySufficient)
		assert.Equal(t, common.Hash{}, res.ApprovalTx)
		token.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestEnsureAllowanceApprovesExactAmount(t *testing.T) {
	tx := common.HexToHash("0x01")
	token := new(mockToken)
	token.On("Allowance", mock.Anything, owner, spender).Return(big.NewInt(100), nil)
	token.On("Approve", mock.Anything, spender, mock.MatchedBy(func(v *big.Int) bool {
		return v.Cmp(big.NewInt(5000)) == 0
	})).Return(tx, nil)

	res, err := NewCoordinator(token, owner, nil).EnsureAllowance(context.Background(), spender, big.NewInt(5000))
	require.NoError(t, err)
	assert.False(t, res.AlreadySufficient)
	assert.Equal(t, tx, res.ApprovalTx)
	token.AssertExpectations(t)
}

func TestEnsureAllowanceWrapsRejectedApproval(t *testing.T) {
	token := new(mockToken)
	token.On("Allowance", mock.Anything, owner, spender).Return(big.NewInt(0), nil)
	token.On("Approve", mock.Anything, spender, mock.Anything).Return(common.Hash{}, errors.New("user rejected"))

	_, err := NewCoordinator(token, owner, nil).EnsureAllowance(context.Background(), spender, big.NewInt(5000))
	var approval *mailerr.ApprovalError
	require.ErrorAs(t, err, &approval)
	assert.Equal(t, common.Hash{}, approval.Tx)
}

func TestEnsureAllowanceReadFailureIsNotApprovalError(t *testing.T) {
	token := new(mockToken)
	token.On("Allowance", mock.Anything, owner, spender).Return(nil, errors.New("rpc down"))

	_, err := NewCoordinator(token, owner, nil).EnsureAllowance(context.Background(), spender, big.NewInt(5000))
	require.Error(t, err)
	var approval *mailerr.ApprovalError
	assert.False(t, errors.As(err, &approval))
}
