package verifier

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	txs      map[common.Hash]*gethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*gethtypes.Receipt
	head     *big.Int
	block    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		txs:      make(map[common.Hash]*gethtypes.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		head:     big.NewInt(100),
	}
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	if f.block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).Set(f.head)}, nil
}

var (
	chainID     = big.NewInt(11155111)
	depositAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	oneEther, _ = new(big.Int).SetString("1000000000000000000", 10)
)

// signedDeposit stores a signed transfer of value to `to` mined at block.
func signedDeposit(t *testing.T, c *fakeClient, to common.Address, value *big.Int, block int64, status uint64) (common.Hash, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx, err := gethtypes.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Value:     value,
	}), gethtypes.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)

	c.txs[tx.Hash()] = tx
	c.receipts[tx.Hash()] = &gethtypes.Receipt{Status: status, BlockNumber: big.NewInt(block)}
	return tx.Hash(), crypto.PubkeyToAddress(key.PublicKey)
}

func TestEVMVerifier_Verify(t *testing.T) {
	ctx := context.Background()
	contract := depositAddr

	tests := []struct {
		name     string
		opts     Options
		setup    func(c *fakeClient) (hash string, sender string, amount decimal.Decimal)
		verified bool
	}{
		{
			name: "Confirmed deposit",
			opts: Options{MinConfirmations: 3, CheckValue: true},
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), strings.ToLower(from.Hex()), decimal.NewFromInt(1)
			},
			verified: true,
		},
		{
			name: "Unknown hash",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				return common.HexToHash("0x01").Hex(), depositAddr.Hex(), decimal.NewFromInt(1)
			},
		},
		{
			name: "Pending transaction",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				c.pending[hash] = true
				return hash.Hex(), from.Hex(), decimal.NewFromInt(1)
			},
		},
		{
			name: "Reverted transaction",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusFailed)
				return hash.Hex(), from.Hex(), decimal.NewFromInt(1)
			},
		},
		{
			name: "Wrong sender",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, _ := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), "0x00000000000000000000000000000000000000ff", decimal.NewFromInt(1)
			},
		},
		{
			name: "Not enough confirmations",
			opts: Options{MinConfirmations: 12},
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 95, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), from.Hex(), decimal.NewFromInt(1)
			},
		},
		{
			name: "Value mismatch",
			opts: Options{CheckValue: true},
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), from.Hex(), decimal.NewFromInt(2)
			},
		},
		{
			name: "Value unchecked",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, depositAddr, oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), from.Hex(), decimal.NewFromInt(2)
			},
			verified: true,
		},
		{
			name: "Wrong contract",
			setup: func(c *fakeClient) (string, string, decimal.Decimal) {
				hash, from := signedDeposit(t, c, common.HexToAddress("0xbeef"), oneEther, 90, gethtypes.ReceiptStatusSuccessful)
				return hash.Hex(), from.Hex(), decimal.NewFromInt(1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			hash, sender, amount := tt.setup(client)
			v := NewEVMVerifier([]Chain{{Name: "sepolia", ID: chainID, Client: client, Contract: &contract}}, tt.opts)

			res, err := v.Verify(ctx, hash, amount, sender)
			require.NoError(t, err)
			assert.Equal(t, tt.verified, res.Verified)
			if tt.verified {
				assert.Equal(t, chainID.Int64(), res.ChainID)
				assert.Equal(t, uint64(90), res.BlockNumber)
				assert.True(t, decimal.NewFromInt(1).Equal(res.Value))
			}
		})
	}
}

func TestEVMVerifier_FallsThroughChains(t *testing.T) {
	empty := newFakeClient()
	mainnet := newFakeClient()
	hash, from := signedDeposit(t, mainnet, depositAddr, oneEther, 50, gethtypes.ReceiptStatusSuccessful)

	v := NewEVMVerifier([]Chain{
		{Name: "first", ID: big.NewInt(1), Client: empty},
		{Name: "second", ID: chainID, Client: mainnet},
	}, Options{})

	res, err := v.Verify(context.Background(), hash.Hex(), decimal.NewFromInt(1), from.Hex())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, chainID.Int64(), res.ChainID)
}

func TestEVMVerifier_TimeoutIsRejection(t *testing.T) {
	client := newFakeClient()
	client.block = true
	v := NewEVMVerifier([]Chain{{Name: "slow", ID: chainID, Client: client}}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := v.Verify(ctx, common.HexToHash("0x02").Hex(), decimal.NewFromInt(1), depositAddr.Hex())
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.False(t, res.Verified)
}

func TestEVMVerifier_MalformedInput(t *testing.T) {
	v := NewEVMVerifier([]Chain{{Name: "any", ID: chainID, Client: newFakeClient()}}, Options{})

	res, err := v.Verify(context.Background(), "", decimal.NewFromInt(1), depositAddr.Hex())
	require.NoError(t, err)
	assert.False(t, res.Verified)

	res, err = v.Verify(context.Background(), common.HexToHash("0x03").Hex(), decimal.NewFromInt(1), "nope")
	require.NoError(t, err)
	assert.False(t, res.Verified)
}
