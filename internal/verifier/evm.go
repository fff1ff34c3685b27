package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/pkg/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const weiDecimals = 18

// EVMClient is the subset of the Ethereum RPC the verifier needs.
type EVMClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

type ChainConfig struct {
	Name     string `mapstructure:"name"`
	ChainID  int64  `mapstructure:"chainId"`
	RPCURL   string `mapstructure:"rpcUrl"`
	Contract string `mapstructure:"contract"`
}

type Config struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MinConfirmations uint64        `mapstructure:"minConfirmations"`
	CheckValue       bool          `mapstructure:"checkValue"`
	Chains           []ChainConfig `mapstructure:"chains"`
}

type Chain struct {
	Name     string
	ID       *big.Int
	Client   EVMClient
	Contract *common.Address
}

type Options struct {
	MinConfirmations uint64
	CheckValue       bool
}

// EVMVerifier confirms deposits against every configured chain in order and
// accepts the first chain on which the transaction is final and was sent by
// the claimed address.
type EVMVerifier struct {
	chains []Chain
	opts   Options
}

func NewEVMVerifier(chains []Chain, opts Options) *EVMVerifier {
	return &EVMVerifier{chains: chains, opts: opts}
}

// Dial connects to the RPC endpoint of every configured chain.
func Dial(cfg Config) (*EVMVerifier, error) {
	chains := make([]Chain, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		endpoint := strings.TrimSpace(c.RPCURL)
		if endpoint == "" {
			return nil, fmt.Errorf("chain %s: rpc url required", c.Name)
		}
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			return nil, fmt.Errorf("chain %s: failed to dial rpc: %w", c.Name, err)
		}

		chain := Chain{
			Name:   c.Name,
			ID:     big.NewInt(c.ChainID),
			Client: client,
		}
		if c.Contract != "" {
			if !common.IsHexAddress(c.Contract) {
				return nil, fmt.Errorf("chain %s: invalid contract address %q", c.Name, c.Contract)
			}
			contract := common.HexToAddress(c.Contract)
			chain.Contract = &contract
		}
		chains = append(chains, chain)
	}

	return NewEVMVerifier(chains, Options{
		MinConfirmations: cfg.MinConfirmations,
		CheckValue:       cfg.CheckValue,
	}), nil
}

// Verify never reports ambiguous success: a lookup error on one chain moves
// on to the next, and an expired context returns the context error.
func (v *EVMVerifier) Verify(ctx context.Context, txHash string, amount decimal.Decimal, sender string) (*model.Verification, error) {
	if !common.IsHexAddress(sender) {
		return &model.Verification{}, nil
	}
	hash := common.HexToHash(txHash)
	if (hash == common.Hash{}) {
		return &model.Verification{}, nil
	}
	from := common.HexToAddress(sender)

	log := logger.Named("verifier")
	for _, chain := range v.chains {
		res, err := v.confirm(ctx, chain, hash, amount, from)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &model.Verification{}, ctxErr
			}
			log.Debug("transaction not confirmed on chain",
				zap.String("chain", chain.Name),
				zap.String("hash", hash.Hex()),
				zap.Error(err))
			continue
		}
		return res, nil
	}

	return &model.Verification{}, nil
}

func (v *EVMVerifier) confirm(ctx context.Context, chain Chain, hash common.Hash, amount decimal.Decimal, from common.Address) (*model.Verification, error) {
	tx, pending, err := chain.Client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction %s not found", hash.Hex())
		}
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("transaction %s pending", hash.Hex())
	}

	receipt, err := chain.Client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s failed", hash.Hex())
	}

	if v.opts.MinConfirmations > 0 {
		header, err := chain.Client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return nil, fmt.Errorf("block metadata unavailable")
		}
		if header.Number.Cmp(receipt.BlockNumber) < 0 {
			return nil, fmt.Errorf("transaction block ahead of head")
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(v.opts.MinConfirmations)) < 0 {
			return nil, fmt.Errorf("insufficient confirmations: have %s want %d", confirmed.String(), v.opts.MinConfirmations)
		}
	}

	chainID := tx.ChainId()
	if chainID == nil || chainID.Sign() == 0 {
		chainID = chain.ID
	}
	signer, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if signer != from {
		return nil, fmt.Errorf("sender mismatch: have %s want %s", signer.Hex(), from.Hex())
	}

	if chain.Contract != nil && (tx.To() == nil || *tx.To() != *chain.Contract) {
		return nil, fmt.Errorf("transaction %s not sent to deposit contract", hash.Hex())
	}

	value := decimal.NewFromBigInt(tx.Value(), -weiDecimals)
	if v.opts.CheckValue && !value.Equal(amount) {
		return nil, fmt.Errorf("value mismatch: have %s want %s", value.String(), amount.String())
	}

	res := &model.Verification{
		Verified: true,
		Value:    value,
	}
	if chain.ID != nil {
		res.ChainID = chain.ID.Int64()
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res, nil
}
