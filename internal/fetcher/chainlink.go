package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/rates"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the subset of ethclient.Client the provider needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain provider.
type ChainlinkOptions struct {
	Name   string
	RPCURL string
	// Feeds maps a currency code to the address of its <CODE>/USD aggregator.
	Feeds   map[string]string
	Timeout time.Duration
	// MaxAge rejects answers older than this when positive.
	MaxAge time.Duration
}

// ChainlinkProvider reads <CODE>/USD price feeds and inverts them into
// units-per-USD quotes.
type ChainlinkProvider struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    ContractCaller
	clientMux sync.Mutex
	now       func() time.Time
}

// NewChainlinkProvider builds a provider that dials RPCURL lazily.
func NewChainlinkProvider(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkProvider {
	if opts.Name == "" {
		opts.Name = "chainlink"
	}
	return &ChainlinkProvider{
		opts:   opts,
		logger: logger.With().Str("component", "chainlink_provider").Logger(),
		now:    time.Now,
	}
}

// NewChainlinkProviderWithCaller uses an existing contract caller.
func NewChainlinkProviderWithCaller(opts ChainlinkOptions, caller ContractCaller, logger zerolog.Logger) *ChainlinkProvider {
	p := NewChainlinkProvider(opts, logger)
	p.caller = caller
	return p
}

func (p *ChainlinkProvider) Name() string { return p.opts.Name }

// FetchQuotes reads every configured feed. Only a USD base is supported.
// Feeds that fail are skipped; an error is returned only when none succeed.
func (p *ChainlinkProvider) FetchQuotes(ctx context.Context, base string) (rates.Table, error) {
	if rates.NormalizeCode(base) != rates.BaseCurrency {
		return nil, fmt.Errorf("chainlink feeds are quoted in %s, not %s", rates.BaseCurrency, base)
	}
	if len(p.opts.Feeds) == 0 {
		return nil, errors.New("no chainlink feeds configured")
	}

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := p.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(p.opts.Feeds))
	for code := range p.opts.Feeds {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	table := rates.Table{rates.BaseCurrency: 1}
	var lastErr error
	for _, code := range codes {
		usdPerUnit, err := p.readFeed(ctx, caller, common.HexToAddress(p.opts.Feeds[code]))
		if err != nil {
			lastErr = fmt.Errorf("feed %s: %w", code, err)
			p.logger.Warn().Err(err).Str("currency", code).Msg("chainlink feed read failed")
			continue
		}
		quote, _ := decimal.NewFromInt(1).DivRound(usdPerUnit, 12).Float64()
		table[rates.NormalizeCode(code)] = quote
	}
	if len(table) == 1 {
		return nil, lastErr
	}
	return table, nil
}

func (p *ChainlinkProvider) readFeed(ctx context.Context, caller ContractCaller, addr common.Address) (decimal.Decimal, error) {
	decOut, err := p.call(ctx, caller, addr, "decimals")
	if err != nil {
		return decimal.Decimal{}, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode decimals output")
	}

	roundOut, err := p.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(roundOut) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := roundOut[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("non-positive feed answer")
	}
	if updatedAt, ok := roundOut[3].(*big.Int); ok && p.opts.MaxAge > 0 {
		age := p.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > p.opts.MaxAge {
			return decimal.Decimal{}, fmt.Errorf("stale answer (%s old)", age.Truncate(time.Second))
		}
	}
	return decimal.NewFromBigInt(answer, -int32(decimals)), nil
}

func (p *ChainlinkProvider) call(ctx context.Context, caller ContractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	out, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return out, nil
}

func (p *ChainlinkProvider) getCaller(ctx context.Context) (ContractCaller, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.caller != nil {
		return p.caller, nil
	}
	if p.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.caller = client
	return client, nil
}

var _ Provider = (*ChainlinkProvider)(nil)
