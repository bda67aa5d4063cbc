package eth

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

const (
	// defaultLookback is the number of past blocks scanned by Observe for
	// events emitted before the subscription
	defaultLookback = 256
	// eventsBuffer is the buffer of the events channel of a Subscription
	eventsBuffer = 16
)

// ensure that Client implements the ChainClient interface
var _ ChainClient = (*Client)(nil)

// Client implements the ChainClient over an Ethereum node
type Client struct {
	client  *ethclient.Client
	network systems.Network
	signer  *types.KeySigner
	abis    *marketABIs
	ChainID uint64

	lookback uint64
	// submitMu serializes nonce assignment of the sent transactions
	submitMu sync.Mutex
	// latest caches the timestamp of the last head received by SyncHeads
	latest atomic.Uint64
	live   atomic.Bool
}

// Options is used to pass the parameters to load a new Client
type Options struct {
	EthURL  string
	Network systems.Network
	// Signer signs the sent transactions, it can be nil for a read only
	// Client
	Signer *types.KeySigner
	// Lookback is the number of past blocks scanned by Observe
	Lookback uint64
}

// New loads a new Client
func New(opts Options) (*Client, error) {
	client, err := ethclient.Dial(opts.EthURL)
	if err != nil {
		log.Error(err)
		return nil, err
	}

	// get network ChainID
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, err
	}
	if opts.Network.ChainID != 0 && opts.Network.ChainID != chainID.Uint64() {
		return nil, fmt.Errorf("node chain id %d does not match network %s (%d)",
			chainID.Uint64(), opts.Network.Name, opts.Network.ChainID)
	}

	abis, err := loadMarketABIs()
	if err != nil {
		return nil, err
	}
	lookback := opts.Lookback
	if lookback == 0 {
		lookback = defaultLookback
	}

	return &Client{
		client:   client,
		network:  opts.Network,
		signer:   opts.Signer,
		abis:     abis,
		ChainID:  chainID.Uint64(),
		lookback: lookback,
	}, nil
}

// SyncHeads keeps the latest block timestamp up to date until ctx is done
func (c *Client) SyncHeads(ctx context.Context) error {
	headers := make(chan *ethtypes.Header)
	sub, err := c.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		log.Error(err)
		return err
	}
	defer sub.Unsubscribe()
	c.live.Store(true)
	defer c.live.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			log.Error(err)
			return err
		case header := <-headers:
			log.Debugf("new eth block received: %d, time: %d",
				header.Number.Uint64(), header.Time)
			c.latest.Store(header.Time)
		}
	}
}

// LatestTimestamp implements the ChainClient interface
func (c *Client) LatestTimestamp(ctx context.Context) (uint64, error) {
	if ts := c.latest.Load(); c.live.Load() && ts != 0 {
		return ts, nil
	}
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	c.latest.Store(header.Time)
	return header.Time, nil
}

func (c *Client) market(kind types.Kind) common.Address {
	if kind == types.KindOffer {
		return c.network.OfferMarket
	}
	return c.network.RequestMarket
}

// Submit implements the ChainClient interface. It signs and sends the
// transaction, and waits until it is mined.
func (c *Client) Submit(ctx context.Context, s Submission) (*Receipt, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("read only client can not submit %s", s.Method)
	}
	data, err := c.abis.packCall(s)
	if err != nil {
		return nil, err
	}
	to := c.market(s.Kind)
	value := new(big.Int)
	if s.Method == MethodBid && s.Bid.Value != nil {
		value = s.Bid.Value
	}

	tx, err := c.sendTx(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	log.Debugf("[%s] sent tx %s to market %s", s.Method, tx.Hash().Hex(), to.Hex())

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s tx %s", ErrReverted, s.Method, tx.Hash().Hex())
	}
	return &Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *Client) sendTx(ctx context.Context, to common.Address, value *big.Int,
	data []byte) (*ethtypes.Transaction, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		return nil, fmt.Errorf("block %s has no base fee, London is not active", head.Number)
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &to, Value: value, Data: data,
	})
	if err != nil {
		// the market rejects the call already in the simulation
		return nil, fmt.Errorf("%w: %s", ErrReverted, err)
	}

	tx := londonTx(c.ChainID, nonce, to, value, gas, tip, head.BaseFee, data)
	signed, err := ethtypes.SignTx(tx,
		ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(c.ChainID)),
		c.signer.Key())
	if err != nil {
		return nil, err
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// londonTx builds a dynamic fee transaction whose fee cap covers the tip
// plus twice the current base fee
func londonTx(chainID, nonce uint64, to common.Address, value *big.Int, gas uint64,
	tip, baseFee *big.Int, data []byte) *ethtypes.Transaction {
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}

// Observe implements the ChainClient interface. It first scans the last
// blocks for events already emitted and then follows the new ones.
func (c *Client) Observe(ctx context.Context, intentID common.Hash,
	kind EventKind) (*Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.network.RequestMarket, c.network.OfferMarket},
		Topics:    [][]common.Hash{{eventTopic(kind)}, nil, {intentID}},
	}

	logs := make(chan ethtypes.Log)
	ethSub, err := c.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		log.Error(err)
		return nil, err
	}
	sub := newSubscription(eventsBuffer, ethSub.Unsubscribe)

	history, err := c.history(ctx, query)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	go func() {
		for i := range history {
			if !c.forward(sub, history[i]) {
				return
			}
		}
		for {
			select {
			case <-sub.done:
				return
			case err := <-ethSub.Err():
				if err != nil {
					log.Error(err)
					sub.fail(err)
				}
				return
			case l := <-logs:
				if !c.forward(sub, l) {
					return
				}
			}
		}
	}()
	return sub, nil
}

// history returns the logs matching query in the last lookback blocks
func (c *Client) history(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	currBlockNum := header.Number.Uint64()
	from := uint64(0)
	if currBlockNum > c.lookback {
		from = currBlockNum - c.lookback
	}
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = header.Number
	log.Debugf("[Observe] history blocks from: %d, to: %d", from, currBlockNum)
	return c.client.FilterLogs(ctx, query)
}

// forward parses l and sends it on sub, returning false once sub stopped
func (c *Client) forward(sub *Subscription, l ethtypes.Log) bool {
	if l.Removed {
		return true
	}
	e, err := parseEvent(l.Topics, l.Data)
	if err != nil {
		log.Errorf("blocknum: %d, error parsing event log: %x, err: %s",
			l.BlockNumber, l.Data, err)
		return true
	}
	e.BlockNumber = l.BlockNumber
	e.TxHash = l.TxHash
	log.Debugf("Event: (blocknum: %d) %s", l.BlockNumber, e)
	return sub.send(*e)
}
