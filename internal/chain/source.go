package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DataSource retrieves chain heads and per-block event sets.
type DataSource interface {
	// Heads streams new head heights until ctx is cancelled.
	Heads(ctx context.Context) (<-chan uint64, error)
	BlockHashAt(ctx context.Context, number uint64) (common.Hash, error)
	EventsAt(ctx context.Context, hash common.Hash) ([]*Event, error)
}

// EVMOptions parameterise the EVM data source.
type EVMOptions struct {
	PollInterval time.Duration
}

// EVMSource publishes each log of a block as an evm.Log event grouped by transaction.
type EVMSource struct {
	backend Backend
	opts    EVMOptions
	logger  zerolog.Logger
}

// NewEVMSource builds a polling data source.
func NewEVMSource(backend Backend, opts EVMOptions, logger zerolog.Logger) *EVMSource {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 6 * time.Second
	}
	return &EVMSource{
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "evm_source").Logger(),
	}
}

// Heads polls BlockNumber and emits each height greater than the last one seen.
func (s *EVMSource) Heads(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64)
	go func() {
		defer close(out)

		var last uint64
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for {
			head, err := s.backend.BlockNumber(ctx)
			switch {
			case err != nil:
				s.logger.Warn().Err(err).Msg("poll head failed")
			case head > last:
				last = head
				select {
				case out <- head:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// BlockHashAt resolves a height to its block hash.
func (s *EVMSource) BlockHashAt(ctx context.Context, number uint64) (common.Hash, error) {
	header, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, fmt.Errorf("header %d: %w", number, err)
	}
	return header.Hash(), nil
}

// EventsAt loads the block's logs in log-index order.
func (s *EVMSource) EventsAt(ctx context.Context, hash common.Hash) ([]*Event, error) {
	logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &hash})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", hash.Hex(), err)
	}

	events := make([]*Event, 0, len(logs))
	for i := range logs {
		lg := logs[i]
		events = append(events, NewEvent(SectionEVM, MethodLog, ApplyExtrinsic(uint32(lg.TxIndex)), Fields{
			FieldLog:  &lg,
			"address": lg.Address,
		}))
	}
	return events, nil
}

var _ DataSource = (*EVMSource)(nil)
