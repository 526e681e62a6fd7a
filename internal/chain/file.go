package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FileOptions parameterise the recorded block source.
type FileOptions struct {
	// PollInterval spaces the emitted heads.
	PollInterval time.Duration
}

// FileSource serves blocks recorded as a stream of JSON objects, one per block:
//
//	{"number": 100, "hash": "0x..", "events": [
//	  {"section": "xyk", "method": "SellExecuted", "extrinsic": 1, "data": {"who": "..."}},
//	  {"section": "broadcast", "method": "Tick", "phase": "initialization", "data": {}}
//	]}
//
// Events without "extrinsic" belong to the initialization phase unless
// "phase" says "finalization". Integers decode as *big.Int, fractional numbers
// as decimal.Decimal, objects as Fields and arrays of objects as []Fields.
type FileSource struct {
	opts   FileOptions
	logger zerolog.Logger

	numbers []uint64
	hashes  map[uint64]common.Hash
	blocks  map[common.Hash][]fileEvent
}

type fileBlock struct {
	Number uint64      `json:"number"`
	Hash   string      `json:"hash"`
	Events []fileEvent `json:"events"`
}

type fileEvent struct {
	Section   string         `json:"section"`
	Method    string         `json:"method"`
	Extrinsic *uint32        `json:"extrinsic"`
	Phase     string         `json:"phase"`
	Data      map[string]any `json:"data"`
}

// OpenFileSource loads every block recorded in path.
func OpenFileSource(path string, opts FileOptions, logger zerolog.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	src, err := ReadFileSource(f, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// ReadFileSource decodes recorded blocks from r.
func ReadFileSource(r io.Reader, opts FileOptions, logger zerolog.Logger) (*FileSource, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 6 * time.Second
	}
	s := &FileSource{
		opts:   opts,
		logger: logger.With().Str("component", "file_source").Logger(),
		hashes: make(map[uint64]common.Hash),
		blocks: make(map[common.Hash][]fileEvent),
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	for {
		var b fileBlock
		if err := dec.Decode(&b); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode block: %w", err)
		}
		if _, dup := s.hashes[b.Number]; dup {
			return nil, fmt.Errorf("block %d recorded twice", b.Number)
		}
		hash := common.BigToHash(new(big.Int).SetUint64(b.Number))
		if b.Hash != "" {
			hash = common.HexToHash(b.Hash)
		}
		for i, ev := range b.Events {
			if ev.Section == "" || ev.Method == "" {
				return nil, fmt.Errorf("block %d event %d: section and method are required", b.Number, i)
			}
		}
		s.hashes[b.Number] = hash
		s.blocks[hash] = b.Events
		s.numbers = append(s.numbers, b.Number)
	}
	sort.Slice(s.numbers, func(i, j int) bool { return s.numbers[i] < s.numbers[j] })
	return s, nil
}

// Blocks returns the number of recorded blocks.
func (s *FileSource) Blocks() int {
	return len(s.numbers)
}

// Heads emits the recorded heights in ascending order, one per poll interval,
// then stays silent until ctx is cancelled.
func (s *FileSource) Heads(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for i, n := range s.numbers {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
		s.logger.Info().Int("blocks", len(s.numbers)).Msg("recorded blocks exhausted")
		<-ctx.Done()
	}()
	return out, nil
}

// BlockHashAt returns the recorded hash of height number.
func (s *FileSource) BlockHashAt(_ context.Context, number uint64) (common.Hash, error) {
	hash, ok := s.hashes[number]
	if !ok {
		return common.Hash{}, fmt.Errorf("block %d not recorded", number)
	}
	return hash, nil
}

// EventsAt builds fresh events for the recorded block.
func (s *FileSource) EventsAt(_ context.Context, hash common.Hash) ([]*Event, error) {
	recorded, ok := s.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block %s not recorded", hash.Hex())
	}
	events := make([]*Event, 0, len(recorded))
	for _, ev := range recorded {
		events = append(events, NewEvent(ev.Section, ev.Method, ev.phase(), normalizeFields(ev.Data)))
	}
	return events, nil
}

func (e fileEvent) phase() Phase {
	switch {
	case e.Extrinsic != nil:
		return ApplyExtrinsic(*e.Extrinsic)
	case strings.EqualFold(e.Phase, "finalization"):
		return Finalization()
	default:
		return Initialization()
	}
}

func normalizeFields(m map[string]any) Fields {
	out := make(Fields, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if b, ok := new(big.Int).SetString(t.String(), 10); ok {
			return b
		}
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return d
		}
		return t.String()
	case map[string]any:
		return normalizeFields(t)
	case []any:
		objects := make([]Fields, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				break
			}
			objects = append(objects, normalizeFields(m))
		}
		if len(objects) == len(t) {
			return objects
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

var _ DataSource = (*FileSource)(nil)
