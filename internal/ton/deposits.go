package ton

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	depositKeyPrefix   = "deposits:native:"
	depositTxKeyPrefix = "deposits:tx:"
	depositTxTTL       = 7 * 24 * time.Hour
)

var ErrInsufficientDeposit = errors.New("insufficient deposit")

// SET NX on the tx marker guards against crediting one transfer twice.
var creditScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[2]) then
	return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return -1
`)

var consumeScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if bal < amt then
	return -1
end
return redis.call('DECRBY', KEYS[1], ARGV[1])
`)

// DepositStore tracks nanoTON sent to the hot wallet by each participant
// and not yet pulled into custody by a market operation.
type DepositStore struct {
	rdb *redis.Client
}

func NewDepositStore(rdb *redis.Client) *DepositStore {
	return &DepositStore{rdb: rdb}
}

// Credit adds an incoming transfer to the sender's deposit. Returns false
// when txRef was already credited.
func (s *DepositStore) Credit(ctx context.Context, participant, txRef string, nano uint64) (bool, error) {
	if err := checkNano(nano); err != nil {
		return false, err
	}
	res, err := creditScript.Run(ctx, s.rdb,
		[]string{depositKeyPrefix + participant, depositTxKeyPrefix + txRef},
		strconv.FormatUint(nano, 10), int(depositTxTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("credit deposit: %w", err)
	}
	return res >= 0, nil
}

// Consume atomically takes nano from the participant's deposit.
func (s *DepositStore) Consume(ctx context.Context, participant string, nano uint64) error {
	if err := checkNano(nano); err != nil {
		return err
	}
	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{depositKeyPrefix + participant},
		strconv.FormatUint(nano, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("consume deposit: %w", err)
	}
	if res < 0 {
		return ErrInsufficientDeposit
	}
	return nil
}

func (s *DepositStore) Balance(ctx context.Context, participant string) (uint64, error) {
	v, err := s.rdb.Get(ctx, depositKeyPrefix+participant).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("deposit balance: %w", err)
	}
	return v, nil
}

// Lua numbers are doubles; larger amounts lose precision.
const maxDepositNano = 1 << 53

func checkNano(nano uint64) error {
	if nano == 0 {
		return fmt.Errorf("zero deposit amount")
	}
	if nano > maxDepositNano {
		return fmt.Errorf("deposit amount %d exceeds %d nanoTON", nano, uint64(maxDepositNano))
	}
	return nil
}
