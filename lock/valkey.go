package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

const keyPrefix = "assessment:lock:"

// releaseScript deletes the key only when it still carries our token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Valkey is a Locker shared by every instance pointed at the same server.
type Valkey struct {
	client valkey.Client
	token  string
}

func NewValkey(addr string) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("valkey lock connected")
	return &Valkey{client: client, token: uuid.NewString()}, nil
}

func (v *Valkey) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := v.client.B().Set().Key(keyPrefix + key).Value(v.token).Nx().Px(ttl).Build()
	err := v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return true, nil
}

func (v *Valkey) Release(ctx context.Context, key string) error {
	err := releaseScript.Exec(ctx, v.client, []string{keyPrefix + key}, []string{v.token}).Error()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
