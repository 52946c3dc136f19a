package tiercache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisTLSConfig controls TLS for the shared tier connection.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig holds connection settings for the shared L3 tier.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// Redis is the L3 tier: shared across processes, slowest and largest. The
// server owns expiry via PX, so Lookup never sees a stale entry.
type Redis struct {
	client valkey.Client
}

// NewRedis connects to the shared tier and verifies it with a ping.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("tiercache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("tiercache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("tiercache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("tiercache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("tiercache: redis ping: %w", err)
	}

	return &Redis{client: client}, nil
}

// Name identifies the tier in logs and metrics.
func (r *Redis) Name() string { return "l3" }

// Lookup returns the entry for key.
func (r *Redis) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("tiercache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("tiercache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("tiercache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

// Store writes the entry with server-side expiry derived from the envelope.
func (r *Redis) Store(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		return errors.New("tiercache: redis entry expiry required")
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tiercache: redis marshal: %w", err)
	}
	cmd := r.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("tiercache: redis set: %w", err)
	}
	return nil
}

// Delete removes the given keys in one DEL call.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Do(ctx, r.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("tiercache: redis del: %w", err)
	}
	return nil
}

// Keys lists every key via SCAN so the tier stays responsive under load.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		resp := r.client.Do(ctx, r.client.B().Scan().Cursor(cursor).Count(100).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("tiercache: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

// PurgeExpired is a no-op: the server expires entries itself.
func (r *Redis) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

// Clear wipes the selected database.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("tiercache: redis flushdb: %w", err)
	}
	return nil
}

// Len reports the number of keys in the selected database.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	resp := r.client.Do(ctx, r.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("tiercache: redis dbsize: %w", err)
	}
	return size, nil
}

// Close releases the client connection.
func (r *Redis) Close(context.Context) error {
	r.client.Close()
	return nil
}
