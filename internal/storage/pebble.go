package storage

import (
	"errors"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"

	logx "canvasindex/pkg/logx"
)

type pebbleBackend struct {
	db *pebble.DB
}

func openPebble(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for pebble driver")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	log.Debug("pebble store opened", logx.String("path", path))
	return newKVStore(&pebbleBackend{db: db}), nil
}

func (b *pebbleBackend) get(key []byte) ([]byte, bool, error) {
	val, closer, err := b.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (b *pebbleBackend) set(key, value []byte) error { return b.db.Set(key, value, pebble.Sync) }

func (b *pebbleBackend) del(key []byte) error { return b.db.Delete(key, pebble.Sync) }

func (b *pebbleBackend) close() error { return b.db.Close() }
