package kv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"markd/internal/logging"
)

var entriesBucket = []byte("entries")

// Bolt is a Store over a single bbolt bucket.
type Bolt struct {
	db       *bbolt.DB
	capacity int64
	log      *logging.Logger
}

// OpenBolt opens or creates the bbolt file at opts.Path.
func OpenBolt(opts Options) (*Bolt, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("bolt: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opts.BusyTimeout
	if bopt.Timeout <= 0 {
		bopt.Timeout = 5 * time.Second
	}
	bopt.FreelistType = bbolt.FreelistMapType

	db, err := bbolt.Open(opts.Path, 0o600, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	s := &Bolt{db: db, capacity: opts.Quota, log: log.WithComponent("kv")}
	s.log.Debug("bolt store opened", "path", opts.Path, "quota", opts.Quota)
	return s, nil
}

func usage(b *bbolt.Bucket, skip string) int64 {
	var n int64
	b.ForEach(func(k, v []byte) error {
		if string(k) != skip {
			n += int64(len(k) + len(v))
		}
		return nil
	})
	return n
}

func (s *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(entriesBucket).Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return out, out != nil, nil
}

func (s *Bolt) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		if s.capacity > 0 && usage(b, key)+entrySize(key, value) > s.capacity {
			return ErrQuotaExceeded
		}
		if value == nil {
			value = []byte{}
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Bolt) Delete(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (s *Bolt) BytesInUse(context.Context) (int64, int64, error) {
	var used int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		used = usage(tx.Bucket(entriesBucket), "")
		return nil
	})
	return used, s.capacity, err
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
