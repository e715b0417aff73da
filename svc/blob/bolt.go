package blob

import (
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var blobBucket = []byte("blobs")

// Bolt keeps every blob in a single bbolt file.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return errors.Wrap(err, "create blob bucket")
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(ctx context.Context, path string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := checkPath(path); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(tx.Bucket(blobBucket).Put([]byte(path), data), "put blob")
	})
}

func (b *Bolt) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blobBucket).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		// raw is only valid inside the transaction.
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

func (b *Bolt) Remove(ctx context.Context, path string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(tx.Bucket(blobBucket).Delete([]byte(path)), "delete blob")
	})
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(blobBucket) == nil {
			return errors.New("blob bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
