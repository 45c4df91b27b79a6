package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

const ledgerPrefix = "/ledger"

// LedgerStore persists ledger entries as JSON in a go-datastore.
type LedgerStore struct {
	Entries ds.Datastore
}

func NewLedgerStore(path string) (*LedgerStore, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger store %s: %w", path, err)
	}

	return &LedgerStore{
		Entries: store,
	}, nil
}

func ledgerKey(key LedgerKey) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%s/%s", ledgerPrefix, url.PathEscape(key.Owner), url.PathEscape(key.File)))
}

func (s *LedgerStore) Save(ctx context.Context, key LedgerKey, entry LedgerEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.Entries.Put(ctx, ledgerKey(key), b)
}

func (s *LedgerStore) Delete(ctx context.Context, key LedgerKey) error {
	return s.Entries.Delete(ctx, ledgerKey(key))
}

func (s *LedgerStore) Load(ctx context.Context) (map[LedgerKey]LedgerEntry, error) {
	entries := map[LedgerKey]LedgerEntry{}

	res, err := s.Entries.Query(ctx, dsq.Query{Prefix: ledgerPrefix})
	if err != nil {
		return entries, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return entries, r.Error
		}

		parts := strings.Split(strings.TrimPrefix(r.Key, ledgerPrefix+"/"), "/")
		if len(parts) != 2 {
			log.Warnw("ledger", "status", "skipping unreadable key", "key", r.Key)
			continue
		}
		owner, err := url.PathUnescape(parts[0])
		if err != nil {
			continue
		}
		file, err := url.PathUnescape(parts[1])
		if err != nil {
			continue
		}

		var entry LedgerEntry
		if err := json.Unmarshal(r.Value, &entry); err != nil {
			return entries, fmt.Errorf("decode ledger entry %s: %w", r.Key, err)
		}
		entries[LedgerKey{Owner: owner, File: file}] = entry
	}

	return entries, nil
}

func (s *LedgerStore) Close() error {
	return s.Entries.Close()
}
