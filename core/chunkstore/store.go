package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/klauspost/compress/zstd"
)

const chunkPrefix = "/chunks"

var (
	ErrNotFound   = errors.New("chunk not found")
	ErrCorrupt    = errors.New("stored chunk is corrupt")
	ErrInvalidKey = errors.New("invalid chunk key")
)

// ChunkRef identifies one stored chunk.
type ChunkRef struct {
	Owner   string
	File    string
	ChunkID int
}

// Store is the byte-blob storage a peer keeps custody chunks in.
type Store interface {
	Put(ctx context.Context, owner, file string, chunkID int, data []byte) error
	Get(ctx context.Context, owner, file string, chunkID int) ([]byte, error)
	Enumerate(ctx context.Context) ([]ChunkRef, error)
}

// DatastoreStore keeps zstd-compressed chunks in a go-datastore, fronted by
// an LRU of decompressed payloads.
type DatastoreStore struct {
	store ds.Datastore
	cache *lru.Cache[string, []byte]

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Open creates a leveldb-backed store at path.
func Open(path string, cacheSize int) (*DatastoreStore, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open chunk store %s: %w", path, err)
	}

	return New(store, cacheSize)
}

// New wraps an existing datastore. cacheSize <= 0 disables the read cache.
func New(store ds.Datastore, cacheSize int) (*DatastoreStore, error) {
	s := &DatastoreStore{store: store}

	if cacheSize > 0 {
		cache, err := lru.New[string, []byte](cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	s.encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return s, nil
}

func chunkKey(owner, file string, chunkID int) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%s/%s/%d", chunkPrefix, url.PathEscape(owner), url.PathEscape(file), chunkID))
}

func parseChunkKey(k string) (ChunkRef, error) {
	parts := strings.Split(strings.TrimPrefix(k, chunkPrefix+"/"), "/")
	if len(parts) != 3 {
		return ChunkRef{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}

	owner, err := url.PathUnescape(parts[0])
	if err != nil {
		return ChunkRef{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	file, err := url.PathUnescape(parts[1])
	if err != nil {
		return ChunkRef{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return ChunkRef{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}

	return ChunkRef{Owner: owner, File: file, ChunkID: id}, nil
}

func (s *DatastoreStore) Put(ctx context.Context, owner, file string, chunkID int, data []byte) error {
	k := chunkKey(owner, file, chunkID)
	if err := s.store.Put(ctx, k, s.compress(data)); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}

	if s.cache != nil {
		s.cache.Add(k.String(), append([]byte(nil), data...))
	}

	return nil
}

func (s *DatastoreStore) Get(ctx context.Context, owner, file string, chunkID int) ([]byte, error) {
	k := chunkKey(owner, file, chunkID)
	if s.cache != nil {
		if data, ok := s.cache.Get(k.String()); ok {
			return data, nil
		}
	}

	raw, err := s.store.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}

	data, err := s.decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", k, ErrCorrupt, err)
	}

	if s.cache != nil {
		s.cache.Add(k.String(), data)
	}

	return data, nil
}

// Enumerate lists every stored chunk ordered by owner, file and chunk id.
func (s *DatastoreStore) Enumerate(ctx context.Context) ([]ChunkRef, error) {
	res, err := s.store.Query(ctx, dsq.Query{Prefix: chunkPrefix, KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	defer res.Close()

	refs := make([]ChunkRef, 0)
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return nil, fmt.Errorf("enumerate: %w", r.Error)
		}

		ref, err := parseChunkKey(r.Key)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Owner != refs[j].Owner {
			return refs[i].Owner < refs[j].Owner
		}
		if refs[i].File != refs[j].File {
			return refs[i].File < refs[j].File
		}
		return refs[i].ChunkID < refs[j].ChunkID
	})

	return refs, nil
}

// Find locates a chunk by file and id regardless of owner. Pull requests
// carry no owner, so the first owner in key order wins.
func (s *DatastoreStore) Find(ctx context.Context, file string, chunkID int) ([]byte, string, error) {
	refs, err := s.Enumerate(ctx)
	if err != nil {
		return nil, "", err
	}

	for _, ref := range refs {
		if ref.File == file && ref.ChunkID == chunkID {
			data, err := s.Get(ctx, ref.Owner, ref.File, ref.ChunkID)
			return data, ref.Owner, err
		}
	}

	return nil, "", fmt.Errorf("%s:%d: %w", file, chunkID, ErrNotFound)
}

// OwnerOf infers the owner of file from chunks already held for it.
func (s *DatastoreStore) OwnerOf(ctx context.Context, file string) (string, bool) {
	refs, err := s.Enumerate(ctx)
	if err != nil {
		return "", false
	}

	for _, ref := range refs {
		if ref.File == file {
			return ref.Owner, true
		}
	}

	return "", false
}

// Count returns the number of stored chunks, or 0 if the store cannot be read.
func (s *DatastoreStore) Count(ctx context.Context) int {
	refs, err := s.Enumerate(ctx)
	if err != nil {
		return 0
	}

	return len(refs)
}

func (s *DatastoreStore) Close() error {
	return s.store.Close()
}

func (s *DatastoreStore) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

func (s *DatastoreStore) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}
