// Package redissource implements the dictcache Source contract (spec.md
// §6) against Redis hashes, the way the teacher's cache.L2 is one concrete
// Cache implementation over github.com/redis/go-redis/v9 (see
// cache/redis.go). Each key maps to a hash whose fields are attribute
// names and whose values are the attribute's textual encoding; a missing
// hash means the source has no row for that key.
package redissource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	dictcache "github.com/oakledger/dictcache"
)

const pipelineBatchSize = 500

// Source reads attribute rows for a dictcache.Schema out of Redis hashes
// addressed by KeyPrefix + the key's textual form.
type Source struct {
	rdb       *redis.Client
	schema    *dictcache.Schema
	keyPrefix string
}

// New builds a Source over rdb. schema fixes the attribute layout every
// hash is decoded against; keyPrefix namespaces the hash keys (e.g.
// "dict:users:").
func New(rdb *redis.Client, schema *dictcache.Schema, keyPrefix string) *Source {
	return &Source{rdb: rdb, schema: schema, keyPrefix: keyPrefix}
}

// SupportsSelectiveLoad is always true: Redis HGETALL-per-key is
// selective by construction.
func (s *Source) SupportsSelectiveLoad() bool { return true }

// LoadIDs fetches rows for simple (uint64) keys.
func (s *Source) LoadIDs(ctx context.Context, ids []uint64) (dictcache.BlockStream, error) {
	redisKeys := make([]string, len(ids))
	for i, id := range ids {
		redisKeys[i] = s.keyPrefix + strconv.FormatUint(id, 10)
	}
	block, err := s.fetchBlock(ctx, redisKeys, func(i int) dictcache.Column {
		return dictcache.Column{ids[i]}
	})
	if err != nil {
		return nil, err
	}
	return newSingleBlockStream(block), nil
}

// LoadKeys fetches rows for complex keys, addressed by joining the
// selected columns' byte values with ":".
func (s *Source) LoadKeys(ctx context.Context, columns []dictcache.Column, rowSelector []int) (dictcache.BlockStream, error) {
	redisKeys := make([]string, len(rowSelector))
	keyCols := make([]dictcache.Column, len(columns))
	for c := range keyCols {
		keyCols[c] = make(dictcache.Column, len(rowSelector))
	}
	for i, row := range rowSelector {
		parts := make([]string, len(columns))
		for c, col := range columns {
			if b, ok := col[row].([]byte); ok {
				parts[c] = string(b)
			} else {
				parts[c] = fmt.Sprint(col[row])
			}
			keyCols[c][i] = col[row]
		}
		redisKeys[i] = s.keyPrefix + strings.Join(parts, ":")
	}
	block, err := s.fetchBlock(ctx, redisKeys, func(i int) dictcache.Column {
		row := make(dictcache.Column, len(keyCols))
		for c := range keyCols {
			row[c] = keyCols[c][i]
		}
		return row
	})
	if err != nil {
		return nil, err
	}
	return newSingleBlockStream(block), nil
}

// fetchBlock pipelines HGETALL over redisKeys in batches, decoding each
// non-empty hash into a row and skipping keys Redis has no hash for
// (those surface to the caller as a miss, same as any other absent key).
func (s *Source) fetchBlock(ctx context.Context, redisKeys []string, keyRow func(i int) dictcache.Column) (dictcache.Block, error) {
	width := len(s.schema.Attributes)
	var keyColumns []dictcache.Column
	attrColumns := make([]dictcache.Column, width)

	for start := 0; start < len(redisKeys); start += pipelineBatchSize {
		end := min(start+pipelineBatchSize, len(redisKeys))
		batch := redisKeys[start:end]

		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(batch))
		for i, rk := range batch {
			cmds[i] = pipe.HGetAll(ctx, rk)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return dictcache.Block{}, fmt.Errorf("redissource: pipeline exec: %w", err)
		}

		for i, cmd := range cmds {
			hash, err := cmd.Result()
			if err != nil {
				return dictcache.Block{}, fmt.Errorf("redissource: hgetall: %w", err)
			}
			if len(hash) == 0 {
				continue // no row for this key; caller treats it as a miss
			}
			if keyColumns == nil {
				keyColumns = make([]dictcache.Column, len(keyRow(start+i)))
			}
			row := keyRow(start + i)
			for c, v := range row {
				keyColumns[c] = append(keyColumns[c], v)
			}
			for a, attr := range s.schema.Attributes {
				attrColumns[a] = append(attrColumns[a], decode(attr, hash[attr.Name]))
			}
		}
	}

	return dictcache.Block{Columns: append(keyColumns, attrColumns...)}, nil
}

func decode(attr dictcache.Attribute, raw string) any {
	if raw == "" {
		return attr.NullValue
	}
	switch attr.Type {
	case dictcache.ScalarUInt64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return attr.NullValue
		}
		return v
	case dictcache.ScalarInt64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return attr.NullValue
		}
		return v
	case dictcache.ScalarFloat64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return attr.NullValue
		}
		return v
	case dictcache.ScalarBytes:
		return []byte(raw)
	default: // ScalarString
		return raw
	}
}

// singleBlockStream serves one precomputed Block and then ends; fetchBlock
// already exhausted all pipelined reads eagerly, so there is nothing left
// to stream incrementally.
type singleBlockStream struct {
	block  dictcache.Block
	served bool
}

func newSingleBlockStream(b dictcache.Block) *singleBlockStream {
	return &singleBlockStream{block: b}
}

func (s *singleBlockStream) Next(ctx context.Context) (dictcache.Block, bool, error) {
	if s.served {
		return dictcache.Block{}, false, nil
	}
	s.served = true
	return s.block, true, nil
}

func (s *singleBlockStream) Close() error { return nil }
