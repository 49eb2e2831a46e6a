// Package httpsource implements the dictcache Source contract (spec.md
// §6) over HTTP: it POSTs the requested keys and streams the response
// back as newline-delimited JSON rows, demonstrating the Source contract
// against a transport with its own retry semantics
// (github.com/hashicorp/go-retryablehttp, as used by
// ipni-go-libipni/dagsync/ipnisync for its sync client).
package httpsource

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	multierror "github.com/hashicorp/go-multierror"

	dictcache "github.com/oakledger/dictcache"
	"github.com/oakledger/dictcache/cache"
	"github.com/oakledger/dictcache/retry"
)

// DefaultBatchSize is how many decoded rows Next groups into one Block.
const DefaultBatchSize = 256

// Source fetches attribute rows from an HTTP endpoint that accepts a JSON
// request body naming the requested keys and responds with one JSON
// object per line: {"keys": [...], "attrs": [...]}, in schema key/attribute
// order.
type Source struct {
	client    *retryablehttp.Client
	schema    *dictcache.Schema
	url       string
	batchSize int
	retry     retry.Config

	// respCache, if set via WithResponseCache, holds raw response bodies
	// keyed by request payload hash so identical requests within
	// respCacheTTL skip the round trip entirely. This is independent of
	// (and sits in front of) the dictcache Cache's own Slot Storage.
	respCache    cache.Cache
	respCacheTTL time.Duration
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithBatchSize overrides how many decoded rows Next groups into one Block.
func WithBatchSize(n int) Option {
	return func(s *Source) { s.batchSize = n }
}

// WithResponseCache caches raw response bodies in c, keyed by a hash of the
// request payload, for ttl. A repeated request for the same key set within
// ttl is served from c without contacting the upstream at all.
func WithResponseCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Source) {
		s.respCache = c
		s.respCacheTTL = ttl
	}
}

// New builds a Source posting requests to url. client is used as-is; pass
// a *retryablehttp.Client configured with whatever RetryMax/backoff suits
// the upstream (retryablehttp.NewClient() for sane defaults).
func New(client *retryablehttp.Client, schema *dictcache.Schema, url string, opts ...Option) *Source {
	s := &Source{
		client:    client,
		schema:    schema,
		url:       url,
		batchSize: DefaultBatchSize,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   0, // retryablehttp already backs off at the transport level
			IsRetryable: isNetworkError,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsSelectiveLoad is always true.
func (s *Source) SupportsSelectiveLoad() bool { return true }

type request struct {
	IDs  []uint64 `json:"ids,omitempty"`
	Keys [][]any  `json:"keys,omitempty"`
}

// LoadIDs posts {"ids": ids} and streams the NDJSON response.
func (s *Source) LoadIDs(ctx context.Context, ids []uint64) (dictcache.BlockStream, error) {
	return s.post(ctx, request{IDs: ids})
}

// LoadKeys posts the selected complex-key rows and streams the NDJSON
// response.
func (s *Source) LoadKeys(ctx context.Context, columns []dictcache.Column, rowSelector []int) (dictcache.BlockStream, error) {
	rows := make([][]any, len(rowSelector))
	for i, r := range rowSelector {
		row := make([]any, len(columns))
		for c, col := range columns {
			row[c] = col[r]
		}
		rows[i] = row
	}
	return s.post(ctx, request{Keys: rows})
}

func (s *Source) post(ctx context.Context, body request) (dictcache.BlockStream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpsource: encode request: %w", err)
	}

	var raw []byte
	if s.respCache != nil {
		raw, err = s.respCache.GetOrSet(ctx, cacheKey(s.url, payload), s.respCacheTTL, func(ctx context.Context) ([]byte, error) {
			return s.doPost(ctx, payload)
		})
	} else {
		raw, err = s.doPost(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	return &ndjsonStream{
		schema:    s.schema,
		body:      io.NopCloser(bytes.NewReader(raw)),
		scanner:   bufio.NewScanner(bytes.NewReader(raw)),
		batchSize: s.batchSize,
	}, nil
}

// doPost issues the HTTP request and reads the full response body into
// memory. Buffering the whole body (rather than streaming it lazily off
// the live connection) is what lets an identical request be served from
// respCache without re-issuing the round trip.
func (s *Source) doPost(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := retry.Do(ctx, s.retry, func(ctx context.Context) (*http.Response, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return s.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("httpsource: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsource: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpsource: read body: %w", err)
	}
	return raw, nil
}

func cacheKey(url string, payload []byte) string {
	sum := sha256.Sum256(append([]byte(url+"\x00"), payload...))
	return hex.EncodeToString(sum[:])
}

// isNetworkError treats any error reaching this layer as worth one more
// attempt: retryablehttp.Client.Do already classifies HTTP-level
// retryability internally and only returns an error once its own retries
// are exhausted, so whatever surfaces here is a connection-establishment
// failure (DNS, dial, TLS) rather than a transient HTTP status.
func isNetworkError(err error) bool {
	return err != nil
}

// ndjsonRow is one decoded line of the response body.
type ndjsonRow struct {
	Keys  []any `json:"keys"`
	Attrs []any `json:"attrs"`
}

// ndjsonStream decodes the response body, which post has already read into
// memory in full, one Block of up to batchSize rows at a time.
type ndjsonStream struct {
	schema    *dictcache.Schema
	body      io.ReadCloser
	scanner   *bufio.Scanner
	batchSize int
	decodeErr *multierror.Error
}

func (s *ndjsonStream) Next(ctx context.Context) (dictcache.Block, bool, error) {
	keyWidth := keyWidth(s.schema)
	width := len(s.schema.Attributes)
	keyCols := make([]dictcache.Column, keyWidth)
	attrCols := make([]dictcache.Column, width)

	rows := 0
	for rows < s.batchSize && s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return dictcache.Block{}, false, ctx.Err()
		default:
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row ndjsonRow
		if err := json.Unmarshal(line, &row); err != nil {
			s.decodeErr = multierror.Append(s.decodeErr, fmt.Errorf("httpsource: decode row: %w", err))
			continue
		}
		for c := 0; c < keyWidth && c < len(row.Keys); c++ {
			v := row.Keys[c]
			if keyWidth == 1 && s.schema.KeyShape == dictcache.KeyShapeSimple {
				v = coerceUint64(v)
			}
			keyCols[c] = append(keyCols[c], v)
		}
		for a := 0; a < width && a < len(row.Attrs); a++ {
			attrCols[a] = append(attrCols[a], coerceScalar(row.Attrs[a], s.schema.Attributes[a].Type))
		}
		rows++
	}
	if err := s.scanner.Err(); err != nil {
		s.decodeErr = multierror.Append(s.decodeErr, fmt.Errorf("httpsource: read body: %w", err))
	}
	if rows == 0 {
		return dictcache.Block{}, false, s.decodeErr.ErrorOrNil()
	}
	return dictcache.Block{Columns: append(keyCols, attrCols...)}, true, s.decodeErr.ErrorOrNil()
}

func (s *ndjsonStream) Close() error {
	return s.body.Close()
}

// coerceUint64 converts a JSON-decoded simple-key value to uint64.
// encoding/json decodes all numbers into any as float64, so
// SourceDriver.drain's keyCols[0][r].(uint64) type assertion would
// otherwise panic on every row an HTTP endpoint returns.
func coerceUint64(v any) any {
	switch t := v.(type) {
	case float64:
		return uint64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return uint64(0)
		}
		return uint64(n)
	default:
		return v
	}
}

// coerceScalar converts a JSON-decoded attribute value to the Go type its
// schema-declared ScalarType expects, since encoding/json only ever
// produces float64, string, bool, []any, map[string]any or nil.
func coerceScalar(v any, t dictcache.ScalarType) any {
	if v == nil {
		return v
	}
	f, isFloat := v.(float64)
	switch t {
	case dictcache.ScalarUInt64:
		if isFloat {
			return uint64(f)
		}
	case dictcache.ScalarInt64:
		if isFloat {
			return int64(f)
		}
	case dictcache.ScalarFloat64:
		if isFloat {
			return f
		}
	case dictcache.ScalarString:
		if s, ok := v.(string); ok {
			return s
		}
	case dictcache.ScalarBytes:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return v
}

func keyWidth(schema *dictcache.Schema) int {
	if schema.KeyShape == dictcache.KeyShapeComplex {
		return len(schema.ComplexKeyColumns)
	}
	return 1
}
