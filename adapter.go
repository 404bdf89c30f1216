package atrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"southwinds.dev/atrest/persist"
)

// ErrRecordNotObject is returned by StoreEncrypted for a record that does not
// serialize to a non-null JSON object
var ErrRecordNotObject = errors.New("record must serialize to a JSON object")

// Adapter stores records in a persist.Table encrypted under the session passphrase,
// and decrypts them on the way back. Documents without an envelope are passed
// through unchanged so tables written before encryption stay readable.
type Adapter struct {
	codec       *Codec
	session     *Session
	clearFields []string
	clearAll    bool
	logger      zerolog.Logger
}

// NewAdapter creates an adapter over codec and session. Only opts.ClearFields and
// opts.Logger are read.
func NewAdapter(codec *Codec, session *Session, opts Options) *Adapter {
	opts = opts.withDefaults()
	return &Adapter{
		codec:       codec,
		session:     session,
		clearFields: opts.ClearFields,
		clearAll:    opts.ClearFields == nil,
		logger:      *opts.Logger,
	}
}

func (a *Adapter) passphrase(op string) (string, error) {
	p, ok := a.session.Get()
	if !ok {
		return "", newError(NotAuthenticated, op, "", nil)
	}
	return p, nil
}

// StoreEncrypted serializes record to JSON, encrypts it with the session passphrase,
// adds the wrapped document to table and returns the key the table assigned.
func (a *Adapter) StoreEncrypted(ctx context.Context, table persist.Table, record any) (string, error) {
	const op = "store record"
	passphrase, err := a.passphrase(op)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", newError(Other, op, "failed to serialize record", err)
	}
	// retrieval only accepts objects, so anything else would lock the table
	var all map[string]any
	if err = json.Unmarshal(data, &all); err != nil || all == nil {
		return "", newError(Other, op, fmt.Sprintf("got %T", record), ErrRecordNotObject)
	}

	env, err := a.codec.Encrypt(ctx, string(data), passphrase)
	if err != nil {
		return "", withOp(op, err)
	}

	key, err := table.Add(ctx, WrappedRecord{Fields: a.clearCopy(all), Envelope: env}.Document())
	if err != nil {
		return "", newError(Other, op, fmt.Sprintf("table %s", table.Name()), err)
	}
	return key, nil
}

// clearCopy selects the application fields stored unencrypted
func (a *Adapter) clearCopy(all map[string]any) persist.Document {
	if a.clearAll {
		return all
	}

	fields := persist.Document{}
	if v, ok := all[persist.KeyField]; ok {
		fields[persist.KeyField] = v
	}
	for _, name := range a.clearFields {
		if v, ok := all[name]; ok {
			fields[name] = v
		}
	}
	return fields
}

// RetrieveEncrypted returns the record stored under key, decrypted. found is false
// when the table has no such key. Legacy plain documents are returned unchanged.
func (a *Adapter) RetrieveEncrypted(ctx context.Context, table persist.Table, key string) (persist.Document, bool, error) {
	const op = "retrieve record"
	passphrase, err := a.passphrase(op)
	if err != nil {
		return nil, false, err
	}

	doc, found, err := table.Get(ctx, key)
	if err != nil {
		return nil, false, newError(Other, op, fmt.Sprintf("table %s", table.Name()), err)
	}
	if !found {
		return nil, false, nil
	}

	out, err := a.openDocument(ctx, op, doc, passphrase)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// RetrieveAllEncrypted returns every record of table in table order. The first
// failure aborts the scan and no partial result is returned.
func (a *Adapter) RetrieveAllEncrypted(ctx context.Context, table persist.Table) ([]persist.Document, error) {
	const op = "retrieve all records"
	passphrase, err := a.passphrase(op)
	if err != nil {
		return nil, err
	}

	docs, err := table.ToArray(ctx)
	if err != nil {
		return nil, newError(Other, op, fmt.Sprintf("table %s", table.Name()), err)
	}

	out := make([]persist.Document, 0, len(docs))
	for _, doc := range docs {
		rec, err := a.openDocument(ctx, op, doc, passphrase)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) openDocument(ctx context.Context, op string, doc persist.Document, passphrase string) (persist.Document, error) {
	plaintext, legacy, err := a.open(ctx, op, doc, passphrase)
	if err != nil {
		return nil, err
	}
	if legacy != nil {
		return legacy, nil
	}

	var out persist.Document
	if err = json.Unmarshal(plaintext, &out); err != nil || out == nil {
		return nil, newError(DataCorruption, op, "decrypted record is not a JSON object", err)
	}
	return out, nil
}

// open returns either the decrypted JSON of a wrapped document, or the legacy
// document itself
func (a *Adapter) open(ctx context.Context, op string, doc persist.Document, passphrase string) ([]byte, persist.Document, error) {
	rec, err := ParseStoredRecord(doc)
	if err != nil {
		return nil, nil, withOp(op, err)
	}

	switch r := rec.(type) {
	case PlainRecord:
		a.logger.Debug().Interface("key", r.Document[persist.KeyField]).Msg("returning unencrypted legacy record")
		return nil, r.Document, nil
	case WrappedRecord:
		plaintext, err := a.codec.Decrypt(ctx, r.Envelope, passphrase)
		if err != nil {
			return nil, nil, withOp(op, err)
		}
		return []byte(plaintext), nil, nil
	default:
		return nil, nil, newError(Other, op, fmt.Sprintf("unexpected record type %T", rec), nil)
	}
}

// Store encrypts and stores a typed record
func Store[T any](ctx context.Context, a *Adapter, table persist.Table, record T) (string, error) {
	return a.StoreEncrypted(ctx, table, record)
}

// Retrieve decrypts the record under key into a T
func Retrieve[T any](ctx context.Context, a *Adapter, table persist.Table, key string) (T, bool, error) {
	const op = "retrieve record"
	var zero T
	passphrase, err := a.passphrase(op)
	if err != nil {
		return zero, false, err
	}

	doc, found, err := table.Get(ctx, key)
	if err != nil {
		return zero, false, newError(Other, op, fmt.Sprintf("table %s", table.Name()), err)
	}
	if !found {
		return zero, false, nil
	}

	v, err := decodeAs[T](ctx, a, op, doc, passphrase)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// RetrieveAll decrypts every record of table into a []T, failing on the first error
func RetrieveAll[T any](ctx context.Context, a *Adapter, table persist.Table) ([]T, error) {
	const op = "retrieve all records"
	passphrase, err := a.passphrase(op)
	if err != nil {
		return nil, err
	}

	docs, err := table.ToArray(ctx)
	if err != nil {
		return nil, newError(Other, op, fmt.Sprintf("table %s", table.Name()), err)
	}

	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decodeAs[T](ctx, a, op, doc, passphrase)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeAs[T any](ctx context.Context, a *Adapter, op string, doc persist.Document, passphrase string) (T, error) {
	var v T
	plaintext, legacy, err := a.open(ctx, op, doc, passphrase)
	if err != nil {
		return v, err
	}
	if legacy != nil {
		if plaintext, err = json.Marshal(legacy); err != nil {
			return v, newError(Other, op, "failed to serialize legacy record", err)
		}
	}
	if err = json.Unmarshal(plaintext, &v); err != nil {
		return v, newError(DataCorruption, op, "record does not match the requested type", err)
	}
	return v, nil
}
