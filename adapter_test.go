package atrest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/atrest/persist"
)

type holding struct {
	Symbol string  `json:"symbol"`
	Shares float64 `json:"shares"`
}

type portfolio struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Holdings []holding `json:"holdings"`
}

func newTestAdapter(t *testing.T, opts Options) (*Adapter, *Session, persist.Table) {
	t.Helper()
	codec := newTestCodec(t, opts)
	session := NewSession()
	table, err := persist.NewMemoryTable("portfolios")
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return NewAdapter(codec, session, opts), session, table
}

func TestAdapterRequiresSession(t *testing.T) {
	a, _, table := newTestAdapter(t, testOptions())
	ctx := context.Background()

	_, err := a.StoreEncrypted(ctx, table, map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, _, err = a.RetrieveEncrypted(ctx, table, "p-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = a.RetrieveAllEncrypted(ctx, table)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, _, err = Retrieve[portfolio](ctx, a, table, "p-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = RetrieveAll[portfolio](ctx, a, table)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	n, err := table.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing reaches the table without a session")
}

func TestAdapterStoreAndRetrieve(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	record := map[string]any{"id": "p-1", "name": "Retirement", "value": 1250.5}
	key, err := a.StoreEncrypted(ctx, table, record)
	require.NoError(t, err)
	assert.Equal(t, "p-1", key)

	got, found, err := a.RetrieveEncrypted(ctx, table, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, persist.Document{"id": "p-1", "name": "Retirement", "value": 1250.5}, got)

	_, found, err = a.RetrieveEncrypted(ctx, table, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdapterAssignsKey(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	key, err := a.StoreEncrypted(ctx, table, map[string]any{"name": "no id"})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	got, found, err := a.RetrieveEncrypted(ctx, table, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "no id", got["name"])
}

func TestAdapterWrappedRecordShape(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	key, err := a.StoreEncrypted(ctx, table, map[string]any{"id": "p-1", "name": "Retirement"})
	require.NoError(t, err)

	raw, found, err := table.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, true, raw[encryptedMarker])
	env, ok := raw[encryptedDataField].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"ciphertext", "iv", "salt", "verification"} {
		assert.NotEmpty(t, env[field], field)
	}
	assert.NotContains(t, env, "scheme")
	// all application fields are copied by default
	assert.Equal(t, "Retirement", raw["name"])
}

func TestAdapterClearFieldsHidesPlaintext(t *testing.T) {
	opts := testOptions()
	opts.ClearFields = []string{}
	a, session, table := newTestAdapter(t, opts)
	ctx := context.Background()
	session.Set(testPassphrase)

	record := portfolio{ID: "p-1", Name: "Secret Stash", Holdings: []holding{{Symbol: "VTI", Shares: 12}}}
	key, err := Store(ctx, a, table, record)
	require.NoError(t, err)

	raw, _, err := table.Get(ctx, key)
	require.NoError(t, err)
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Secret Stash")
	assert.NotContains(t, string(data), "VTI")
	assert.Equal(t, "p-1", raw[persist.KeyField], "the key field is always kept")

	got, found, err := Retrieve[portfolio](ctx, a, table, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record, got)
}

func TestAdapterClearFieldsSelection(t *testing.T) {
	opts := testOptions()
	opts.ClearFields = []string{"name"}
	a, session, table := newTestAdapter(t, opts)
	ctx := context.Background()
	session.Set(testPassphrase)

	key, err := a.StoreEncrypted(ctx, table, map[string]any{"id": "p-1", "name": "Retirement", "value": 10})
	require.NoError(t, err)

	raw, _, err := table.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Retirement", raw["name"])
	assert.NotContains(t, raw, "value")
}

func TestAdapterMarkersWinOverFields(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	record := map[string]any{"id": "p-1", encryptedMarker: false, encryptedDataField: "spoofed"}
	key, err := a.StoreEncrypted(ctx, table, record)
	require.NoError(t, err)

	got, found, err := a.RetrieveEncrypted(ctx, table, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "spoofed", got[encryptedDataField])
}

func TestAdapterLegacyRecords(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()

	legacy := persist.Document{"id": "legacy-1", "name": "Old Portfolio"}
	_, err := table.Add(ctx, legacy)
	require.NoError(t, err)

	session.Set(testPassphrase)
	_, err = a.StoreEncrypted(ctx, table, map[string]any{"id": "new-1", "name": "New Portfolio"})
	require.NoError(t, err)

	got, found, err := a.RetrieveEncrypted(ctx, table, "legacy-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, legacy, got)

	all, err := a.RetrieveAllEncrypted(ctx, table)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Old Portfolio", all[0]["name"])
	assert.Equal(t, "New Portfolio", all[1]["name"])

	typed, err := RetrieveAll[portfolio](ctx, a, table)
	require.NoError(t, err)
	require.Len(t, typed, 2)
	assert.Equal(t, "legacy-1", typed[0].ID)
	assert.Equal(t, "new-1", typed[1].ID)
}

func TestAdapterWrongSessionPassphrase(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()

	session.Set(testPassphrase)
	key, err := a.StoreEncrypted(ctx, table, map[string]any{"name": "Retirement"})
	require.NoError(t, err)

	session.Set(otherPassphrase)
	_, _, err = a.RetrieveEncrypted(ctx, table, key)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.Equal(t, "retrieve record", err.(*Error).Op)

	session.Set("short")
	_, _, err = a.RetrieveEncrypted(ctx, table, key)
	assert.ErrorIs(t, err, ErrWeakPassphrase)
}

func TestAdapterRetrieveAllFailsFast(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()

	session.Set(testPassphrase)
	_, err := a.StoreEncrypted(ctx, table, map[string]any{"id": "a"})
	require.NoError(t, err)

	session.Set(otherPassphrase)
	_, err = a.StoreEncrypted(ctx, table, map[string]any{"id": "b"})
	require.NoError(t, err)

	// "a" was sealed under a different passphrase
	docs, err := a.RetrieveAllEncrypted(ctx, table)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.Nil(t, docs)
}

func TestAdapterMalformedEnvelope(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	_, err := table.Add(ctx, persist.Document{
		"id":               "broken",
		encryptedMarker:    true,
		encryptedDataField: map[string]any{"ciphertext": 42},
	})
	require.NoError(t, err)

	_, _, err = a.RetrieveEncrypted(ctx, table, "broken")
	assert.ErrorIs(t, err, ErrDataCorruption)
}

func TestAdapterRejectsNonObjectRecords(t *testing.T) {
	a, session, table := newTestAdapter(t, testOptions())
	ctx := context.Background()
	session.Set(testPassphrase)

	var nilMap map[string]any
	var nilPortfolio *portfolio
	for _, record := range []any{"just a string", []int{1, 2}, nil, 42, true, nilMap, nilPortfolio, json.RawMessage(`null`)} {
		_, err := a.StoreEncrypted(ctx, table, record)
		require.Error(t, err, "%#v", record)
		assert.ErrorIs(t, err, ErrRecordNotObject)
		assert.Equal(t, Other, KindOf(err))
		assert.NotErrorIs(t, err, ErrDataCorruption)
	}

	_, err := Store(ctx, a, table, "typed string")
	assert.ErrorIs(t, err, ErrRecordNotObject)

	n, err := table.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is written for a rejected record")

	// an empty object is still an object
	key, err := a.StoreEncrypted(ctx, table, map[string]any{})
	require.NoError(t, err)
	doc, found, err := a.RetrieveEncrypted(ctx, table, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, doc)

	docs, err := a.RetrieveAllEncrypted(ctx, table)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestParseStoredRecord(t *testing.T) {
	env := &Envelope{Ciphertext: "c", IV: "i", Salt: "s", Verification: "v"}

	cases := []struct {
		name    string
		doc     persist.Document
		wrapped bool
	}{
		{"plain", persist.Document{"id": "1"}, false},
		{"marker false", persist.Document{encryptedMarker: false, encryptedDataField: env.toMap()}, false},
		{"marker without data", persist.Document{encryptedMarker: true}, false},
		{"marker with nil data", persist.Document{encryptedMarker: true, encryptedDataField: nil}, false},
		{"wrapped", WrappedRecord{Fields: persist.Document{"id": "1"}, Envelope: env}.Document(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := ParseStoredRecord(tc.doc)
			require.NoError(t, err)
			switch r := rec.(type) {
			case PlainRecord:
				assert.False(t, tc.wrapped)
				assert.Equal(t, tc.doc, r.Document)
			case WrappedRecord:
				assert.True(t, tc.wrapped)
				assert.Equal(t, env, r.Envelope)
				assert.Equal(t, persist.Document{"id": "1"}, r.Fields)
			}
		})
	}

	_, err := ParseStoredRecord(persist.Document{encryptedMarker: true, encryptedDataField: "text"})
	assert.ErrorIs(t, err, ErrDataCorruption)
}
