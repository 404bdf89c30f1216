package atrest

import (
	"southwinds.dev/atrest/persist"
)

const (
	encryptedMarker    = "_encrypted"
	encryptedDataField = "_encryptedData"
)

// StoredRecord is a document as read back from a table: either a PlainRecord
// written before encryption was enabled, or a WrappedRecord.
type StoredRecord interface {
	storedRecord()
}

// PlainRecord is a legacy document without an envelope. It is returned unchanged.
type PlainRecord struct {
	Document persist.Document
}

// WrappedRecord is an encrypted document: an envelope plus the application fields
// kept in the clear next to it.
type WrappedRecord struct {
	Fields   persist.Document
	Envelope *Envelope
}

func (PlainRecord) storedRecord()   {}
func (WrappedRecord) storedRecord() {}

// Document renders the record in its stored form. The markers always win over
// application fields of the same name.
func (w WrappedRecord) Document() persist.Document {
	doc := make(persist.Document, len(w.Fields)+2)
	for k, v := range w.Fields {
		doc[k] = v
	}
	doc[encryptedMarker] = true
	doc[encryptedDataField] = w.Envelope.toMap()
	return doc
}

// ParseStoredRecord classifies a raw table document. A document is wrapped when
// its _encrypted marker is true and it carries _encryptedData; an unreadable
// envelope under a true marker is DataCorruption.
func ParseStoredRecord(doc persist.Document) (StoredRecord, error) {
	marker, _ := doc[encryptedMarker].(bool)
	data, present := doc[encryptedDataField]
	if !marker || !present || data == nil {
		return PlainRecord{Document: doc}, nil
	}

	env, err := envelopeFromMap(data)
	if err != nil {
		return nil, newError(DataCorruption, "parse record", "malformed encrypted data", err)
	}

	fields := make(persist.Document, len(doc))
	for k, v := range doc {
		if k != encryptedMarker && k != encryptedDataField {
			fields[k] = v
		}
	}
	return WrappedRecord{Fields: fields, Envelope: env}, nil
}
