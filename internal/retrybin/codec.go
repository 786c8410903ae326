package retrybin

import (
	"encoding/json"
	"fmt"
)

const snapshotVersion = 1

type snapshotDoc struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// EncodeRecords renders records as a versioned JSON document shared by all
// durable stores.
func EncodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	b, err := json.Marshal(snapshotDoc{Version: snapshotVersion, Records: records})
	if err != nil {
		return nil, fmt.Errorf("encode retry bin: %w", err)
	}
	return b, nil
}

// DecodeRecords parses a document written by EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode retry bin: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("decode retry bin: unsupported version %d", doc.Version)
	}
	return doc.Records, nil
}
