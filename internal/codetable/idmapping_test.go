package codetable

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const mappingXML = `<IdMappings>
  <IdMapping>
    <FacilityId>30216311002</FacilityId>
    <NationalId>SE2321000016-15CQ</NationalId>
    <Name>Vardcentral Nord</Name>
    <ValidFrom>2014-01-01</ValidFrom>
    <ValidTo>2099-12-31</ValidTo>
  </IdMapping>
  <IdMapping>
    <FacilityId>30216311002</FacilityId>
    <NationalId>SE2321000016-OLD1</NationalId>
    <ValidFrom>2001-01-01</ValidFrom>
    <ValidTo>2005-01-01</ValidTo>
  </IdMapping>
  <IdMapping>
    <NationalId>SE-without-facility</NationalId>
  </IdMapping>
  <IdMapping>
    <FacilityId>99</FacilityId>
    <NationalId>SE-open</NationalId>
  </IdMapping>
</IdMappings>`

func TestDecodeIDMappings(t *testing.T) {
	cutoff := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recs, err := DecodeIDMappings(strings.NewReader(mappingXML), "mapping.xml", cutoff, time.UTC)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %+v", recs)
	}
	if recs[0].FacilityID != "30216311002" || recs[0].NationalID != "SE2321000016-15CQ" || recs[0].Name != "Vardcentral Nord" {
		t.Fatalf("unexpected record %+v", recs[0])
	}
	if recs[1].FacilityID != "99" || !recs[1].Valid.From.IsZero() {
		t.Fatalf("expected default validity on open record, got %+v", recs[1])
	}
}

func TestDecodeIDMappingsBadDate(t *testing.T) {
	doc := `<IdMappings><IdMapping><FacilityId>1</FacilityId><ValidTo>soon</ValidTo></IdMapping></IdMappings>`
	_, err := DecodeIDMappings(strings.NewReader(doc), "mapping.xml", time.Time{}, time.UTC)
	var dateErr *DateError
	if !errors.As(err, &dateErr) || dateErr.EntryID != "1" {
		t.Fatalf("expected DateError for facility 1, got %v", err)
	}
}

func TestDecodeIDMappingsMalformed(t *testing.T) {
	if _, err := DecodeIDMappings(strings.NewReader("<IdMappings><IdMapping>"), "mapping.xml", time.Time{}, time.UTC); err == nil {
		t.Fatalf("expected error for truncated document")
	}
	if _, err := DecodeIDMappings(strings.NewReader("   "), "mapping.xml", time.Time{}, time.UTC); err == nil {
		t.Fatalf("expected error for empty document")
	}
}
