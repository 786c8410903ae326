package codetable

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/temporal"
)

const idMappingElement = "IdMapping"

// IDMappingRecord links a facility id to its national identifier for a period.
type IDMappingRecord struct {
	FacilityID string
	NationalID string
	Name       string
	Valid      temporal.Interval
}

type rawIDMapping struct {
	FacilityID string `xml:"FacilityId"`
	NationalID string `xml:"NationalId"`
	Name       string `xml:"Name"`
	ValidFrom  string `xml:"ValidFrom"`
	ValidTo    string `xml:"ValidTo"`
}

// ReadIDMappings reads the flat mapping export at path.
func ReadIDMappings(path string, newerThan time.Time, loc *time.Location) ([]IDMappingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open id mapping table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeIDMappings(f, path, newerThan, loc)
}

// DecodeIDMappings streams IdMapping elements from r. Records without a
// facility id are ignored; records ending at or before newerThan are dropped.
func DecodeIDMappings(r io.Reader, name string, newerThan time.Time, loc *time.Location) ([]IDMappingRecord, error) {
	dec := xml.NewDecoder(r)
	var (
		out     []IDMappingRecord
		started bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		started = true
		if start.Name.Local != idMappingElement {
			continue
		}
		var raw rawIDMapping
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		rec, err := raw.record(name, loc)
		if err != nil {
			return nil, err
		}
		if rec.FacilityID == "" || !rec.Valid.To.After(newerThan) {
			continue
		}
		out = append(out, rec)
	}
	if !started {
		return nil, fmt.Errorf("%s: no document element", name)
	}
	return out, nil
}

func (r rawIDMapping) record(file string, loc *time.Location) (IDMappingRecord, error) {
	rec := IDMappingRecord{
		FacilityID: strings.TrimSpace(r.FacilityID),
		NationalID: strings.TrimSpace(r.NationalID),
		Name:       strings.TrimSpace(r.Name),
		Valid:      temporal.Always(),
	}
	if strings.TrimSpace(r.ValidFrom) != "" {
		t, err := ParseDate(r.ValidFrom, loc)
		if err != nil {
			return rec, &DateError{File: file, EntryID: rec.FacilityID, Attribute: "ValidFrom", Value: r.ValidFrom, Err: err}
		}
		rec.Valid.From = t
	}
	if strings.TrimSpace(r.ValidTo) != "" {
		t, err := ParseDate(r.ValidTo, loc)
		if err != nil {
			return rec, &DateError{File: file, EntryID: rec.FacilityID, Attribute: "ValidTo", Value: r.ValidTo, Err: err}
		}
		rec.Valid.To = t
	}
	return rec, nil
}
