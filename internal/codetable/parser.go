// Package codetable streams entries out of the term-item XML exports that
// describe facilities, commissions and commission types, and out of the flat
// facility-to-national-id mapping export.
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

// Element and attribute names of the term-item format.
const (
	DefaultEntryElement = "TermItemEntry"
	attributeElement    = "Attribute"
	validFromAttr       = "validFrom"
	validToAttr         = "validTo"
)

// Query selects what a Parser extracts from each entry.
type Query struct {
	// Element is the entry element name; DefaultEntryElement when empty.
	Element string
	// Attributes lists single-valued attributes to extract.
	Attributes []string
	// CodeSystems lists repeatable coded attributes to extract.
	CodeSystems []string
	// NewerThan drops entries whose validity ends at or before it.
	NewerThan time.Time
	// Location interprets zone-less dates; time.Local when nil.
	Location *time.Location
}

// CodedValue is one occurrence of a code system on an entry.
type CodedValue struct {
	Code  string
	RefID string
}

// Key returns the identifier used to resolve the value against another table.
func (c CodedValue) Key() string {
	if c.RefID != "" {
		return c.RefID
	}
	return c.Code
}

// Entry is one parsed term item.
type Entry struct {
	ID         string
	Valid      temporal.Interval
	Attributes map[string]string
	Codes      map[string][]CodedValue
}

// Attribute returns the named attribute value or "".
func (e Entry) Attribute(name string) string {
	return e.Attributes[name]
}

// CodeList returns every value recorded for the code system.
func (e Entry) CodeList(system string) []CodedValue {
	return e.Codes[system]
}

// Parser lazily yields entries from one code-table file.
type Parser struct {
	name    string
	closer  io.Closer
	dec     *xml.Decoder
	q       Query
	attrs   map[string]struct{}
	systems map[string]struct{}

	cur      Entry
	err      error
	started  bool
	finished bool
	skipped  int
}

// Open starts parsing the file at path.
func Open(path string, q Query) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open code table: %w", err)
	}
	p := NewParser(f, path, q)
	p.closer = f
	return p, nil
}

// NewParser parses entries from r; name is used in error messages.
func NewParser(r io.Reader, name string, q Query) *Parser {
	if q.Element == "" {
		q.Element = DefaultEntryElement
	}
	return &Parser{
		name:    name,
		dec:     xml.NewDecoder(r),
		q:       q,
		attrs:   toSet(q.Attributes),
		systems: toSet(q.CodeSystems),
	}
}

// Next advances to the next entry that passes the cutoff.
func (p *Parser) Next() bool {
	if p.err != nil || p.finished {
		return false
	}
	for {
		tok, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			p.finished = true
			if !p.started {
				p.err = fmt.Errorf("%s: no document element", p.name)
			}
			return false
		}
		if err != nil {
			p.err = fmt.Errorf("%s: %w", p.name, err)
			return false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		p.started = true
		if start.Name.Local != p.q.Element {
			continue
		}
		entry, keep, err := p.readEntry(start)
		if err != nil {
			p.err = err
			return false
		}
		if !keep {
			p.skipped++
			continue
		}
		p.cur = entry
		return true
	}
}

// Entry returns the entry produced by the last successful Next.
func (p *Parser) Entry() Entry { return p.cur }

// Err returns the first error encountered.
func (p *Parser) Err() error { return p.err }

// Skipped counts entries dropped by the NewerThan cutoff.
func (p *Parser) Skipped() int { return p.skipped }

// Close releases the underlying file when the parser owns one.
func (p *Parser) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

type attributeBody struct {
	Values []string `xml:"Value"`
	Coded  []struct {
		Code string `xml:"code,attr"`
		ID   string `xml:"id,attr"`
	} `xml:"CodedValue"`
}

func (p *Parser) readEntry(start xml.StartElement) (Entry, bool, error) {
	id := strings.TrimSpace(attrValue(start, "id"))
	valid := temporal.Always()
	if v, ok := attrLookup(start, validFromAttr); ok {
		t, err := ParseDate(v, p.q.Location)
		if err != nil {
			return Entry{}, false, &DateError{File: p.name, EntryID: id, Attribute: validFromAttr, Value: v, Err: err}
		}
		valid.From = t
	}
	if v, ok := attrLookup(start, validToAttr); ok {
		t, err := ParseDate(v, p.q.Location)
		if err != nil {
			return Entry{}, false, &DateError{File: p.name, EntryID: id, Attribute: validToAttr, Value: v, Err: err}
		}
		valid.To = t
	}
	if !valid.To.After(p.q.NewerThan) {
		if err := p.dec.Skip(); err != nil {
			return Entry{}, false, fmt.Errorf("%s: entry %q: %w", p.name, id, err)
		}
		return Entry{}, false, nil
	}

	entry := Entry{ID: id, Valid: valid, Attributes: map[string]string{}, Codes: map[string][]CodedValue{}}
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Entry{}, false, fmt.Errorf("%s: entry %q: %w", p.name, id, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := p.readChild(&entry, t); err != nil {
				return Entry{}, false, fmt.Errorf("%s: entry %q: %w", p.name, id, err)
			}
		case xml.EndElement:
			return entry, true, nil
		}
	}
}

func (p *Parser) readChild(entry *Entry, el xml.StartElement) error {
	if el.Name.Local != attributeElement {
		return p.dec.Skip()
	}
	name := attrValue(el, "name")
	_, isAttr := p.attrs[name]
	_, isSystem := p.systems[name]
	if !isAttr && !isSystem {
		return p.dec.Skip()
	}
	var body attributeBody
	if err := p.dec.DecodeElement(&body, &el); err != nil {
		return err
	}
	if isAttr && len(body.Values) > 0 {
		entry.Attributes[name] = strings.TrimSpace(body.Values[len(body.Values)-1])
	}
	if isSystem {
		for _, c := range body.Coded {
			entry.Codes[name] = append(entry.Codes[name], CodedValue{
				Code:  strings.TrimSpace(c.Code),
				RefID: strings.TrimSpace(c.ID),
			})
		}
	}
	return nil
}

func attrLookup(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func attrValue(el xml.StartElement, name string) string {
	v, _ := attrLookup(el, name)
	return v
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
