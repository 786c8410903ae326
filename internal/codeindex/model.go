// Package codeindex builds and queries the facility-keyed, time-versioned
// index composed from the commission-type, commission, facility and id-mapping
// code tables.
//
// Entities reference each other by id. An Index owns every entity in maps
// keyed by id, and the commission-to-facility back-references live in a
// secondary index computed at build time.
package codeindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/temporal"
)

// CommissionTypeState is one validity period of a commission type.
type CommissionTypeState struct {
	Name  string
	Valid temporal.Interval
}

func (s CommissionTypeState) Validity() temporal.Interval { return s.Valid }

// CommissionState is one validity period of a commission (contract).
type CommissionState struct {
	Name               string
	Valid              temporal.Interval
	CommissionTypeID   string
	ContractCode       string
	AssignmentTypeCode string
}

func (s CommissionState) Validity() temporal.Interval { return s.Valid }

// IDMappingState links a facility to its national identifier for a period.
type IDMappingState struct {
	NationalID string
	Name       string
	Valid      temporal.Interval
}

func (s IDMappingState) Validity() temporal.Interval { return s.Valid }

// FacilityState is one validity period of a facility.
type FacilityState struct {
	Name             string
	Valid            temporal.Interval
	CommissionIDs    []string
	IDMappingKey     string
	CustomerCode     string
	FacilityTypeCode string
}

func (s FacilityState) Validity() temporal.Interval { return s.Valid }

type (
	// CommissionType is a terminal entity of the index graph.
	CommissionType = temporal.Entity[CommissionTypeState]
	// Commission references a commission type per state.
	Commission = temporal.Entity[CommissionState]
	// IDMapping carries national identifiers keyed by facility id.
	IDMapping = temporal.Entity[IDMappingState]
	// Facility is the root entity of the index.
	Facility = temporal.Entity[FacilityState]
)

// Index is the immutable result of one build.
type Index struct {
	Facilities      map[string]*Facility
	Commissions     map[string]*Commission
	CommissionTypes map[string]*CommissionType
	IDMappings      map[string][]*IDMapping
	// BackRefs maps a commission id to the sorted ids of facilities declaring it.
	BackRefs  map[string][]string
	BuiltAt   time.Time
	NewerThan time.Time
}

func newIndex() *Index {
	return &Index{
		Facilities:      make(map[string]*Facility),
		Commissions:     make(map[string]*Commission),
		CommissionTypes: make(map[string]*CommissionType),
		IDMappings:      make(map[string][]*IDMapping),
		BackRefs:        make(map[string][]string),
	}
}

// Len returns the number of facilities.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.Facilities)
}

// Facility returns the facility with the given id.
func (x *Index) Facility(id string) (*Facility, bool) {
	if x == nil {
		return nil, false
	}
	f, ok := x.Facilities[id]
	return f, ok
}

// Commission returns the commission with the given id.
func (x *Index) Commission(id string) (*Commission, bool) {
	if x == nil {
		return nil, false
	}
	c, ok := x.Commissions[id]
	return c, ok
}

// CommissionType returns the commission type with the given id.
func (x *Index) CommissionType(id string) (*CommissionType, bool) {
	if x == nil {
		return nil, false
	}
	ct, ok := x.CommissionTypes[id]
	return ct, ok
}

// IDMapping returns the mapping consulted for a facility id: the first one
// recorded for that id.
func (x *Index) IDMapping(key string) (*IDMapping, bool) {
	if x == nil || key == "" {
		return nil, false
	}
	list := x.IDMappings[key]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// FacilitiesReferencing returns the ids of facilities that declared the commission.
func (x *Index) FacilitiesReferencing(commissionID string) []string {
	if x == nil {
		return nil
	}
	return x.BackRefs[commissionID]
}

// Lookup failures returned by Resolve.
var (
	ErrFacilityNotFound = errors.New("facility not found")
	ErrNoFacilityState  = errors.New("facility has no state at time")
	ErrNoNationalID     = errors.New("facility has no national id at time")
)

// CommissionView is a commission resolved at a point in time.
type CommissionView struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ContractCode       string `json:"contract_code,omitempty"`
	AssignmentTypeCode string `json:"assignment_type_code,omitempty"`
	CommissionTypeID   string `json:"commission_type_id"`
	CommissionTypeName string `json:"commission_type_name,omitempty"`
}

// FacilityView is a facility resolved at a point in time.
type FacilityView struct {
	ID               string           `json:"id"`
	At               time.Time        `json:"at"`
	Name             string           `json:"name"`
	NationalID       string           `json:"national_id,omitempty"`
	CustomerCode     string           `json:"customer_code,omitempty"`
	FacilityTypeCode string           `json:"facility_type_code,omitempty"`
	Commissions      []CommissionView `json:"commissions"`
}

// Resolve returns the facility's state at t joined with its commissions and
// national identifier. Commissions without a state at t are left out.
func (x *Index) Resolve(facilityID string, t time.Time) (FacilityView, error) {
	f, ok := x.Facility(facilityID)
	if !ok {
		return FacilityView{}, fmt.Errorf("%w: %s", ErrFacilityNotFound, facilityID)
	}
	state, ok := f.StateAt(t)
	if !ok {
		return FacilityView{}, fmt.Errorf("%w: %s at %s", ErrNoFacilityState, facilityID, t.Format(time.RFC3339))
	}
	view := FacilityView{
		ID:               facilityID,
		At:               t,
		Name:             state.Name,
		CustomerCode:     state.CustomerCode,
		FacilityTypeCode: state.FacilityTypeCode,
	}
	for _, cid := range state.CommissionIDs {
		c, ok := x.Commission(cid)
		if !ok {
			continue
		}
		cs, ok := c.StateAt(t)
		if !ok {
			continue
		}
		cv := CommissionView{
			ID:                 cid,
			Name:               cs.Name,
			ContractCode:       cs.ContractCode,
			AssignmentTypeCode: cs.AssignmentTypeCode,
			CommissionTypeID:   cs.CommissionTypeID,
		}
		if ct, ok := x.CommissionType(cs.CommissionTypeID); ok {
			if cts, ok := ct.StateAt(t); ok {
				cv.CommissionTypeName = cts.Name
			}
		}
		view.Commissions = append(view.Commissions, cv)
	}
	mapping, ok := x.IDMapping(state.IDMappingKey)
	if !ok {
		return view, fmt.Errorf("%w: %s", ErrNoNationalID, facilityID)
	}
	ms, ok := mapping.StateAt(t)
	if !ok || ms.NationalID == "" {
		return view, fmt.Errorf("%w: %s at %s", ErrNoNationalID, facilityID, t.Format(time.RFC3339))
	}
	view.NationalID = ms.NationalID
	return view, nil
}
