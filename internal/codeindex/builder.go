package codeindex

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codetable"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/temporal"
)

// Attribute and code-system names read from the term-item tables.
const (
	AttrShortName       = "shortname"
	AttrCustomerCode    = "KUNDKOD"
	AttrFacilityType    = "VARDENHETSTYP"
	CodeCommissionType  = "UPPDRAGSTYP"
	CodeContract        = "AVTALSKOD"
	CodeAssignmentType  = "TILLDELNINGSTYP"
	CodeCommission      = "UPPDRAG"
	NoCommissionCode    = "0000"
)

// Sources names the four code-table files of one build.
type Sources struct {
	CommissionTypes string
	Commissions     string
	Facilities      string
	IDMappings      string
	// NewerThan drops entries whose validity ended at or before it.
	NewerThan time.Time
	// Location interprets zone-less dates; time.Local when nil.
	Location *time.Location
}

// Builder composes code tables into an Index. It keeps no state between builds.
type Builder struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewBuilder returns a Builder logging to logger.
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger, now: time.Now}
}

// Build parses the tables bottom-up and returns a new Index. Unreadable or
// malformed files, malformed dates and overlapping states abort the build.
func (b *Builder) Build(ctx context.Context, src Sources) (*Index, error) {
	idx := newIndex()
	idx.NewerThan = src.NewerThan.UTC()

	if err := b.loadCommissionTypes(idx, src); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.loadCommissions(idx, src); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.loadIDMappings(idx, src); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.loadFacilities(idx, src); err != nil {
		return nil, err
	}
	if err := orderAll(idx); err != nil {
		return nil, err
	}
	idx.BackRefs = backRefs(idx.Facilities)
	idx.BuiltAt = b.now().UTC()

	b.logger.Info("code index built",
		zap.Int("facilities", len(idx.Facilities)),
		zap.Int("commissions", len(idx.Commissions)),
		zap.Int("commission_types", len(idx.CommissionTypes)),
		zap.Int("id_mappings", len(idx.IDMappings)),
		zap.Time("newer_than", idx.NewerThan),
	)
	return idx, nil
}

func (b *Builder) loadCommissionTypes(idx *Index, src Sources) error {
	return b.each(src.CommissionTypes, codetable.Query{
		Attributes: []string{AttrShortName},
		NewerThan:  src.NewerThan,
		Location:   src.Location,
	}, func(e codetable.Entry) {
		ct, ok := idx.CommissionTypes[e.ID]
		if !ok {
			ct = temporal.NewEntity[CommissionTypeState](e.ID)
			idx.CommissionTypes[e.ID] = ct
		}
		ct.Add(CommissionTypeState{Name: e.Attribute(AttrShortName), Valid: e.Valid})
	})
}

func (b *Builder) loadCommissions(idx *Index, src Sources) error {
	return b.each(src.Commissions, codetable.Query{
		Attributes:  []string{AttrShortName},
		CodeSystems: []string{CodeCommissionType, CodeContract, CodeAssignmentType},
		NewerThan:   src.NewerThan,
		Location:    src.Location,
	}, func(e codetable.Entry) {
		typeCode, ok := b.singleton(src.Commissions, e, CodeCommissionType)
		if !ok {
			b.logger.Warn("commission without commission type dropped",
				zap.String("file", src.Commissions), zap.String("entry_id", e.ID))
			return
		}
		if _, ok := idx.CommissionTypes[typeCode.Key()]; !ok {
			b.logger.Warn("commission with unknown commission type dropped",
				zap.String("file", src.Commissions),
				zap.String("entry_id", e.ID),
				zap.String("code_system", CodeCommissionType),
				zap.String("code", typeCode.Key()))
			return
		}
		contract, _ := b.singleton(src.Commissions, e, CodeContract)
		assignment, _ := b.singleton(src.Commissions, e, CodeAssignmentType)

		c, ok := idx.Commissions[e.ID]
		if !ok {
			c = temporal.NewEntity[CommissionState](e.ID)
			idx.Commissions[e.ID] = c
		}
		c.Add(CommissionState{
			Name:               e.Attribute(AttrShortName),
			Valid:              e.Valid,
			CommissionTypeID:   typeCode.Key(),
			ContractCode:       contract.Code,
			AssignmentTypeCode: assignment.Code,
		})
	})
}

func (b *Builder) loadIDMappings(idx *Index, src Sources) error {
	records, err := codetable.ReadIDMappings(src.IDMappings, src.NewerThan, src.Location)
	if err != nil {
		return fmt.Errorf("build id mappings: %w", err)
	}
	for _, r := range records {
		m := temporal.NewEntity[IDMappingState](r.FacilityID)
		m.Add(IDMappingState{NationalID: r.NationalID, Name: r.Name, Valid: r.Valid})
		idx.IDMappings[r.FacilityID] = append(idx.IDMappings[r.FacilityID], m)
	}
	for id, list := range idx.IDMappings {
		if _, _, warned := FirstOrNone(list); warned {
			b.logger.Warn("multiple id mappings for facility, using the first",
				zap.String("file", src.IDMappings),
				zap.String("entry_id", id),
				zap.Int("count", len(list)))
		}
	}
	return nil
}

func (b *Builder) loadFacilities(idx *Index, src Sources) error {
	return b.each(src.Facilities, codetable.Query{
		Attributes:  []string{AttrShortName, AttrCustomerCode, AttrFacilityType},
		CodeSystems: []string{CodeCommission},
		NewerThan:   src.NewerThan,
		Location:    src.Location,
	}, func(e codetable.Entry) {
		codes := e.CodeList(CodeCommission)
		if len(codes) == 1 && codes[0].Key() == NoCommissionCode {
			b.logger.Debug("facility without commission skipped",
				zap.String("file", src.Facilities), zap.String("entry_id", e.ID))
			return
		}
		f, ok := idx.Facilities[e.ID]
		if !ok {
			f = temporal.NewEntity[FacilityState](e.ID)
			idx.Facilities[e.ID] = f
		}
		state := FacilityState{
			Name:             e.Attribute(AttrShortName),
			Valid:            e.Valid,
			CustomerCode:     e.Attribute(AttrCustomerCode),
			FacilityTypeCode: e.Attribute(AttrFacilityType),
		}
		if len(idx.IDMappings[e.ID]) > 0 {
			state.IDMappingKey = e.ID
		}
		seen := make(map[string]struct{}, len(codes))
		for _, code := range codes {
			key := code.Key()
			if key == NoCommissionCode {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			if _, ok := idx.Commissions[key]; !ok {
				b.logger.Debug("unresolved commission reference skipped",
					zap.String("file", src.Facilities),
					zap.String("entry_id", e.ID),
					zap.String("code", key))
				continue
			}
			seen[key] = struct{}{}
			state.CommissionIDs = append(state.CommissionIDs, key)
		}
		f.Add(state)
	})
}

// singleton extracts a code expected once, warning when there are several.
func (b *Builder) singleton(file string, e codetable.Entry, system string) (codetable.CodedValue, bool) {
	v, ok, warned := FirstOrNone(e.CodeList(system))
	if warned {
		b.logger.Warn("multiple values for single-valued code, using the first",
			zap.String("file", file),
			zap.String("entry_id", e.ID),
			zap.String("code_system", system))
	}
	return v, ok
}

func (b *Builder) each(path string, q codetable.Query, fn func(codetable.Entry)) error {
	p, err := codetable.Open(path, q)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	defer func() { _ = p.Close() }()
	for p.Next() {
		fn(p.Entry())
	}
	if err := p.Err(); err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	if n := p.Skipped(); n > 0 {
		b.logger.Debug("entries older than cutoff skipped", zap.String("file", path), zap.Int("count", n))
	}
	return nil
}

func orderAll(idx *Index) error {
	for _, e := range idx.CommissionTypes {
		if err := e.OrderStates(); err != nil {
			return fmt.Errorf("commission type states: %w", err)
		}
	}
	for _, e := range idx.Commissions {
		if err := e.OrderStates(); err != nil {
			return fmt.Errorf("commission states: %w", err)
		}
	}
	for _, e := range idx.Facilities {
		if err := e.OrderStates(); err != nil {
			return fmt.Errorf("facility states: %w", err)
		}
	}
	return nil
}

func backRefs(facilities map[string]*Facility) map[string][]string {
	sets := make(map[string]map[string]struct{})
	for fid, f := range facilities {
		for _, s := range f.States {
			for _, cid := range s.CommissionIDs {
				if sets[cid] == nil {
					sets[cid] = make(map[string]struct{})
				}
				sets[cid][fid] = struct{}{}
			}
		}
	}
	out := make(map[string][]string, len(sets))
	for cid, set := range sets {
		ids := make([]string, 0, len(set))
		for fid := range set {
			ids = append(ids, fid)
		}
		sort.Strings(ids)
		out[cid] = ids
	}
	return out
}
