package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"authsvc/internal/common"
	"authsvc/internal/model"
)

// Memory is a mutex-guarded store with the same method set and error
// semantics as Postgres, including the uniqueness rules the schema
// enforces there.
type Memory struct {
	mu          sync.Mutex
	accounts    map[string]model.AccountRecord
	identifiers map[string]model.Identifier
	devices     map[string]model.Device
	groups      map[string]model.Group
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]model.AccountRecord),
		identifiers: make(map[string]model.Identifier),
		devices:     make(map[string]model.Device),
		groups:      make(map[string]model.Group),
	}
}

func (s *Memory) CreateAccount(_ context.Context, rec model.AccountRecord, ident model.Identifier, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identifierTaken(ident.Channel, ident.Value, "") {
		return common.ErrDuplicateIdentifier
	}
	if device != nil && s.deviceTaken(device.DeviceID) {
		return common.ErrDuplicateIdentifier
	}
	s.accounts[rec.ID] = rec
	s.identifiers[ident.ID] = ident
	if device != nil {
		s.devices[device.ID] = *device
	}
	return nil
}

func (s *Memory) AccountByID(_ context.Context, accountID string) (model.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[accountID]
	if !ok {
		return model.AccountRecord{}, common.ErrNotFound
	}
	return rec, nil
}

func (s *Memory) UpdateAccountSecret(_ context.Context, accountID, secretHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[accountID]
	if !ok {
		return common.ErrNotFound
	}
	rec.SecretHash = secretHash
	rec.UpdatedAt = at
	s.accounts[accountID] = rec
	return nil
}

func (s *Memory) SetAccountGroup(_ context.Context, accountID, groupID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[accountID]
	if !ok {
		return common.ErrNotFound
	}
	rec.GroupID = groupID
	rec.UpdatedAt = at
	s.accounts[accountID] = rec
	return nil
}

func (s *Memory) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return common.ErrNotFound
	}
	delete(s.accounts, accountID)
	for id, ident := range s.identifiers {
		if ident.AccountID == accountID {
			delete(s.identifiers, id)
		}
	}
	for id, device := range s.devices {
		if device.AccountID == accountID {
			delete(s.devices, id)
		}
	}
	return nil
}

func (s *Memory) ListAccounts(_ context.Context) ([]model.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]model.AccountRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func (s *Memory) InsertIdentifier(_ context.Context, ident model.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identifierTaken(ident.Channel, ident.Value, "") {
		return common.ErrDuplicateIdentifier
	}
	for _, existing := range s.identifiers {
		if existing.AccountID == ident.AccountID && existing.Channel == ident.Channel {
			return common.ErrDuplicateIdentifier
		}
	}
	s.identifiers[ident.ID] = ident
	return nil
}

func (s *Memory) IdentifierByValue(_ context.Context, channel model.Channel, value string) (model.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range s.identifiers {
		if ident.Channel == channel && ident.Value == value {
			return ident, nil
		}
	}
	return model.Identifier{}, common.ErrNotFound
}

func (s *Memory) IdentifierByAccountChannel(_ context.Context, accountID string, channel model.Channel) (model.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range s.identifiers {
		if ident.AccountID == accountID && ident.Channel == channel {
			return ident, nil
		}
	}
	return model.Identifier{}, common.ErrNotFound
}

func (s *Memory) IdentifiersByAccount(_ context.Context, accountID string) ([]model.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idents []model.Identifier
	for _, ident := range s.identifiers {
		if ident.AccountID == accountID {
			idents = append(idents, ident)
		}
	}
	sort.Slice(idents, func(i, j int) bool {
		if !idents[i].CreatedAt.Equal(idents[j].CreatedAt) {
			return idents[i].CreatedAt.Before(idents[j].CreatedAt)
		}
		return idents[i].ID < idents[j].ID
	})
	return idents, nil
}

func (s *Memory) UpdateIdentifierValue(_ context.Context, identifierID, value string, at time.Time) (model.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[identifierID]
	if !ok {
		return model.Identifier{}, common.ErrNotFound
	}
	if s.identifierTaken(ident.Channel, value, identifierID) {
		return model.Identifier{}, common.ErrDuplicateIdentifier
	}
	ident.Value = value
	ident.Verified = false
	ident.UpdatedAt = at
	s.identifiers[identifierID] = ident
	return ident, nil
}

func (s *Memory) MarkIdentifierVerified(_ context.Context, identifierID string, at time.Time) (model.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identifiers[identifierID]
	if !ok {
		return model.Identifier{}, common.ErrNotFound
	}
	ident.Verified = true
	ident.UpdatedAt = at
	s.identifiers[identifierID] = ident
	return ident, nil
}

func (s *Memory) DeviceByAccount(_ context.Context, accountID string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices {
		if device.AccountID == accountID {
			return device, nil
		}
	}
	return model.Device{}, common.ErrNotFound
}

func (s *Memory) GroupByID(_ context.Context, groupID string) (model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grp, ok := s.groups[groupID]
	if !ok {
		return model.Group{}, common.ErrNotFound
	}
	return grp, nil
}

func (s *Memory) GroupByName(_ context.Context, name string) (model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, grp := range s.groups {
		if grp.Name == name {
			return grp, nil
		}
	}
	return model.Group{}, common.ErrNotFound
}

func (s *Memory) InsertGroup(_ context.Context, grp model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.Name == grp.Name {
			return common.ErrDuplicateIdentifier
		}
	}
	s.groups[grp.ID] = grp
	return nil
}

func (s *Memory) ListGroups(_ context.Context) ([]model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grps := make([]model.Group, 0, len(s.groups))
	for _, grp := range s.groups {
		grps = append(grps, grp)
	}
	sort.Slice(grps, func(i, j int) bool {
		if !grps[i].CreatedAt.Equal(grps[j].CreatedAt) {
			return grps[i].CreatedAt.Before(grps[j].CreatedAt)
		}
		return grps[i].ID < grps[j].ID
	})
	return grps, nil
}

func (s *Memory) SuperUserRegistered(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.accounts {
		grp, ok := s.groups[rec.GroupID]
		if ok && grp.AccessLevel == model.AccessLevelMax {
			return true, nil
		}
	}
	return false, nil
}

// callers hold s.mu

func (s *Memory) identifierTaken(channel model.Channel, value, excludeID string) bool {
	for id, ident := range s.identifiers {
		if id != excludeID && ident.Channel == channel && ident.Value == value {
			return true
		}
	}
	return false
}

func (s *Memory) deviceTaken(deviceID string) bool {
	for _, device := range s.devices {
		if device.DeviceID == deviceID {
			return true
		}
	}
	return false
}
