// Package account implements the account lifecycle: registration in its
// three modes, login, identifier verification and rebinding, password
// reset, group management and the assembled read views.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authsvc/internal/auth"
	"authsvc/internal/common"
	"authsvc/internal/config"
	"authsvc/internal/crypto"
	"authsvc/internal/filter"
	"authsvc/internal/model"
	"authsvc/internal/otp"
)

const (
	defaultListCount = 10
	maxListCount     = 100
)

// Store is the durable state the service runs on. Both repository
// implementations satisfy it.
type Store interface {
	CreateAccount(ctx context.Context, rec model.AccountRecord, ident model.Identifier, device *model.Device) error
	AccountByID(ctx context.Context, accountID string) (model.AccountRecord, error)
	UpdateAccountSecret(ctx context.Context, accountID, secretHash string, at time.Time) error
	SetAccountGroup(ctx context.Context, accountID, groupID string, at time.Time) error
	DeleteAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]model.AccountRecord, error)
	InsertIdentifier(ctx context.Context, ident model.Identifier) error
	IdentifierByValue(ctx context.Context, channel model.Channel, value string) (model.Identifier, error)
	IdentifierByAccountChannel(ctx context.Context, accountID string, channel model.Channel) (model.Identifier, error)
	IdentifiersByAccount(ctx context.Context, accountID string) ([]model.Identifier, error)
	UpdateIdentifierValue(ctx context.Context, identifierID, value string, at time.Time) (model.Identifier, error)
	MarkIdentifierVerified(ctx context.Context, identifierID string, at time.Time) (model.Identifier, error)
	DeviceByAccount(ctx context.Context, accountID string) (model.Device, error)
	GroupByID(ctx context.Context, groupID string) (model.Group, error)
	GroupByName(ctx context.Context, name string) (model.Group, error)
	InsertGroup(ctx context.Context, grp model.Group) error
	ListGroups(ctx context.Context) ([]model.Group, error)
	SuperUserRegistered(ctx context.Context) (bool, error)
}

type Service struct {
	cfg   config.Config
	store Store
	otp   *otp.Manager
}

func NewService(cfg config.Config, store Store, otpManager *otp.Manager) *Service {
	return &Service{cfg: cfg, store: store, otp: otpManager}
}

// EnsureBuiltinGroups creates whichever built-in groups the store is
// missing. Called once at startup.
func (s *Service) EnsureBuiltinGroups(ctx context.Context) error {
	builtins := []struct {
		name  string
		level int
	}{
		{model.GroupPublic, model.AccessLevelPublic},
		{model.GroupStaff, model.AccessLevelStaff},
		{model.GroupAdmin, model.AccessLevelAdmin},
		{model.GroupSuper, model.AccessLevelSuper},
	}
	for _, b := range builtins {
		if _, err := s.groupOrCreate(ctx, b.name, b.level); err != nil {
			return fmt.Errorf("ensure group %s: %w", b.name, err)
		}
	}
	return nil
}

// RegisterSelf creates an account in the public group, bound to one
// identifier, secured by the caller's own secret.
func (s *Service) RegisterSelf(ctx context.Context, channel model.Channel, address, userType, secret string) (model.Account, error) {
	return s.register(ctx, channel, address, userType, secret, model.GroupPublic, model.AccessLevelPublic, "")
}

// RegisterSelfByDevice is self registration locked to an immutable device
// binding.
func (s *Service) RegisterSelfByDevice(ctx context.Context, channel model.Channel, address, userType, secret, deviceID string) (model.Account, error) {
	if deviceID == "" {
		return model.Account{}, common.NewValidation("device_id_required")
	}
	return s.register(ctx, channel, address, userType, secret, model.GroupPublic, model.AccessLevelPublic, deviceID)
}

// RegisterOther creates an account on behalf of someone else, placed in an
// existing group chosen by the caller. The secret is generated; the new
// holder is expected to claim the account through the password-reset flow.
func (s *Service) RegisterOther(ctx context.Context, channel model.Channel, address, userType, groupID string) (model.Account, error) {
	if groupID == "" {
		return model.Account{}, common.NewValidation("group_id_required")
	}
	grp, err := s.store.GroupByID(ctx, groupID)
	if err != nil {
		return model.Account{}, fmt.Errorf("load group: %w", err)
	}
	secret, err := crypto.NewSecret()
	if err != nil {
		return model.Account{}, fmt.Errorf("generate secret: %w", err)
	}
	return s.create(ctx, channel, address, userType, secret, grp, "")
}

// RegisterFirst bootstraps the one-time initial super user. Once any
// account sits at the maximum access level it refuses.
func (s *Service) RegisterFirst(ctx context.Context, channel model.Channel, address, userType, secret string) (model.Account, error) {
	registered, err := s.store.SuperUserRegistered(ctx)
	if err != nil {
		return model.Account{}, fmt.Errorf("check super user: %w", err)
	}
	if registered {
		return model.Account{}, common.ErrSuperExists
	}
	return s.register(ctx, channel, address, userType, secret, model.GroupSuper, model.AccessLevelSuper, "")
}

func (s *Service) register(ctx context.Context, channel model.Channel, address, userType, secret, groupName string, accessLevel int, deviceID string) (model.Account, error) {
	if len(secret) < crypto.MinSecretLen {
		return model.Account{}, common.NewValidation("secret_too_short")
	}
	grp, err := s.groupOrCreate(ctx, groupName, accessLevel)
	if err != nil {
		return model.Account{}, err
	}
	return s.create(ctx, channel, address, userType, secret, grp, deviceID)
}

func (s *Service) create(ctx context.Context, channel model.Channel, address, userType, secret string, grp model.Group, deviceID string) (model.Account, error) {
	if !model.ValidUserType(userType) {
		return model.Account{}, common.NewValidation("invalid_user_type")
	}
	address = model.NormalizeAddress(channel, address)
	if address == "" {
		return model.Account{}, common.NewValidation("identifier_required")
	}
	secretHash, err := crypto.HashPassword(secret)
	if err != nil {
		return model.Account{}, fmt.Errorf("hash secret: %w", err)
	}

	now := time.Now().UTC()
	rec := model.AccountRecord{
		ID:         uuid.NewString(),
		Type:       userType,
		GroupID:    grp.ID,
		SecretHash: secretHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ident := model.Identifier{
		ID:        uuid.NewString(),
		AccountID: rec.ID,
		Channel:   channel,
		Value:     address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var device *model.Device
	if deviceID != "" {
		device = &model.Device{
			ID:        uuid.NewString(),
			AccountID: rec.ID,
			DeviceID:  deviceID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := s.store.CreateAccount(ctx, rec, ident, device); err != nil {
		return model.Account{}, err
	}
	token, err := s.token(rec, grp)
	if err != nil {
		return model.Account{}, err
	}
	return s.assemble(ctx, rec, token)
}

// Login checks the secret against the account behind the identifier. Both
// an unknown identifier and a wrong secret come back ErrUnauthorized so the
// response does not reveal which part failed.
func (s *Service) Login(ctx context.Context, channel model.Channel, address, secret string) (model.Account, error) {
	ident, err := s.store.IdentifierByValue(ctx, channel, model.NormalizeAddress(channel, address))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return model.Account{}, common.ErrUnauthorized
		}
		return model.Account{}, err
	}
	rec, err := s.store.AccountByID(ctx, ident.AccountID)
	if err != nil {
		return model.Account{}, err
	}
	if err := crypto.CheckPassword(rec.SecretHash, secret); err != nil {
		return model.Account{}, common.ErrUnauthorized
	}
	grp, err := s.store.GroupByID(ctx, rec.GroupID)
	if err != nil {
		return model.Account{}, fmt.Errorf("load group: %w", err)
	}
	token, err := s.token(rec, grp)
	if err != nil {
		return model.Account{}, err
	}
	return s.assemble(ctx, rec, token)
}

// SendVerifyCode issues, or reuses, the verification passcode for an
// address bound to the given account.
func (s *Service) SendVerifyCode(ctx context.Context, accountID string, channel model.Channel, address string) (otp.Status, error) {
	ident, err := s.boundIdentifier(ctx, accountID, channel, address)
	if err != nil {
		return otp.Status{}, err
	}
	key := otp.Key{Channel: channel, Address: ident.Value, Purpose: otp.PurposeVerify}
	return s.otp.Issue(ctx, ident.AccountID, key)
}

// SendResetCode issues a password-reset passcode. Unauthenticated: this is
// the account-recovery entry point.
func (s *Service) SendResetCode(ctx context.Context, channel model.Channel, address string) (otp.Status, error) {
	ident, err := s.store.IdentifierByValue(ctx, channel, model.NormalizeAddress(channel, address))
	if err != nil {
		return otp.Status{}, err
	}
	key := otp.Key{Channel: channel, Address: ident.Value, Purpose: otp.PurposeReset}
	return s.otp.Issue(ctx, ident.AccountID, key)
}

// VerifyOTP consumes a verification passcode for the account's identifier
// on the given channel. Without extend the identifier is marked verified
// and the updated record returned. With extend the code is still consumed
// but a replacement is returned instead, and the identifier's verified flag
// is left untouched.
func (s *Service) VerifyOTP(ctx context.Context, accountID string, channel model.Channel, code string, extend bool) (model.Identifier, *otp.Status, error) {
	ident, err := s.store.IdentifierByAccountChannel(ctx, accountID, channel)
	if err != nil {
		return model.Identifier{}, nil, err
	}
	key := otp.Key{Channel: channel, Address: ident.Value, Purpose: otp.PurposeVerify}
	result, err := s.otp.Verify(ctx, key, code, extend)
	if err != nil {
		return model.Identifier{}, nil, err
	}
	if extend {
		return model.Identifier{}, result.Extended, nil
	}
	updated, err := s.store.MarkIdentifierVerified(ctx, ident.ID, time.Now().UTC())
	if err != nil {
		return model.Identifier{}, nil, fmt.Errorf("mark verified: %w", err)
	}
	return updated, nil, nil
}

// ResetPassword consumes a reset passcode and replaces the account secret.
// Pending passcodes for the address are dropped either way once the code is
// spent.
func (s *Service) ResetPassword(ctx context.Context, channel model.Channel, address, code, newSecret string) (model.Identifier, error) {
	if len(newSecret) < crypto.MinSecretLen {
		return model.Identifier{}, common.NewValidation("secret_too_short")
	}
	ident, err := s.store.IdentifierByValue(ctx, channel, model.NormalizeAddress(channel, address))
	if err != nil {
		return model.Identifier{}, err
	}
	key := otp.Key{Channel: channel, Address: ident.Value, Purpose: otp.PurposeReset}
	if _, err := s.otp.Verify(ctx, key, code, false); err != nil {
		return model.Identifier{}, err
	}
	secretHash, err := crypto.HashPassword(newSecret)
	if err != nil {
		return model.Identifier{}, fmt.Errorf("hash secret: %w", err)
	}
	if err := s.store.UpdateAccountSecret(ctx, ident.AccountID, secretHash, time.Now().UTC()); err != nil {
		return model.Identifier{}, err
	}
	if err := s.otp.Invalidate(ctx, channel, ident.Value); err != nil {
		return model.Identifier{}, err
	}
	return ident, nil
}

// UpdateIdentifier rebinds the caller's identifier on a channel, or binds a
// first one. Rebinding resets the verified flag and drops passcodes pending
// for the old address.
func (s *Service) UpdateIdentifier(ctx context.Context, accountID string, channel model.Channel, newValue string) (model.Account, error) {
	newValue = model.NormalizeAddress(channel, newValue)
	if newValue == "" {
		return model.Account{}, common.NewValidation("identifier_required")
	}
	existing, err := s.store.IdentifierByAccountChannel(ctx, accountID, channel)
	switch {
	case err == nil:
		oldValue := existing.Value
		if _, err := s.store.UpdateIdentifierValue(ctx, existing.ID, newValue, time.Now().UTC()); err != nil {
			return model.Account{}, err
		}
		if channel.Deliverable() {
			if err := s.otp.Invalidate(ctx, channel, oldValue); err != nil {
				return model.Account{}, err
			}
		}
	case errors.Is(err, common.ErrNotFound):
		now := time.Now().UTC()
		ident := model.Identifier{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Channel:   channel,
			Value:     newValue,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.InsertIdentifier(ctx, ident); err != nil {
			return model.Account{}, err
		}
	default:
		return model.Account{}, err
	}

	rec, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	return s.assemble(ctx, rec, "")
}

// SetGroup reassigns the account to an existing group and issues a fresh
// session token reflecting the new access level.
func (s *Service) SetGroup(ctx context.Context, accountID, groupID string) (model.Account, error) {
	grp, err := s.store.GroupByID(ctx, groupID)
	if err != nil {
		return model.Account{}, err
	}
	if err := s.store.SetAccountGroup(ctx, accountID, groupID, time.Now().UTC()); err != nil {
		return model.Account{}, err
	}
	rec, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	token, err := s.token(rec, grp)
	if err != nil {
		return model.Account{}, err
	}
	return s.assemble(ctx, rec, token)
}

// Delete removes the account with everything bound to it, pending
// passcodes included.
func (s *Service) Delete(ctx context.Context, accountID string) error {
	idents, err := s.store.IdentifiersByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	for _, ident := range idents {
		if !ident.Channel.Deliverable() {
			continue
		}
		if err := s.otp.Invalidate(ctx, ident.Channel, ident.Value); err != nil {
			return err
		}
	}
	return nil
}

// Get assembles the full read view of one account.
func (s *Service) Get(ctx context.Context, accountID string) (model.Account, error) {
	rec, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	return s.assemble(ctx, rec, "")
}

// List returns assembled accounts in creation order, filtered by the group
// spec, paginated after filtering.
func (s *Service) List(ctx context.Context, spec filter.Spec, offset, count int) ([]model.Account, error) {
	recs, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]model.Group)
	matched := recs[:0:0]
	for _, rec := range recs {
		grp, ok := groups[rec.GroupID]
		if !ok {
			grp, err = s.store.GroupByID(ctx, rec.GroupID)
			if err != nil {
				return nil, fmt.Errorf("load group: %w", err)
			}
			groups[rec.GroupID] = grp
		}
		if spec.Matches(grp) {
			matched = append(matched, rec)
		}
	}

	page := paginate(len(matched), offset, count)
	accounts := make([]model.Account, 0, page.hi-page.lo)
	for _, rec := range matched[page.lo:page.hi] {
		acc, err := s.assemble(ctx, rec, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Groups returns groups in creation order under the same filter and
// pagination rules as List.
func (s *Service) Groups(ctx context.Context, spec filter.Spec, offset, count int) ([]model.Group, error) {
	grps, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	matched := grps[:0:0]
	for _, grp := range grps {
		if spec.Matches(grp) {
			matched = append(matched, grp)
		}
	}
	page := paginate(len(matched), offset, count)
	return matched[page.lo:page.hi], nil
}

// SuperUserRegistered reports whether the initial super user exists, for
// the status endpoint.
func (s *Service) SuperUserRegistered(ctx context.Context) (bool, error) {
	return s.store.SuperUserRegistered(ctx)
}

func (s *Service) boundIdentifier(ctx context.Context, accountID string, channel model.Channel, address string) (model.Identifier, error) {
	ident, err := s.store.IdentifierByValue(ctx, channel, model.NormalizeAddress(channel, address))
	if err != nil {
		return model.Identifier{}, err
	}
	if ident.AccountID != accountID {
		return model.Identifier{}, common.ErrForbidden
	}
	return ident, nil
}

func (s *Service) token(rec model.AccountRecord, grp model.Group) (string, error) {
	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.SessionTTL, auth.Claims{
		AccountID:   rec.ID,
		GroupID:     grp.ID,
		GroupName:   grp.Name,
		AccessLevel: grp.AccessLevel,
	})
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

func (s *Service) assemble(ctx context.Context, rec model.AccountRecord, token string) (model.Account, error) {
	grp, err := s.store.GroupByID(ctx, rec.GroupID)
	if err != nil {
		return model.Account{}, fmt.Errorf("load group: %w", err)
	}
	idents, err := s.store.IdentifiersByAccount(ctx, rec.ID)
	if err != nil {
		return model.Account{}, fmt.Errorf("load identifiers: %w", err)
	}
	device, err := s.store.DeviceByAccount(ctx, rec.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return model.Account{}, fmt.Errorf("load device: %w", err)
	}

	acc := model.Account{
		ID:        rec.ID,
		JWT:       token,
		Type:      rec.Type,
		Group:     grp,
		Device:    device,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, ident := range idents {
		switch ident.Channel {
		case model.ChannelUsername:
			acc.Username = ident
		case model.ChannelEmail:
			acc.Email = ident
		case model.ChannelPhone:
			acc.Phone = ident
		case model.ChannelFacebook:
			acc.Facebook = ident
		}
	}
	return acc, nil
}

// groupOrCreate resolves a built-in group, creating it on first use. A lost
// race against a concurrent insert falls back to the winner's row.
func (s *Service) groupOrCreate(ctx context.Context, name string, accessLevel int) (model.Group, error) {
	grp, err := s.store.GroupByName(ctx, name)
	if err == nil {
		return grp, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return model.Group{}, err
	}
	now := time.Now().UTC()
	grp = model.Group{
		ID:          uuid.NewString(),
		Name:        name,
		AccessLevel: accessLevel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch err := s.store.InsertGroup(ctx, grp); {
	case err == nil:
		return grp, nil
	case errors.Is(err, common.ErrDuplicateIdentifier):
		return s.store.GroupByName(ctx, name)
	default:
		return model.Group{}, err
	}
}

type pageBounds struct{ lo, hi int }

func paginate(total, offset, count int) pageBounds {
	if offset < 0 {
		offset = 0
	}
	if count <= 0 {
		count = defaultListCount
	}
	if count > maxListCount {
		count = maxListCount
	}
	if offset > total {
		offset = total
	}
	hi := offset + count
	if hi > total {
		hi = total
	}
	return pageBounds{lo: offset, hi: hi}
}
