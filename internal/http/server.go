// Package http exposes the account service over a chi router.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authsvc/internal/account"
	"authsvc/internal/auth"
	"authsvc/internal/common"
	"authsvc/internal/config"
	"authsvc/internal/filter"
	"authsvc/internal/model"
)

type Server struct {
	cfg config.Config
	svc *account.Service
}

func NewServer(cfg config.Config, svc *account.Service) *Server {
	return &Server{cfg: cfg, svc: svc}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)

	r.Put("/first_user", s.handleFirstUser)

	r.Route("/users", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireElevated).Get("/", s.handleListUsers)
		r.With(s.authMiddleware).Get("/{userID}/verify/{otp}", s.handleVerifyOTP)
		r.With(s.authMiddleware, s.requireElevated).Post("/{userID}/group/{groupID}", s.handleSetGroup)
		r.With(s.authMiddleware, s.requireElevated).Delete("/{userID}", s.handleDeleteUser)
	})
	r.With(s.authMiddleware, s.requireElevated).Get("/groups", s.handleListGroups)

	r.Route("/{loginType}", func(r chi.Router) {
		r.With(s.optionalAuth).Put("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.With(s.authMiddleware).Post("/update", s.handleUpdateIdentifier)
		r.With(s.authMiddleware).Get("/verify/{address}", s.handleSendVerify)
		r.Get("/reset_password/{address}", s.handleSendReset)
		r.Post("/reset_password", s.handleResetPassword)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	registered, err := s.svc.SuperUserRegistered(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView{
		Name:                config.Name,
		Version:             config.Version,
		Description:         config.Description,
		CanonicalName:       config.CanonicalName,
		SuperUserRegistered: registered,
	})
}

type registerRequest struct {
	UserType   string `json:"userType"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	GroupID    string `json:"groupID"`
	DeviceID   string `json:"deviceID"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	var acc model.Account
	switch r.URL.Query().Get("selfReg") {
	case "true":
		acc, err = s.svc.RegisterSelf(r.Context(), channel, req.Identifier, req.UserType, req.Secret)
	case "device":
		acc, err = s.svc.RegisterSelfByDevice(r.Context(), channel, req.Identifier, req.UserType, req.Secret, req.DeviceID)
	default:
		// Registering someone else needs an elevated session.
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		if !isElevated(claims) {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		acc, err = s.svc.RegisterOther(r.Context(), channel, req.Identifier, req.UserType, req.GroupID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(acc))
}

type firstUserRequest struct {
	LoginType  string `json:"loginType"`
	UserType   string `json:"userType"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

func (s *Server) handleFirstUser(w http.ResponseWriter, r *http.Request) {
	var req firstUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.LoginType == "" {
		req.LoginType = string(model.ChannelUsername)
	}
	channel, err := model.ParseChannel(req.LoginType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	acc, err := s.svc.RegisterFirst(r.Context(), channel, req.Identifier, req.UserType, req.Secret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(acc))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	address, secret, ok := r.BasicAuth()
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_credentials")
		return
	}
	acc, err := s.svc.Login(r.Context(), channel, address, secret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc))
}

type updateIdentifierRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) handleUpdateIdentifier(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var req updateIdentifierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	claims := claimsFromContext(r.Context())
	acc, err := s.svc.UpdateIdentifier(r.Context(), claims.AccountID, channel, req.Identifier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc))
}

func (s *Server) handleSendVerify(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	claims := claimsFromContext(r.Context())
	status, err := s.svc.SendVerifyCode(r.Context(), claims.AccountID, channel, chi.URLParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Delivery is a transport concern; the code itself never leaves here.
	writeJSON(w, http.StatusOK, newOTPStatusView(status))
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	claims := claimsFromContext(r.Context())
	if claims.AccountID != userID && !isElevated(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	channel, err := model.ParseChannel(r.URL.Query().Get("loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	extend, _ := strconv.ParseBool(r.URL.Query().Get("extend"))

	ident, extended, err := s.svc.VerifyOTP(r.Context(), userID, channel, chi.URLParam(r, "otp"), extend)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if extended != nil {
		writeJSON(w, http.StatusOK, map[string]string{"OTP": extended.Code})
		return
	}
	writeJSON(w, http.StatusOK, newIdentifierView(ident))
}

func (s *Server) handleSendReset(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status, err := s.svc.SendResetCode(r.Context(), channel, chi.URLParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOTPStatusView(status))
}

type resetPasswordRequest struct {
	Identifier string `json:"identifier"`
	OTP        string `json:"otp"`
	NewSecret  string `json:"newSecret"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	channel, err := model.ParseChannel(chi.URLParam(r, "loginType"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	ident, err := s.svc.ResetPassword(r.Context(), channel, req.Identifier, req.OTP, req.NewSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIdentifierView(ident))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	spec, offset, count, err := listParams(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	accounts, err := s.svc.List(r.Context(), spec, offset, count)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, newAccountView(acc))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	spec, offset, count, err := listParams(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	groups, err := s.svc.Groups(r.Context(), spec, offset, count)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, grp := range groups {
		views = append(views, newGroupView(grp))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetGroup(w http.ResponseWriter, r *http.Request) {
	acc, err := s.svc.SetGroup(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "groupID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func listParams(r *http.Request) (filter.Spec, int, int, error) {
	query := r.URL.Query()
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		return filter.Spec{}, 0, 0, common.NewValidation("invalid_pagination")
	}
	count, err := queryInt(query.Get("count"), 0)
	if err != nil {
		return filter.Spec{}, 0, 0, common.NewValidation("invalid_pagination")
	}
	matchAllACLs, _ := strconv.ParseBool(query.Get("matchAllACLs"))
	matchAll, _ := strconv.ParseBool(query.Get("matchAll"))
	spec, err := filter.Parse(query["group"], query["acl"], matchAllACLs, matchAll)
	if err != nil {
		return filter.Spec{}, 0, 0, err
	}
	return spec, offset, count, nil
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuth attaches claims when a valid token is present but lets the
// request through either way. Registration is the one route whose auth
// needs depend on the request body.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token != "" {
			if claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !isElevated(claims) {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func isElevated(claims *auth.Claims) bool {
	return claims != nil && claims.AccessLevel >= model.AccessLevelAdmin
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps the error taxonomy onto distinct statuses and
// short machine codes.
func writeServiceError(w http.ResponseWriter, err error) {
	if ve, ok := common.AsValidation(err); ok {
		writeError(w, http.StatusBadRequest, ve.Code)
		return
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, common.ErrDuplicateIdentifier):
		writeError(w, http.StatusConflict, "duplicate_identifier")
	case errors.Is(err, common.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, "invalid_login_type")
	case errors.Is(err, common.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, "invalid_filter")
	case errors.Is(err, common.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, common.ErrSuperExists):
		writeError(w, http.StatusForbidden, "super_exists")
	case errors.Is(err, common.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, common.ErrOTPNotFound):
		writeError(w, http.StatusNotFound, "otp_not_found")
	case errors.Is(err, common.ErrOTPMismatch):
		writeError(w, http.StatusUnauthorized, "otp_mismatch")
	case errors.Is(err, common.ErrOTPExpired):
		writeError(w, http.StatusUnauthorized, "otp_expired")
	case errors.Is(err, common.ErrOTPConsumed):
		writeError(w, http.StatusConflict, "otp_consumed")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}
