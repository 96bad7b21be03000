package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/accounts/internal/auth"
	"github.com/MarcoPoloResearchLab/accounts/internal/idp"
	"github.com/MarcoPoloResearchLab/accounts/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const accountContextKey = "accounts_account"

var (
	errMissingVerifier  = errors.New("id token verifier dependency required")
	errMissingIssuer    = errors.New("session issuer dependency required")
	errMissingValidator = errors.New("session validator dependency required")
	errMissingAccounts  = errors.New("accounts service dependency required")
)

// IdentityVerifier turns an identity provider ID token into a verified subject and claims.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

// SessionIssuer signs session tokens for signed-in accounts.
type SessionIssuer interface {
	Issue(userID uint64, provenance string) (string, time.Time, error)
}

// SessionValidator authenticates inbound requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Dependencies struct {
	Verifier       IdentityVerifier
	Sessions       SessionIssuer
	Validator      SessionValidator
	Accounts       *users.Service
	Metrics        http.Handler
	AllowedOrigins []string
	SecureCookies  bool
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Sessions == nil {
		return nil, errMissingIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		sessions:      deps.Sessions,
		validator:     deps.Validator,
		accounts:      deps.Accounts,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/password", handler.handlePasswordLogin)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/account")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleDashboard)
	protected.PUT("/name", handler.handleUpdateName)
	protected.PUT("/email", handler.handleUpdateEmail)
	protected.PUT("/password", handler.handleUpdatePassword)
	protected.PUT("/address", handler.handleUpdateAddress)
	protected.DELETE("/address", handler.handleDeleteAddress)
	protected.POST("/verification-email", handler.handleResendVerification)
	protected.POST("/sync", handler.handleSync)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	verifier      IdentityVerifier
	sessions      SessionIssuer
	validator     SessionValidator
	accounts      *users.Service
	secureCookies bool
	logger        *zap.Logger
}

type loginRequestPayload struct {
	IDToken string `json:"id_token"`
}

type passwordLoginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponsePayload struct {
	AccessToken   string   `json:"access_token"`
	ExpiresIn     int64    `json:"expires_in"`
	TokenType     string   `json:"token_type"`
	ChangedFields []string `json:"changed_fields,omitempty"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("id token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, changed, err := h.accounts.SignIn(c.Request.Context(), identity.Subject, identity.Profile)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.startSession(c, account, changed)
}

func (h *httpHandler) handlePasswordLogin(c *gin.Context) {
	var request passwordLoginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.LoadByUsername(c.Request.Context(), request.Username)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	ok, err := account.CheckPassword(c.Request.Context(), request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	h.startSession(c, account, nil)
}

func (h *httpHandler) startSession(c *gin.Context, account *users.Account, changed []string) {
	token, expiresAt, err := h.sessions.Issue(account.ID(), account.Provenance().String())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	expiresIn := int64(time.Until(expiresAt).Seconds())
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.validator.CookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken:   token,
		ExpiresIn:     expiresIn,
		TokenType:     "Bearer",
		ChangedFields: changed,
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.validator.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.accounts.Load(c.Request.Context(), userID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

func currentAccount(c *gin.Context) *users.Account {
	value, _ := c.Get(accountContextKey)
	account, _ := value.(*users.Account)
	return account
}

// writeError maps domain failures onto HTTP responses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var validationErr *users.ValidationError
	var syncErr *users.SyncError
	var providerErr *idp.ProviderError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "field": validationErr.Field, "reason": validationErr.Reason})
	case errors.Is(err, users.ErrUnsupportedOperation):
		c.JSON(http.StatusConflict, gin.H{"error": "unsupported_operation", "message": err.Error()})
	case errors.As(err, &syncErr):
		c.JSON(http.StatusAccepted, gin.H{"error": "saved_pending_sync", "field": syncErr.Field})
	case errors.As(err, &providerErr):
		h.logger.Warn("identity provider request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "transient": providerErr.Transient()})
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, users.ErrInvalidIdentity):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
