package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/accounts/internal/users"
	"github.com/gin-gonic/gin"
)

type accountViewPayload struct {
	ID            uint64   `json:"id"`
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	FirstName     string   `json:"first_name,omitempty"`
	LastName      string   `json:"last_name,omitempty"`
	IsSocial      bool     `json:"is_social"`
	Provenance    string   `json:"provenance"`
	AddressLines  []string `json:"address_lines,omitempty"`
}

type nameRequestPayload struct {
	Name string `json:"name"`
}

type emailRequestPayload struct {
	Email        string `json:"email"`
	ConfirmEmail string `json:"confirm_email"`
	Password     string `json:"password"`
}

type passwordRequestPayload struct {
	Password         string `json:"password"`
	ConfirmPassword  string `json:"confirm_password"`
	ExistingPassword string `json:"existing_password"`
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	account := currentAccount(c)
	ctx := c.Request.Context()

	profile, err := account.Profile(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := accountViewPayload{
		ID:            account.ID(),
		Username:      account.Username(),
		Email:         account.Email(),
		EmailVerified: account.EmailVerified(),
		Name:          account.Name(),
		FirstName:     profile.FirstName(),
		LastName:      profile.LastName(),
		IsSocial:      account.IsSocial(),
		Provenance:    account.Provenance().String(),
	}
	address, present, err := account.Address(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if present {
		view.AddressLines = address.Lines()
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleUpdateName(c *gin.Context) {
	var request nameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account := currentAccount(c)
	if err := account.UpdateName(c.Request.Context(), request.Name); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": account.Name()})
}

func (h *httpHandler) handleUpdateEmail(c *gin.Context) {
	var request emailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.ValidateEmail(request.Email); err != nil {
		h.writeError(c, err)
		return
	}
	if request.Email != request.ConfirmEmail {
		h.writeError(c, &users.ValidationError{Field: "confirm_email", Reason: "the two email fields did not match"})
		return
	}
	account := currentAccount(c)
	if !h.confirmPassword(c, account, request.Password, "password") {
		return
	}
	if err := account.UpdateEmail(c.Request.Context(), request.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": account.Email(), "email_verified": account.EmailVerified()})
}

func (h *httpHandler) handleUpdatePassword(c *gin.Context) {
	var request passwordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.ValidatePassword(request.Password); err != nil {
		h.writeError(c, err)
		return
	}
	if request.Password != request.ConfirmPassword {
		h.writeError(c, &users.ValidationError{Field: "confirm_password", Reason: "the two passwords did not match"})
		return
	}
	account := currentAccount(c)
	if !h.confirmPassword(c, account, request.ExistingPassword, "existing_password") {
		return
	}
	if err := account.UpdatePassword(c.Request.Context(), request.Password); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// confirmPassword checks the account's current password and writes the
// response itself when the check does not pass.
func (h *httpHandler) confirmPassword(c *gin.Context, account *users.Account, raw, field string) bool {
	ok, err := account.CheckPassword(c.Request.Context(), raw)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !ok {
		h.writeError(c, &users.ValidationError{Field: field, Reason: "is incorrect"})
		return false
	}
	return true
}

func (h *httpHandler) handleUpdateAddress(c *gin.Context) {
	var request map[string]string
	if err := c.ShouldBindJSON(&request); err != nil || len(request) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := currentAccount(c).UpdateAddress(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address_lines": address.Lines()})
}

func (h *httpHandler) handleDeleteAddress(c *gin.Context) {
	if err := currentAccount(c).DeleteAddress(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResendVerification(c *gin.Context) {
	if err := currentAccount(c).ResendVerificationEmail(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	account := currentAccount(c)
	account.InvalidateProfile()
	changed, err := account.UpdateFromProfile(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed_fields": changed})
}
