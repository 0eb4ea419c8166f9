package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authkit/internal/middleware"
	"github.com/charlesng35/authkit/internal/services"
	"github.com/charlesng35/authkit/pkg/errors"
	"github.com/charlesng35/authkit/pkg/response"
)

// AuthHandler exposes the account flows (register, login, tokens, passwords, verification).
type AuthHandler struct {
	svc *services.AuthService
}

func NewAuthHandler(svc *services.AuthService) (*AuthHandler, error) {
	if svc == nil {
		return nil, errors.New("HANDLER_CONFIG", "auth service is required", http.StatusInternalServerError)
	}
	return &AuthHandler{svc: svc}, nil
}

type registerRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required"`
	FirstName       string `json:"first_name" validate:"max=150"`
	LastName        string `json:"last_name" validate:"max=150"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	Refresh string `json:"refresh" validate:"required,notblank"`
}

type changePasswordRequest struct {
	OldPassword        string `json:"old_password" validate:"required"`
	NewPassword        string `json:"new_password" validate:"required"`
	NewPasswordConfirm string `json:"new_password_confirm" validate:"required"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token              string `json:"token" validate:"required,notblank"`
	NewPassword        string `json:"new_password" validate:"required"`
	NewPasswordConfirm string `json:"new_password_confirm" validate:"required"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required,notblank"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.svc.Register(requestContext(c), services.RegisterInput{
		Email:           req.Email,
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	message := "Registration successful. Please check your email to verify your account."
	if user.IsVerified {
		message = "Registration successful."
	}
	response.Success(c, http.StatusCreated, gin.H{
		"message": message,
		"user":    user,
	})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.svc.Login(requestContext(c), services.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Login successful",
		"user":    result.User,
		"tokens":  result.Tokens,
	})
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, err := h.svc.Refresh(requestContext(c), req.Refresh)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, pair)
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.Logout(requestContext(c), currentUserID(c), req.Refresh); err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Logout successful")
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.svc.CurrentUser(requestContext(c), currentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, user)
}

// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.svc.ChangePassword(requestContext(c), currentUserID(c), services.ChangePasswordInput{
		OldPassword:        req.OldPassword,
		NewPassword:        req.NewPassword,
		NewPasswordConfirm: req.NewPasswordConfirm,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Password changed successfully")
}

// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	message, err := h.svc.ForgotPassword(requestContext(c), req.Email)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, message)
}

// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.svc.ResetPassword(requestContext(c), services.ResetPasswordInput{
		Token:              req.Token,
		NewPassword:        req.NewPassword,
		NewPasswordConfirm: req.NewPasswordConfirm,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Password has been reset successfully")
}

// POST /api/auth/verify-email
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if _, err := h.svc.VerifyEmail(requestContext(c), req.Token); err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Email verified successfully")
}

// POST /api/auth/resend-verification
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	if err := h.svc.ResendVerification(requestContext(c), currentUserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, "Verification email sent")
}

func currentUserID(c *gin.Context) string {
	return c.GetString(middleware.CtxUserIDKey)
}
