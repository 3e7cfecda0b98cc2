package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/padraicbc/docmigrate/db"
	mw "github.com/padraicbc/docmigrate/middleware"
)

const (
	tokenTTL    = 30 * 24 * time.Hour
	tokenIssuer = "docmigrate"
)

type credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type signinResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HashPasswordForUser checks the console credentials and returns the bcrypt
// hash stored in docmigrate_users.
func HashPasswordForUser(username, password string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", errors.New("username is required")
	}
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is required")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// requireAdmin returns the authenticated username when it belongs to a
// stored user listed in ADMIN_USERS.
func (h *Handler) requireAdmin(c echo.Context) (string, error) {
	username, _ := c.Get("username").(string)
	username = strings.TrimSpace(username)
	if username == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	_, err := h.repo.FindUser(c.Request().Context(), username)
	if errors.Is(err, db.ErrNotFound) {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if err != nil {
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !h.cfg.IsAdmin(username) {
		return "", echo.NewHTTPError(http.StatusForbidden, "admin access required")
	}
	return username, nil
}

// PasswordHash hashes credentials for a new console user. Admins only; the
// hash is stored with cmd/adduser or by hand.
func (h *Handler) PasswordHash(c echo.Context) error {
	admin, err := h.requireAdmin(c)
	if err != nil {
		return err
	}

	var creds credentials
	if err := h.bind(c, &creds); err != nil {
		return err
	}
	hash, err := HashPasswordForUser(creds.Username, creds.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	username := strings.TrimSpace(creds.Username)
	h.log.Info("password hash issued", zap.String("admin", admin), zap.String("username", username))
	return c.JSON(http.StatusOK, map[string]string{
		"username":      username,
		"password_hash": hash,
	})
}

// Signin checks the credentials and issues a console token.
func (h *Handler) Signin(c echo.Context) error {
	var creds credentials
	if err := h.bind(c, &creds); err != nil {
		return err
	}
	username := strings.TrimSpace(creds.Username)

	user, err := h.repo.FindUser(c.Request().Context(), username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)) != nil {
		h.log.Warn("signin rejected", zap.String("username", username))
		return echo.NewHTTPError(http.StatusUnauthorized, "incorrect username or password")
	}

	token, expires, err := h.issueToken(username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, signinResponse{Token: token, ExpiresAt: expires})
}

func (h *Handler) issueToken(username string) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(tokenTTL)
	claims := &mw.Claims{
		Username: username,
		UserHash: mw.UserHashFromUsername(username, h.JWTKey),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.JWTKey)
	return signed, expires, err
}
