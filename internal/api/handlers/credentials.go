package handlers

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

var credentialRef = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// CredentialStore keeps node secrets
type CredentialStore interface {
	PutCredential(ref string, cred storage.Credential) error
	DeleteCredential(ref string) error
}

// CredentialHandler writes node credentials into the vault. Secrets are
// never returned.
type CredentialHandler struct {
	vault  CredentialStore
	logger logger.Interface
}

// NewCredentialHandler creates a new credential handler
func NewCredentialHandler(vault CredentialStore, logger logger.Interface) *CredentialHandler {
	return &CredentialHandler{
		vault:  vault,
		logger: logger.WithField("handler", "credentials"),
	}
}

// PutCredentialRequest carries an SSH private key, a password, or both
type PutCredentialRequest struct {
	Username   string `json:"username"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
	Password   string `json:"password"`
}

// Put stores the credential under :ref, replacing any previous one
func (h *CredentialHandler) Put(c *gin.Context) {
	ref, ok := h.ref(c)
	if !ok {
		return
	}

	var req PutCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	cred := storage.Credential{
		Username:   req.Username,
		PrivateKey: []byte(req.PrivateKey),
		Passphrase: req.Passphrase,
		Password:   req.Password,
	}
	if cred.IsEmpty() {
		badRequest(c, "private_key or password is required")
		return
	}

	if err := h.vault.PutCredential(ref, cred); err != nil {
		handleServiceError(c, h.logger, err, "Failed to store credential")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"ref":     ref,
		"user_id": middleware.GetUserID(c),
	}).Info("Credential stored")
	c.Status(http.StatusNoContent)
}

// Delete removes the credential under :ref
func (h *CredentialHandler) Delete(c *gin.Context) {
	ref, ok := h.ref(c)
	if !ok {
		return
	}

	if err := h.vault.DeleteCredential(ref); err != nil {
		handleServiceError(c, h.logger, err, "Failed to delete credential")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CredentialHandler) ref(c *gin.Context) (string, bool) {
	ref := c.Param("ref")
	if !credentialRef.MatchString(ref) {
		badRequest(c, "Invalid credential reference")
		return "", false
	}
	return ref, true
}
