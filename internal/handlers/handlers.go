package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/biocard/internal/accounts"
	"github.com/example/biocard/internal/auth"
	"github.com/example/biocard/internal/biometric"
	"github.com/example/biocard/internal/ledger"
	"github.com/example/biocard/internal/usecase"
)

// MaxUploadSize bounds request bodies; a 1080p RGB frame in base64 fits.
const MaxUploadSize = 10 << 20

// Engine is the verification and enrollment surface.
type Engine interface {
	Verify(ctx context.Context, cardID string, frame biometric.Frame) (usecase.VerificationResult, error)
	Enroll(ctx context.Context, userID string, frame biometric.Frame) (usecase.EnrollmentResult, error)
	RemoveEnrollment(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error
	Withdraw(ctx context.Context, w usecase.Withdrawal) (ledger.Transaction, error)
	Review(ctx context.Context, transactionID string, status ledger.Status) (ledger.Transaction, error)
	Summary(ctx context.Context) (*usecase.Summary, error)
}

// Attempts runs asynchronous verification attempts per terminal session.
type Attempts interface {
	Start(ctx context.Context, sessionID, cardID string, source biometric.FrameSource) (*usecase.Attempt, error)
	Cancel(sessionID string) bool
	Status(ctx context.Context, attemptID string) (*usecase.AttemptStatus, error)
}

// Transactions is the read side of the ledger.
type Transactions interface {
	Get(ctx context.Context, id string) (ledger.Transaction, error)
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Directory manages cards and authorized users.
type Directory interface {
	AddCard(in accounts.NewCard) (accounts.CardAccount, error)
	ToggleCard(cardID string) (accounts.CardAccount, error)
	AddUser(in accounts.NewUser) (accounts.AuthorizedUser, error)
	ToggleUser(userID string) (accounts.AuthorizedUser, error)
	GrantAccess(cardID, userID string) error
	RevokeAccess(cardID, userID string) error
	Cards() []accounts.CardAccount
	Users() []accounts.AuthorizedUser
}

// Services bundles the dependencies of the HTTP layer.
type Services struct {
	Engine       Engine
	Attempts     Attempts
	Transactions Transactions
	Directory    Directory
	Logger       *zap.Logger
}

type api struct {
	Services
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Services, authMiddleware gin.HandlerFunc) {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	h := &api{Services: svc}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	terminal := protected.Group("/", auth.RequireRole(auth.RoleTerminal, auth.RoleHolder))
	terminal.POST("/cards/:id/verify", h.verify)
	terminal.POST("/sessions/:id/attempts", h.startAttempt)
	terminal.DELETE("/sessions/:id", h.cancelSession)
	terminal.GET("/attempts/:id", h.attemptStatus)
	terminal.POST("/transactions", h.withdraw)

	holder := protected.Group("/", auth.RequireRole(auth.RoleHolder))
	holder.GET("/cards", h.listCards)
	holder.POST("/cards", h.addCard)
	holder.PATCH("/cards/:id/active", h.toggleCard)
	holder.POST("/cards/:id/users", h.grantAccess)
	holder.DELETE("/cards/:id/users/:userId", h.revokeAccess)
	holder.GET("/users", h.listUsers)
	holder.POST("/users", h.addUser)
	holder.PATCH("/users/:id/active", h.toggleUser)
	holder.DELETE("/users/:id", h.deleteUser)
	holder.POST("/users/:id/enrollment", h.enroll)
	holder.DELETE("/users/:id/enrollment", h.removeEnrollment)
	holder.GET("/transactions", h.listTransactions)
	holder.GET("/transactions/pending/count", h.pendingCount)
	holder.GET("/transactions/:id", h.getTransaction)
	holder.PATCH("/transactions/:id", h.review)
	holder.GET("/summary", h.summary)
}

func (h *api) verify(c *gin.Context) {
	var frame biometric.Frame
	if !bindAndValidate(c, &frame) {
		return
	}
	if err := frame.Validate(); err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.Engine.Verify(c.Request.Context(), c.Param("id"), frame)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *api) enroll(c *gin.Context) {
	var frame biometric.Frame
	if !bindAndValidate(c, &frame) {
		return
	}
	if err := frame.Validate(); err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.Engine.Enroll(c.Request.Context(), c.Param("id"), frame)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (h *api) removeEnrollment(c *gin.Context) {
	if err := h.Engine.RemoveEnrollment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) startAttempt(c *gin.Context) {
	var req attemptRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if err := req.Frame.Validate(); err != nil {
		h.respondError(c, err)
		return
	}
	attempt, err := h.Attempts.Start(c.Request.Context(), c.Param("id"), req.CardID, biometric.StaticSource{Frame: req.Frame})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"attempt_id": attempt.ID,
		"session_id": attempt.SessionID,
		"card_id":    attempt.CardID,
		"state":      usecase.AttemptProcessing,
	})
}

func (h *api) cancelSession(c *gin.Context) {
	if !h.Attempts.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no attempt in progress"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) attemptStatus(c *gin.Context) {
	status, err := h.Attempts.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *api) withdraw(c *gin.Context) {
	var req withdrawalRequest
	if !bindAndValidate(c, &req) {
		return
	}
	tx, err := h.Engine.Withdraw(c.Request.Context(), usecase.Withdrawal{
		VerificationID: req.VerificationID,
		CardID:         req.CardID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Location:       req.Location,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *api) review(c *gin.Context) {
	var req reviewRequest
	if !bindAndValidate(c, &req) {
		return
	}
	tx, err := h.Engine.Review(c.Request.Context(), c.Param("id"), ledger.Status(req.Status))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *api) getTransaction(c *gin.Context) {
	tx, err := h.Transactions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *api) listTransactions(c *gin.Context) {
	filter := ledger.Filter{
		Status: ledger.Status(c.Query("status")),
		Search: c.Query("search"),
		CardID: c.Query("card_id"),
		UserID: c.Query("user_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending, approved or denied"})
		return
	}
	txs, err := h.Transactions.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (h *api) pendingCount(c *gin.Context) {
	n, err := h.Transactions.PendingCount(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": n})
}

func (h *api) summary(c *gin.Context) {
	s, err := h.Engine.Summary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *api) listCards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cards": h.Directory.Cards()})
}

func (h *api) addCard(c *gin.Context) {
	var req cardRequest
	if !bindAndValidate(c, &req) {
		return
	}
	card, err := h.Directory.AddCard(accounts.NewCard{
		ID:          req.ID,
		Number:      req.Number,
		Type:        req.Type,
		Expiry:      req.Expiry,
		HolderEmail: req.HolderEmail,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *api) toggleCard(c *gin.Context) {
	card, err := h.Directory.ToggleCard(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *api) grantAccess(c *gin.Context) {
	var req accessRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if err := h.Directory.GrantAccess(c.Param("id"), req.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) revokeAccess(c *gin.Context) {
	if err := h.Directory.RevokeAccess(c.Param("id"), c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) listUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.Directory.Users()})
}

func (h *api) addUser(c *gin.Context) {
	var req userRequest
	if !bindAndValidate(c, &req) {
		return
	}
	user, err := h.Directory.AddUser(accounts.NewUser{
		ID:         req.ID,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		CardAccess: req.CardAccess,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *api) toggleUser(c *gin.Context) {
	user, err := h.Directory.ToggleUser(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *api) deleteUser(c *gin.Context) {
	if err := h.Engine.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondError maps domain errors onto HTTP status codes. Anything
// unrecognised is logged and reported as an internal error.
func (h *api) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, accounts.ErrUnknownCard),
		errors.Is(err, accounts.ErrUnknownUser),
		errors.Is(err, ledger.ErrUnknownCard),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, usecase.ErrAttemptNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, usecase.ErrAttemptInFlight):
		status = http.StatusConflict
	case errors.Is(err, usecase.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, accounts.ErrInvalidCard),
		errors.Is(err, accounts.ErrInvalidUser),
		errors.Is(err, biometric.ErrInvalidFrame):
		status = http.StatusBadRequest
	case errors.Is(err, usecase.ErrNotEligible),
		errors.Is(err, usecase.ErrNotVerified):
		status = http.StatusForbidden
	case errors.Is(err, usecase.ErrSessionsClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
