package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/numclash/backend/internal/auth"
	"github.com/numclash/backend/internal/battle"
)

const userIDContextKey = "numclash_user_id"

var (
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingBattleService = errors.New("battle service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenVerifier authenticates a bearer token and returns the user identifier.
type TokenVerifier interface {
	Verify(tokenString string) (string, error)
}

type Dependencies struct {
	TokenVerifier TokenVerifier
	BattleService *battle.Service
	// Realtime, when set, is mounted at GET /ws.
	Realtime http.Handler
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenVerifier == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.BattleService == nil {
		return nil, errMissingBattleService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.TokenVerifier,
		battles:  deps.BattleService,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Realtime != nil {
		router.GET("/ws", gin.WrapH(deps.Realtime))
	}

	api := router.Group("/api/v1")
	api.GET("/battle/all", handler.handleListPublic)
	api.GET("/battle/available", handler.handleListAvailable)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/battle/create", handler.handleCreateBattle)
	protected.POST("/battle/join", handler.handleJoinBattle)
	protected.POST("/battle/start", handler.handleStartBattle)
	protected.POST("/battle/submit-round", handler.handleSubmitRound)
	protected.POST("/battle/complete", handler.handleCompleteBattle)
	protected.GET("/battle/my-battles", handler.handleMyBattles)
	protected.GET("/battle/:id", handler.handleGetBattle)

	return router, nil
}

type httpHandler struct {
	verifier TokenVerifier
	battles  *battle.Service
	logger   *zap.Logger
}

type createBattlePayload struct {
	NumberOfRounds int  `json:"number_of_rounds"`
	TimeLimit      int  `json:"time_limit"`
	IsPublic       bool `json:"is_public"`
}

func (h *httpHandler) handleCreateBattle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createBattlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	result, err := h.battles.Create(c.Request.Context(), userID, battle.CreateParams{
		NumberOfRounds: request.NumberOfRounds,
		TimeLimit:      request.TimeLimit,
		IsPublic:       request.IsPublic,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "battle created",
		"battle":  result,
	})
}

type joinBattlePayload struct {
	BattleCode string `json:"battle_code"`
}

func (h *httpHandler) handleJoinBattle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request joinBattlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	result, err := h.battles.Join(c.Request.Context(), userID, request.BattleCode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	message := "joined battle"
	if result.Rejoined {
		message = "rejoined battle"
	}
	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"battle":  result,
	})
}

type startBattlePayload struct {
	BattleSessionID string `json:"battle_session_id"`
}

func (h *httpHandler) handleStartBattle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request startBattlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	session, err := h.battles.Start(c.Request.Context(), userID, request.BattleSessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "battle started",
		"session": session,
	})
}

type submitRoundPayload struct {
	BattleSessionID string  `json:"battle_session_id"`
	RoundNumber     int     `json:"round_number"`
	UserSymbol      string  `json:"user_symbol"`
	ResponseTime    float64 `json:"response_time"`
}

func (h *httpHandler) handleSubmitRound(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request submitRoundPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	result, err := h.battles.SubmitRound(c.Request.Context(), userID, battle.SubmitParams{
		BattleSessionID: request.BattleSessionID,
		RoundNumber:     request.RoundNumber,
		Symbol:          request.UserSymbol,
		ResponseTime:    request.ResponseTime,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "round submitted",
		"round":   result,
	})
}

type completeBattlePayload struct {
	BattleSessionID string  `json:"battle_session_id"`
	TotalTime       float64 `json:"total_time"`
}

func (h *httpHandler) handleCompleteBattle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request completeBattlePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	result, err := h.battles.Complete(c.Request.Context(), userID, request.BattleSessionID, request.TotalTime)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "battle completion recorded",
		"result":  result,
	})
}

func (h *httpHandler) handleGetBattle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	detail, err := h.battles.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"battle":  detail,
	})
}

func (h *httpHandler) handleMyBattles(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	page, err := h.battles.ListMine(c.Request.Context(), userID, listQueryFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"battles": page,
	})
}

func (h *httpHandler) handleListPublic(c *gin.Context) {
	page, err := h.battles.ListPublic(c.Request.Context(), listQueryFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"battles": page,
	})
}

func (h *httpHandler) handleListAvailable(c *gin.Context) {
	page, err := h.battles.ListAvailable(c.Request.Context(), listQueryFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"battles": page,
	})
}

func listQueryFrom(c *gin.Context) battle.ListQuery {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	return battle.ListQuery{
		Page:     page,
		PageSize: pageSize,
		Status:   c.Query("status"),
	}
}

// respondError translates the battle error taxonomy to HTTP. Internal causes
// are logged, never surfaced.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch battle.KindOf(err) {
	case battle.KindValidation:
		status = http.StatusBadRequest
	case battle.KindNotFound:
		status = http.StatusNotFound
	case battle.KindForbidden:
		status = http.StatusForbidden
	case battle.KindConflict:
		status = http.StatusConflict
	case battle.KindResourceExhausted, battle.KindInternal:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("battle request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"message": battle.MessageOf(err)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.verifier.Verify(token)
	if err != nil {
		// Expired tokens are routine client behavior, not an attack signal.
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token verification failed", zap.Error(err))
		} else {
			h.logger.Warn("token verification failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
