package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/copyforge/pipeline/internal/middleware"
	"github.com/copyforge/pipeline/pkg/models"
)

type signupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Tier     string `json:"tier"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type generationRequest struct {
	ContentType string            `json:"content_type" binding:"required"`
	Title       string            `json:"title"`
	Prompt      string            `json:"prompt" binding:"required"`
	CampaignID  string            `json:"campaign_id"`
	Tone        string            `json:"tone"`
	MaxTokens   int               `json:"max_tokens"`
	Metadata    map[string]string `json:"metadata"`
}

var validContentTypes = map[string]bool{
	models.ContentTypeBlogPost:    true,
	models.ContentTypeEmail:       true,
	models.ContentTypeSocialPost:  true,
	models.ContentTypeVideoScript: true,
	models.ContentTypeAdCopy:      true,
}

func (api *API) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = models.TierStarter
	}
	if !models.ValidTier(tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown subscription tier"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Tier:         tier,
		Status:       models.AccountStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := api.repo.CreateAccount(c.Request.Context(), account); err != nil {
		api.log.WithError(err).Error("Failed to create account")
		c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
		return
	}

	pair, err := api.authority.Issue(c.Request.Context(), account.ID)
	if err != nil {
		api.log.WithAccountID(account.ID).WithError(err).Error("Failed to issue credentials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue credentials"})
		return
	}

	api.log.LogAuthEvent(account.ID, "signup", map[string]interface{}{"tier": tier})
	c.JSON(http.StatusCreated, gin.H{
		"account":     account,
		"credentials": pair,
	})
}

func (api *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := api.repo.GetAccountByEmail(c.Request.Context(), req.Email)
	if err != nil {
		// Same response as a bad password; don't leak which emails exist.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if account.Status != models.AccountStatusActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is not active"})
		return
	}

	pair, err := api.authority.Issue(c.Request.Context(), account.ID)
	if err != nil {
		api.log.WithAccountID(account.ID).WithError(err).Error("Failed to issue credentials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue credentials"})
		return
	}

	api.log.LogAuthEvent(account.ID, "login", nil)
	c.JSON(http.StatusOK, pair)
}

func (api *API) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := api.authority.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTokenReused):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token reuse detected; all sessions revoked"})
		case errors.Is(err, models.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token expired"})
		case errors.Is(err, models.ErrTokenRevoked):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token revoked"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
		}
		return
	}

	c.JSON(http.StatusOK, pair)
}

func (api *API) logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := api.authority.RevokeToken(c.Request.Context(), req.RefreshToken); err != nil {
		// Revoking an already-dead token is not an error worth surfacing.
		api.log.WithError(err).Debug("Logout with unusable refresh token")
	}
	c.Status(http.StatusNoContent)
}

func (api *API) createGeneration(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req generationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validContentTypes[req.ContentType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown content type"})
		return
	}
	if req.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must be positive"})
		return
	}

	account, err := api.lookupAccount(c, identity.AccountID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Account not found"})
		return
	}
	if account.Status != models.AccountStatusActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is not active"})
		return
	}

	job, err := api.orch.Start(c.Request.Context(), account, models.GenerationParams{
		ContentType: req.ContentType,
		Title:       req.Title,
		Prompt:      req.Prompt,
		CampaignID:  req.CampaignID,
		Tone:        req.Tone,
		MaxTokens:   req.MaxTokens,
		Metadata:    req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrQuotaExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Monthly generation quota exhausted",
				"code":  models.ErrorCodeQuotaExceeded,
			})
		case errors.Is(err, models.ErrConcurrencyLimit):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many concurrent generations for this tier",
				"code":  models.ErrorCodeQuotaExceeded,
			})
		case errors.Is(err, models.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "No generation capacity available, try again shortly",
				"code":  models.ErrorCodeUnavailable,
			})
		default:
			api.log.WithAccountID(account.ID).WithError(err).Error("Failed to start generation")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start generation"})
		}
		return
	}

	ticket, err := api.authority.StreamTicket(c.Request.Context(), account.ID, job.ID)
	if err != nil {
		api.log.WithJobID(job.ID).WithError(err).Error("Failed to mint stream ticket")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start generation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":        job.ID,
		"state":         job.State,
		"stream_ticket": ticket,
		"stream_url":    "/ws/generations",
	})
}

// lookupAccount is the read-through account fetch used on the generation
// hot path. Cache failures fall back to the repository.
func (api *API) lookupAccount(c *gin.Context, accountID string) (*models.Account, error) {
	ctx := c.Request.Context()

	if cached, err := api.cache.GetAccount(ctx, accountID); err == nil && cached != nil {
		return cached, nil
	}

	account, err := api.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := api.cache.SetAccount(ctx, account, 5*time.Minute); err != nil {
		api.log.WithAccountID(accountID).WithError(err).Debug("Failed to cache account")
	}
	return account, nil
}

func (api *API) getGeneration(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	jobID := c.Param("id")
	ctx := c.Request.Context()

	// Terminal jobs are immutable; serve them from cache when possible.
	if cached, err := api.cache.GetJob(ctx, jobID); err == nil && cached != nil && cached.AccountID == identity.AccountID {
		c.JSON(http.StatusOK, cached)
		return
	}

	job, err := api.orch.GetJob(ctx, identity.AccountID, jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if job.State.Terminal() {
		if err := api.cache.SetJob(ctx, job, 10*time.Minute); err != nil {
			api.log.WithJobID(job.ID).WithError(err).Debug("Failed to cache job")
		}
	}

	c.JSON(http.StatusOK, job)
}

func (api *API) listGenerations(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := api.repo.GetJobsByAccountID(c.Request.Context(), identity.AccountID, limit, offset)
	if err != nil {
		api.log.WithAccountID(identity.AccountID).WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

func (api *API) cancelGeneration(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	err := api.orch.Cancel(c.Request.Context(), identity.AccountID, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"state": models.JobStateCanceled})
	case errors.Is(err, models.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, models.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	default:
		api.log.WithJobID(c.Param("id")).WithError(err).Error("Failed to cancel job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
	}
}

func (api *API) getArtifact(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	job, err := api.orch.GetJob(c.Request.Context(), identity.AccountID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if job.ArtifactKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job has no artifact"})
		return
	}

	url, err := api.store.PresignedURL(c.Request.Context(), job.ArtifactKey)
	if err != nil {
		api.log.WithJobID(job.ID).WithError(err).Error("Failed to presign artifact URL")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch artifact"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":    url,
		"status": job.ArtifactStatus,
	})
}

func (api *API) getQuota(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	snap, err := api.ledger.Snapshot(c.Request.Context(), identity.AccountID, identity.Tier)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read quota"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"limit":     snap.Limit,
		"consumed":  snap.Consumed,
		"remaining": snap.Remaining(),
		"reset":     snap.Reset.UTC().Format(time.RFC3339),
	})
}

func (api *API) healthCheck(c *gin.Context) {
	if err := api.repo.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"active_jobs": api.orch.ActiveCount(),
	})
}
