package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codelane/maestro/pkg/services"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 5 << 20

// WebhookHandler ingests VCS host webhooks: push events link commits to
// tickets, pull_request events drive ticket completion on merge.
type WebhookHandler struct {
	secret  string
	commits *services.CommitService
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature verification (local development only).
func NewWebhookHandler(secret string, commits *services.CommitService) *WebhookHandler {
	return &WebhookHandler{secret: secret, commits: commits}
}

// VerifySignature checks the sha256=<hex_hmac> signature over the raw body
// using a constant-time comparison.
func VerifySignature(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix)))
}

type pushPayload struct {
	Ref     string `json:"ref"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Username string `json:"username"`
		} `json:"author"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

// Handle processes POST /api/v1/webhooks/github.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if h.secret != "" {
		signature := c.GetHeader("X-Hub-Signature-256")
		if !VerifySignature(h.secret, body, signature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	event := c.GetHeader("X-GitHub-Event")
	switch event {
	case "push":
		h.handlePush(c, body)
	case "pull_request":
		h.handlePullRequest(c, body)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event": event})
	}
}

func (h *WebhookHandler) handlePush(c *gin.Context, body []byte) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push payload"})
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	commits := make([]services.PushCommit, 0, len(payload.Commits))
	for _, pc := range payload.Commits {
		commits = append(commits, services.PushCommit{
			SHA:      pc.ID,
			Message:  pc.Message,
			AuthorID: pc.Author.Username,
		})
	}

	linked, err := h.commits.HandlePush(c.Request.Context(), branch, commits)
	if err != nil {
		slog.Error("Push webhook processing failed", "branch", branch, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "commits_linked": linked})
}

func (h *WebhookHandler) handlePullRequest(c *gin.Context, body []byte) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pull_request payload"})
		return
	}

	err := h.commits.HandlePullRequest(c.Request.Context(), services.PullRequestEvent{
		Action: payload.Action,
		Merged: payload.PullRequest.Merged,
		Number: payload.PullRequest.Number,
		Title:  payload.PullRequest.Title,
		Branch: payload.PullRequest.Head.Ref,
	})
	if err != nil {
		slog.Error("Pull request webhook processing failed",
			"action", payload.Action, "pr", payload.PullRequest.Number, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
