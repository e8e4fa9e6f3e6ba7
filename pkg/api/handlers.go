package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
	"github.com/jakechorley/escort-dispatch/pkg/core/services"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
)

const defaultSuggestionLimit = 10

// Dispatcher defines the operations the HTTP surface exposes
type Dispatcher interface {
	Assign(ctx context.Context, cmd assignment.AssignCommand) (*assignment.AssignResult, error)
	Unassign(ctx context.Context, cmd assignment.UnassignCommand) (*assignment.AssignResult, error)
	IssueConfirmationLinks(ctx context.Context, assignmentID string) (tokens.Links, error)
	HandleConfirmationRequest(ctx context.Context, token, action string) (*services.ConfirmationResponse, error)
	IngestInboundMessage(ctx context.Context, fromAddress, body string) (*reconcile.Result, error)
	SuggestRiders(ctx context.Context, requestID string, limit int) ([]assignment.Suggestion, error)
	CancelRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error)
	CompleteRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error)
	DeleteRequest(ctx context.Context, cmd assignment.RequestCommand) error
}

type Handler struct {
	dispatcher Dispatcher
	validate   *validator.Validate
	logger     *zap.Logger
}

func NewHandler(dispatcher Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, validate: validator.New(), logger: logger}
}

// Register mounts every route on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/confirm", h.Confirm)
	r.POST("/inbound", h.Inbound)

	requests := r.Group("/requests/:id")
	requests.POST("/assignments", h.Assign)
	requests.DELETE("/assignments/:riderId", h.Unassign)
	requests.GET("/suggestions", h.Suggest)
	requests.POST("/cancel", h.Cancel)
	requests.POST("/complete", h.Complete)
	r.DELETE("/requests/:id", h.Delete)

	r.POST("/assignments/:id/links", h.IssueLinks)
}

func (h *Handler) Health(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

type confirmBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Outcome string `json:"outcome,omitempty"`
}

// Confirm redeems a confirmation link: GET /confirm?action=confirm&token=...
func (h *Handler) Confirm(c *gin.Context) {
	resp, err := h.dispatcher.HandleConfirmationRequest(c.Request.Context(), c.Query("token"), c.Query("action"))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	body := confirmBody{Code: string(resp.Code), Message: resp.Message}
	if resp.Result != nil {
		body.Outcome = string(resp.Result.Outcome)
	}
	writeJSON(c, resp.HTTPStatus, body)
}

type assignBody struct {
	RiderIDs          []string `json:"riderIds" validate:"required,dive,required"`
	OverrideConflicts bool     `json:"overrideConflicts"`
	Actor             string   `json:"actor"`
}

// Assign sets the full rider set of a request: POST /requests/:id/assignments
func (h *Handler) Assign(c *gin.Context) {
	var body assignBody
	if err := bindAndValidate(c, &body, h.validate); err != nil {
		return
	}
	res, err := h.dispatcher.Assign(c.Request.Context(), assignment.AssignCommand{
		RequestID:         c.Param("id"),
		RiderIDs:          body.RiderIDs,
		OverrideConflicts: body.OverrideConflicts,
		Actor:             body.Actor,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toAssignResponse(res))
}

func (h *Handler) Unassign(c *gin.Context) {
	res, err := h.dispatcher.Unassign(c.Request.Context(), assignment.UnassignCommand{
		RequestID: c.Param("id"),
		RiderID:   c.Param("riderId"),
		Actor:     c.Query("actor"),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toAssignResponse(res))
}

func (h *Handler) Suggest(c *gin.Context) {
	limit := defaultSuggestionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(c, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = n
	}

	suggestions, err := h.dispatcher.SuggestRiders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]suggestionView, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, suggestionView{RiderID: s.Rider.ID, Name: s.Rider.Name, WeekLoad: s.WeekLoad})
	}
	writeJSON(c, http.StatusOK, gin.H{"suggestions": out})
}

func (h *Handler) Cancel(c *gin.Context) {
	res, err := h.dispatcher.CancelRequest(c.Request.Context(), assignment.RequestCommand{RequestID: c.Param("id"), Actor: c.Query("actor")})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toLifecycleResponse(res))
}

func (h *Handler) Complete(c *gin.Context) {
	res, err := h.dispatcher.CompleteRequest(c.Request.Context(), assignment.RequestCommand{RequestID: c.Param("id"), Actor: c.Query("actor")})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toLifecycleResponse(res))
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.dispatcher.DeleteRequest(c.Request.Context(), assignment.RequestCommand{RequestID: c.Param("id"), Actor: c.Query("actor")}); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// IssueLinks sends a fresh confirm/decline pair: POST /assignments/:id/links
func (h *Handler) IssueLinks(c *gin.Context) {
	links, err := h.dispatcher.IssueConfirmationLinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, links)
}

type inboundBody struct {
	From string `json:"from" validate:"required"`
	Body string `json:"body" validate:"required"`
}

// Inbound reconciles a forwarded rider reply: POST /inbound
func (h *Handler) Inbound(c *gin.Context) {
	var body inboundBody
	if err := bindAndValidate(c, &body, h.validate); err != nil {
		return
	}
	res, err := h.dispatcher.IngestInboundMessage(c.Request.Context(), body.From, body.Body)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toReconcileResponse(res))
}
