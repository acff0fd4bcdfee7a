package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/internal/log"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// OperatorHeader carries the acting user when the body does not name one.
const OperatorHeader = "X-Operator"

// Handler serves the sync API on top of a WorkflowService.
type Handler struct {
	svc *service.WorkflowService
}

func NewHandler(svc *service.WorkflowService) *Handler {
	return &Handler{svc: svc}
}

// NewServer builds the echo instance with every route registered.
func NewServer(svc *service.WorkflowService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.GetLogger().WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency,
				"request_id": v.RequestID,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.GET("/health", HealthHandler)
	RegisterHandlers(e.Group("/api/v1"), NewHandler(svc))
	return e
}

// RegisterHandlers mounts the API routes on g.
func RegisterHandlers(g *echo.Group, h *Handler) {
	g.POST("/sql/analyze", h.analyzeSQL)
	g.GET("/lineage", h.lineage)

	g.GET("/workflows", h.listWorkflows)
	g.GET("/workflows/:id", h.getWorkflow)
	g.GET("/workflows/:id/publish/preview", h.previewPublish)
	g.POST("/workflows/:id/publish", h.publish)
	g.GET("/workflows/:id/publish-records", h.listPublishRecords)
	g.POST("/workflows/:id/publish-records/:recordId/approve", h.approvePublish)
	g.POST("/workflows/:id/publish-records/:recordId/reject", h.rejectPublish)
	g.GET("/workflows/:id/sync-records", h.listSyncRecords)
	g.GET("/workflows/:id/versions", h.listVersions)
	g.GET("/workflows/:id/versions/compare", h.compareVersions)
	g.POST("/workflows/:id/versions/:versionId/rollback", h.rollbackVersion)
	g.GET("/workflows/:id/instances", h.listInstances)
	g.GET("/workflows/:id/instances/:instanceId", h.getInstance)

	g.POST("/runtime-sync/preview", h.previewSync)
	g.POST("/runtime-sync/execute", h.executeSync)
	g.GET("/runtime/options", h.runtimeOptions)
}

// StartServer serves the API on port until the listener fails.
func StartServer(port string, svc *service.WorkflowService) error {
	e := NewServer(svc)
	log.GetLogger().Infof("Starting wfsync server on :%s", port)
	return e.Start(":" + port)
}

func HealthHandler(c echo.Context) error {
	return c.String(http.StatusOK, "wfsync server is running")
}

// outcomeStatus maps an outcome to 200, 409 (waiting for confirmation) or
// 422 (fatal).
func outcomeStatus(issues models.Issues) int {
	if len(issues.Fatal()) > 0 {
		return http.StatusUnprocessableEntity
	}
	if len(issues.Confirms()) > 0 {
		return http.StatusConflict
	}
	return http.StatusOK
}

func respond[T any](c echo.Context, out models.Outcome[T], err error) error {
	if err != nil {
		return err
	}
	if out.Issues == nil {
		out.Issues = models.Issues{}
	}
	return c.JSON(outcomeStatus(out.Issues), out)
}

type errorBody struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// errorHandler renders infrastructure failures: missing rows are 404, remote
// scheduler failures 502, local inconsistencies and the rest 500.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := errorBody{Message: err.Error(), RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}

	var httpErr *echo.HTTPError
	var apiErr *dolphin.APIError
	var inconsistent *service.InconsistencyError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			body.Message = msg
		}
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &inconsistent):
		body.Code = inconsistent.Code
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
		body.Code = strconv.Itoa(apiErr.Code)
	}
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to write error response: %v", err)
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func queryID(c echo.Context, name string) (*int64, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func operator(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Request().Header.Get(OperatorHeader)
}

type analyzeRequest struct {
	SQL      string `json:"sql"`
	NodeType string `json:"node_type"`
}

func (h *Handler) analyzeSQL(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.SQL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing 'sql'")
	}
	if req.NodeType == "" {
		req.NodeType = "SQL"
	}
	out, err := h.svc.AnalyzeSQL(c.Request().Context(), req.SQL, req.NodeType)
	return respond(c, out, err)
}

func (h *Handler) lineage(c echo.Context) error {
	center, err := queryID(c, "center")
	if err != nil {
		return err
	}
	depth, err := queryInt(c, "depth", -1)
	if err != nil {
		return err
	}
	graph, err := h.svc.LineageGraph(center, depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, graph)
}

func (h *Handler) listWorkflows(c echo.Context) error {
	workflows, err := h.svc.ListWorkflows()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

func (h *Handler) getWorkflow(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	wf, err := h.svc.GetWorkflow(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (h *Handler) previewPublish(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.PreviewPublish(c.Request().Context(), id)
	return respond(c, out, err)
}

func (h *Handler) publish(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req service.PublishRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.Operator = operator(c, req.Operator)
	out, err := h.svc.Publish(c.Request().Context(), id, req)
	return respond(c, out, err)
}

func (h *Handler) approvePublish(c echo.Context) error {
	return h.decidePublish(c, h.svc.ApprovePublish)
}

func (h *Handler) rejectPublish(c echo.Context) error {
	return h.decidePublish(c, h.svc.RejectPublish)
}

type publishDecision func(ctx context.Context, workflowID, recordID int64, req service.ApprovalRequest) (models.Outcome[service.PublishResult], error)

func (h *Handler) decidePublish(c echo.Context, decide publishDecision) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	recordID, err := pathID(c, "recordId")
	if err != nil {
		return err
	}
	var req service.ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.Approver = operator(c, req.Approver)
	out, err := decide(c.Request().Context(), id, recordID, req)
	return respond(c, out, err)
}

func (h *Handler) listPublishRecords(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.svc.ListPublishRecords(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) listSyncRecords(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.svc.ListSyncRecords(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) listVersions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	versions, err := h.svc.ListVersions(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) compareVersions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	left, err := queryID(c, "left")
	if err != nil {
		return err
	}
	right, err := queryID(c, "right")
	if err != nil {
		return err
	}
	if right == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing 'right'")
	}
	out, err := h.svc.CompareVersions(c.Request().Context(), id, left, *right)
	return respond(c, out, err)
}

type rollbackRequest struct {
	Operator string `json:"operator"`
}

func (h *Handler) rollbackVersion(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	versionID, err := pathID(c, "versionId")
	if err != nil {
		return err
	}
	var req rollbackRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	out, err := h.svc.RollbackVersion(c.Request().Context(), id, versionID, operator(c, req.Operator))
	return respond(c, out, err)
}

func (h *Handler) listInstances(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pageNo, err := queryInt(c, "page_no", 1)
	if err != nil {
		return err
	}
	pageSize, err := queryInt(c, "page_size", 20)
	if err != nil {
		return err
	}
	instances, err := h.svc.ListRuntimeInstances(c.Request().Context(), id, pageNo, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, instances)
}

func (h *Handler) getInstance(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	instanceID, err := pathID(c, "instanceId")
	if err != nil {
		return err
	}
	instance, err := h.svc.GetRuntimeInstance(c.Request().Context(), id, instanceID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, instance)
}

func (h *Handler) bindSync(c echo.Context) (service.SyncRequest, error) {
	var req service.SyncRequest
	if err := c.Bind(&req); err != nil {
		return req, err
	}
	req.Operator = operator(c, req.Operator)
	return req, nil
}

func (h *Handler) previewSync(c echo.Context) error {
	req, err := h.bindSync(c)
	if err != nil {
		return err
	}
	out, err := h.svc.PreviewSync(c.Request().Context(), req)
	return respond(c, out, err)
}

func (h *Handler) executeSync(c echo.Context) error {
	req, err := h.bindSync(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ExecuteSync(c.Request().Context(), req)
	return respond(c, out, err)
}

func (h *Handler) runtimeOptions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.RuntimeOptions(c.Request().Context()))
}
