// Package dolphin is an HTTP client for the DolphinScheduler open API.
package dolphin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every remote call unless Config.Timeout overrides it.
const DefaultTimeout = 10 * time.Second

const listPageSize = 100

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

// Client talks to one scheduler with one access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logrus.FieldLogger
}

func NewClient(cfg Config, log logrus.FieldLogger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("scheduler url is not configured")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse scheduler url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log.WithField("component", "dolphin"),
	}, nil
}

// do executes a request and unwraps the {code, msg, data} envelope. Bodies
// without an envelope are returned whole.
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("token", c.token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
	}).Debug("scheduler call")

	if resp.StatusCode >= http.StatusBadRequest {
		return gjson.Result{}, &APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw)), Path: path}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &APIError{Code: -1, Message: "invalid JSON response", Path: path}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() || !root.Get("code").Exists() || !(root.Get("msg").Exists() || root.Get("data").Exists()) {
		return root, nil
	}
	if code := root.Get("code").Int(); code != 0 {
		msg := root.Get("msg").String()
		if msg == "" {
			msg = "Unknown error"
		}
		return gjson.Result{}, &APIError{Code: int(code), Message: msg, Path: path}
	}
	return root.Get("data"), nil
}

func projectPath(projectCode int64, parts ...string) string {
	return "/projects/" + strconv.FormatInt(projectCode, 10) + strings.Join(parts, "")
}

// ResolveProjectCode looks a project up by exact name.
func (c *Client) ResolveProjectCode(ctx context.Context, name string) (int64, error) {
	q := url.Values{"searchVal": {name}, "pageNo": {"1"}, "pageSize": {strconv.Itoa(listPageSize)}}
	data, err := c.do(ctx, http.MethodGet, "/projects", q, nil)
	if err != nil {
		return 0, err
	}
	for _, p := range pageItems(data) {
		if p.Get("name").String() == name {
			return p.Get("code").Int(), nil
		}
	}
	return 0, fmt.Errorf("project %q not found", name)
}

// CreateOrUpdateDefinition creates the definition when req.WorkflowCode is 0,
// otherwise takes it offline and updates it in place. It returns the code.
func (c *Client) CreateOrUpdateDefinition(ctx context.Context, req DefinitionRequest) (int64, error) {
	form, err := DefinitionForm(req)
	if err != nil {
		return 0, fmt.Errorf("build definition payload: %w", err)
	}
	if req.WorkflowCode > 0 {
		form.Set("releaseState", "OFFLINE")
		path := projectPath(req.ProjectCode, "/process-definition/", strconv.FormatInt(req.WorkflowCode, 10))
		if _, err := c.do(ctx, http.MethodPut, path, nil, form); err != nil {
			return 0, err
		}
		return req.WorkflowCode, nil
	}
	data, err := c.do(ctx, http.MethodPost, projectPath(req.ProjectCode, "/process-definition"), nil, form)
	if err != nil {
		return 0, err
	}
	code := data.Get("code").Int()
	if code <= 0 {
		return 0, &APIError{Code: -1, Message: "create definition returned no code", Path: projectPath(req.ProjectCode, "/process-definition")}
	}
	return code, nil
}

// GenerateTaskCodes asks the scheduler for n fresh task codes.
func (c *Client) GenerateTaskCodes(ctx context.Context, projectCode int64, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	q := url.Values{"genNum": {strconv.Itoa(n)}}
	path := projectPath(projectCode, "/task-definition/gen-task-codes")
	data, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	codes := make([]int64, 0, n)
	for _, v := range data.Array() {
		codes = append(codes, v.Int())
	}
	if len(codes) != n {
		return nil, &APIError{Code: -1, Message: fmt.Sprintf("expected %d task codes, got %d", n, len(codes)), Path: path}
	}
	return codes, nil
}

// Release moves a definition ONLINE or OFFLINE.
func (c *Client) Release(ctx context.Context, projectCode, workflowCode int64, state string) error {
	form := url.Values{"name": {""}, "releaseState": {state}}
	path := projectPath(projectCode, "/process-definition/", strconv.FormatInt(workflowCode, 10), "/release")
	_, err := c.do(ctx, http.MethodPost, path, nil, form)
	return err
}

// ExportDefinitionByCode returns the raw export of one definition.
func (c *Client) ExportDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error) {
	form := url.Values{"codes": {strconv.FormatInt(workflowCode, 10)}}
	data, err := c.do(ctx, http.MethodPost, projectPath(projectCode, "/process-definition/batch-export"), nil, form)
	if err != nil {
		return nil, err
	}
	if !data.Exists() || (data.IsArray() && len(data.Array()) == 0) {
		return nil, ErrWorkflowNotFound
	}
	return []byte(data.Raw), nil
}

// GetDefinitionByCode returns the definition detail in the pre-export shape.
func (c *Client) GetDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error) {
	path := projectPath(projectCode, "/process-definition/", strconv.FormatInt(workflowCode, 10))
	data, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if !data.Exists() || data.Type == gjson.Null {
		return nil, ErrWorkflowNotFound
	}
	return []byte(data.Raw), nil
}

// GetSchedule returns the schedule bound to a definition, nil when none.
func (c *Client) GetSchedule(ctx context.Context, projectCode, workflowCode int64) (*models.RuntimeSchedule, error) {
	q := url.Values{
		"processDefinitionCode": {strconv.FormatInt(workflowCode, 10)},
		"pageNo":                {"1"},
		"pageSize":              {"10"},
	}
	data, err := c.do(ctx, http.MethodGet, projectPath(projectCode, "/schedules"), q, nil)
	if err != nil {
		return nil, err
	}
	items := pageItems(data)
	if len(items) == 0 {
		return nil, nil
	}
	s := items[0]
	return &models.RuntimeSchedule{
		ScheduleID:              s.Get("id").Int(),
		ReleaseState:            s.Get("releaseState").String(),
		Crontab:                 s.Get("crontab").String(),
		TimezoneID:              s.Get("timezoneId").String(),
		StartTime:               s.Get("startTime").String(),
		EndTime:                 s.Get("endTime").String(),
		FailureStrategy:         s.Get("failureStrategy").String(),
		WarningType:             s.Get("warningType").String(),
		WarningGroupID:          s.Get("warningGroupId").Int(),
		ProcessInstancePriority: s.Get("processInstancePriority").String(),
		WorkerGroup:             s.Get("workerGroup").String(),
		TenantCode:              s.Get("tenantCode").String(),
		EnvironmentCode:         s.Get("environmentCode").Int(),
	}, nil
}

func scheduleForm(req ScheduleRequest) (url.Values, error) {
	timer, err := scheduleJSON(req.RuntimeSchedule)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"processDefinitionCode":   {strconv.FormatInt(req.WorkflowCode, 10)},
		"schedule":                {timer},
		"failureStrategy":         {orDefault(req.FailureStrategy, "CONTINUE")},
		"warningType":             {orDefault(req.WarningType, "NONE")},
		"warningGroupId":          {strconv.FormatInt(req.WarningGroupID, 10)},
		"processInstancePriority": {orDefault(req.ProcessInstancePriority, models.DefaultTaskPriority)},
		"workerGroup":             {orDefault(req.WorkerGroup, "default")},
		"tenantCode":              {orDefault(req.TenantCode, "default")},
		"environmentCode":         {strconv.FormatInt(req.EnvironmentCode, 10)},
	}
	return form, nil
}

// CreateSchedule creates a timer and returns its id.
func (c *Client) CreateSchedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	form, err := scheduleForm(req)
	if err != nil {
		return 0, err
	}
	data, err := c.do(ctx, http.MethodPost, projectPath(req.ProjectCode, "/schedules"), nil, form)
	if err != nil {
		return 0, err
	}
	return data.Get("id").Int(), nil
}

// UpdateSchedule rewrites the timer identified by req.ScheduleID.
func (c *Client) UpdateSchedule(ctx context.Context, req ScheduleRequest) error {
	form, err := scheduleForm(req)
	if err != nil {
		return err
	}
	path := projectPath(req.ProjectCode, "/schedules/", strconv.FormatInt(req.ScheduleID, 10))
	_, err = c.do(ctx, http.MethodPut, path, nil, form)
	return err
}

func (c *Client) OnlineSchedule(ctx context.Context, projectCode, scheduleID int64) error {
	path := projectPath(projectCode, "/schedules/", strconv.FormatInt(scheduleID, 10), "/online")
	_, err := c.do(ctx, http.MethodPost, path, nil, url.Values{})
	return err
}

func (c *Client) OfflineSchedule(ctx context.Context, projectCode, scheduleID int64) error {
	path := projectPath(projectCode, "/schedules/", strconv.FormatInt(scheduleID, 10), "/offline")
	_, err := c.do(ctx, http.MethodPost, path, nil, url.Values{})
	return err
}

// ListInstances lists process instances, newest first. Failures degrade to
// an empty list.
func (c *Client) ListInstances(ctx context.Context, projectCode int64, q InstanceQuery) []ProcessInstance {
	pageNo, pageSize := q.PageNo, q.PageSize
	if pageNo <= 0 {
		pageNo = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	params := url.Values{"pageNo": {strconv.Itoa(pageNo)}, "pageSize": {strconv.Itoa(pageSize)}}
	if q.WorkflowCode > 0 {
		params.Set("processDefineCode", strconv.FormatInt(q.WorkflowCode, 10))
	}
	data, err := c.do(ctx, http.MethodGet, projectPath(projectCode, "/process-instances"), params, nil)
	if err != nil {
		c.log.Warnf("Failed to list process instances: %v", err)
		return []ProcessInstance{}
	}
	out := []ProcessInstance{}
	for _, item := range pageItems(data) {
		out = append(out, instanceFrom(item))
	}
	return out
}

// GetInstance returns one process instance.
func (c *Client) GetInstance(ctx context.Context, projectCode, instanceID int64) (ProcessInstance, error) {
	path := projectPath(projectCode, "/process-instances/", strconv.FormatInt(instanceID, 10))
	data, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return ProcessInstance{}, err
	}
	return instanceFrom(data), nil
}

func instanceFrom(r gjson.Result) ProcessInstance {
	return ProcessInstance{
		ID:                    r.Get("id").Int(),
		Name:                  r.Get("name").String(),
		ProcessDefinitionCode: r.Get("processDefinitionCode").Int(),
		State:                 r.Get("state").String(),
		StartTime:             r.Get("startTime").String(),
		EndTime:               r.Get("endTime").String(),
		Host:                  r.Get("host").String(),
		RunTimes:              int(r.Get("runTimes").Int()),
	}
}

// ListDatasources degrades to an empty list on failure.
func (c *Client) ListDatasources(ctx context.Context) []Datasource {
	data, err := c.do(ctx, http.MethodGet, "/datasources", firstPage(), nil)
	if err != nil {
		c.log.Warnf("Failed to list datasources: %v", err)
		return []Datasource{}
	}
	out := []Datasource{}
	for _, item := range pageItems(data) {
		name := strings.TrimSpace(item.Get("name").String())
		if name == "" {
			continue
		}
		out = append(out, Datasource{ID: item.Get("id").Int(), Name: name, Type: item.Get("type").String()})
	}
	return out
}

// ListTaskGroups degrades to an empty list on failure.
func (c *Client) ListTaskGroups(ctx context.Context) []TaskGroup {
	data, err := c.do(ctx, http.MethodGet, "/task-group/list-paging", firstPage(), nil)
	if err != nil {
		c.log.Warnf("Failed to list task groups: %v", err)
		return []TaskGroup{}
	}
	out := []TaskGroup{}
	for _, item := range pageItems(data) {
		out = append(out, TaskGroup{ID: item.Get("id").Int(), Name: item.Get("name").String()})
	}
	return out
}

// ListWorkerGroups degrades to an empty list on failure.
func (c *Client) ListWorkerGroups(ctx context.Context) []string {
	data, err := c.do(ctx, http.MethodGet, "/worker-groups/all", nil, nil)
	if err != nil {
		c.log.Warnf("Failed to list worker groups: %v", err)
		return []string{}
	}
	out := []string{}
	data.ForEach(func(_, item gjson.Result) bool {
		name := item.String()
		if item.IsObject() {
			name = item.Get("name").String()
		}
		if name != "" {
			out = append(out, name)
		}
		return true
	})
	return out
}

// ListTenants degrades to an empty list on failure.
func (c *Client) ListTenants(ctx context.Context) []Tenant {
	data, err := c.do(ctx, http.MethodGet, "/tenants/list", nil, nil)
	if err != nil {
		c.log.Warnf("Failed to list tenants: %v", err)
		return []Tenant{}
	}
	out := []Tenant{}
	data.ForEach(func(_, item gjson.Result) bool {
		out = append(out, Tenant{ID: item.Get("id").Int(), Code: item.Get("tenantCode").String()})
		return true
	})
	return out
}

// ListEnvironments degrades to an empty list on failure.
func (c *Client) ListEnvironments(ctx context.Context) []Environment {
	data, err := c.do(ctx, http.MethodGet, "/environment/query-environment-list", nil, nil)
	if err != nil {
		c.log.Warnf("Failed to list environments: %v", err)
		return []Environment{}
	}
	out := []Environment{}
	data.ForEach(func(_, item gjson.Result) bool {
		out = append(out, Environment{Code: item.Get("code").Int(), Name: item.Get("name").String()})
		return true
	})
	return out
}

func firstPage() url.Values {
	return url.Values{"pageNo": {"1"}, "pageSize": {strconv.Itoa(listPageSize)}}
}

// pageItems reads a paged result ({totalList: [...]}) or a bare array.
func pageItems(data gjson.Result) []gjson.Result {
	if data.IsArray() {
		return data.Array()
	}
	for _, key := range []string{"totalList", "records", "list"} {
		if v := data.Get(key); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
