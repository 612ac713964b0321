package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ktstudio/ktstudio/internal/app/tasks"
	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Daemon Client ──────────────────────────────────────────────────────────

// client is a thin resty wrapper over the daemon's HTTP API.
type client struct {
	http *resty.Client
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newClient(addr string) *client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(addr, "/")).
			SetTimeout(30 * time.Second).
			SetError(&apiError{}).
			SetHeader("Accept", "application/json"),
	}
}

// check turns transport failures and error bodies into Go errors.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("daemon unreachable (is 'ktstudio serve' running?): %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error.Message, resp.StatusCode())
	}
	return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode())
}

func (c *client) createTask(kind domain.TaskKind, owner domain.Owner, payload json.RawMessage) (*domain.Task, error) {
	var task domain.Task
	body := map[string]any{"kind": kind, "owner": owner}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	err := check(c.http.R().SetBody(body).SetResult(&task).Post("/api/tasks"))
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *client) getTask(id int64) (*domain.Task, error) {
	var task domain.Task
	if err := check(c.http.R().SetResult(&task).Get("/api/tasks/" + strconv.FormatInt(id, 10))); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *client) listTasks(query map[string]string) ([]domain.Task, error) {
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := check(c.http.R().SetQueryParams(query).SetResult(&out).Get("/api/tasks")); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *client) status(id int64) (*tasks.Status, error) {
	out := map[string]tasks.Status{}
	key := strconv.FormatInt(id, 10)
	if err := check(c.http.R().SetQueryParam("ids", key).SetResult(&out).Get("/api/tasks/status")); err != nil {
		return nil, err
	}
	st, ok := out[key]
	if !ok {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return &st, nil
}

func (c *client) cancel(id int64) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := check(c.http.R().SetResult(&out).Post("/api/tasks/" + strconv.FormatInt(id, 10) + "/cancel"))
	return out.Cancelled, err
}

func (c *client) stop() ([]int64, error) {
	var out struct {
		Stopped []int64 `json:"stopped"`
	}
	err := check(c.http.R().SetResult(&out).Post("/api/tasks/stop"))
	return out.Stopped, err
}

func (c *client) deleteTasks(query map[string]string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := check(c.http.R().SetQueryParams(query).SetResult(&out).Delete("/api/tasks"))
	return out.Deleted, err
}

func (c *client) startBatch(project int64, route string) error {
	return check(c.http.R().Post(fmt.Sprintf("/api/batch/%d/%s", project, route)))
}
