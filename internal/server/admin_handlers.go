package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dray-io/ttlmerge/internal/engine"
	"github.com/dray-io/ttlmerge/internal/expr"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// CreateTableRequest creates a table and its first rule set.
type CreateTableRequest struct {
	Table table.Definition `json:"table" validate:"required"`
	Rules ttl.RuleSet      `json:"rules"`
}

// DefineRulesResponse reports the version a rule set was stored under.
type DefineRulesResponse struct {
	Version ttl.Version `json:"version"`
}

// RowsRequest carries rows in column order. DateTime cells are Unix
// seconds or RFC 3339 strings.
type RowsRequest struct {
	Rows [][]json.RawMessage `json:"rows" validate:"required,min=1"`
}

// RowsResponse lists rows as plain JSON values.
type RowsResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// InsertResponse names the parts an insert created.
type InsertResponse struct {
	Parts []string `json:"parts"`
}

// OptimizeResponse is the body of a forced merge request.
type OptimizeResponse struct {
	RequestID string   `json:"requestId"`
	Seqs      []uint64 `json:"seqs"`
	Completed bool     `json:"completed"`
}

func (s *AdminServer) listTables(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"replica": s.engine.ID(), "tables": s.engine.Tables()})
}

func (s *AdminServer) createTable(c echo.Context) error {
	var req CreateTableRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.engine.CreateTable(c.Request().Context(), req.Table, req.Rules); err != nil {
		return err
	}
	return s.describe(c, http.StatusCreated, req.Table.Name)
}

func (s *AdminServer) attachTable(c echo.Context) error {
	name := c.Param("table")
	if err := s.engine.AttachTable(c.Request().Context(), name); err != nil {
		return err
	}
	return s.describe(c, http.StatusOK, name)
}

func (s *AdminServer) describeTable(c echo.Context) error {
	return s.describe(c, http.StatusOK, c.Param("table"))
}

func (s *AdminServer) describe(c echo.Context, code int, name string) error {
	def, err := s.engine.Definition(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(code, def)
}

func (s *AdminServer) tableStatus(c echo.Context) error {
	st, err := s.engine.Status(c.Request().Context(), c.Param("table"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *AdminServer) tableQueue(c echo.Context) error {
	entries, err := s.engine.Queue(c.Param("table"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *AdminServer) tableParts(c echo.Context) error {
	parts, err := s.engine.ActiveParts(c.Request().Context(), c.Param("table"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, parts)
}

func (s *AdminServer) readRows(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("table")
	def, err := s.engine.Definition(ctx, name)
	if err != nil {
		return err
	}
	rows, err := s.engine.Rows(ctx, name, c.QueryParam("partition"))
	if err != nil {
		return err
	}
	resp := RowsResponse{Rows: make([][]any, 0, len(rows))}
	for _, col := range def.Columns {
		resp.Columns = append(resp.Columns, col.Name)
	}
	for _, row := range rows {
		out := make([]any, len(row))
		for i, v := range row {
			out[i] = v.Native()
		}
		resp.Rows = append(resp.Rows, out)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *AdminServer) insertRows(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("table")
	var req RowsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	def, err := s.engine.Definition(ctx, name)
	if err != nil {
		return err
	}
	rows := make([]part.Row, 0, len(req.Rows))
	for i, cells := range req.Rows {
		row, err := decodeRow(def, cells)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("row %d: %v", i, err))
		}
		rows = append(rows, row)
	}
	names, err := s.engine.Insert(ctx, name, rows)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, InsertResponse{Parts: names})
}

func decodeRow(def *table.Definition, cells []json.RawMessage) (part.Row, error) {
	if len(cells) != len(def.Columns) {
		return nil, fmt.Errorf("%w: %d values for %d columns", part.ErrTypeMismatch, len(cells), len(def.Columns))
	}
	row := make(part.Row, len(cells))
	for i, raw := range cells {
		col := def.Columns[i]
		v, err := decodeCell(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func decodeCell(t part.Type, raw json.RawMessage) (part.Value, error) {
	switch t {
	case part.TypeInt64:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return part.Value{}, fmt.Errorf("%w: %v", part.ErrTypeMismatch, err)
		}
		return part.Int(n), nil
	case part.TypeFloat64:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return part.Value{}, fmt.Errorf("%w: %v", part.ErrTypeMismatch, err)
		}
		return part.Float(f), nil
	case part.TypeString:
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return part.Value{}, fmt.Errorf("%w: %v", part.ErrTypeMismatch, err)
		}
		return part.Str(str), nil
	case part.TypeDateTime:
		var secs int64
		if err := json.Unmarshal(raw, &secs); err == nil {
			return part.Value{Type: part.TypeDateTime, I: secs}, nil
		}
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err != nil {
			return part.Value{}, fmt.Errorf("%w: %v", part.ErrTypeMismatch, err)
		}
		return part.DateTime(ts), nil
	}
	return part.Value{}, fmt.Errorf("%w: unsupported column type %s", part.ErrTypeMismatch, t)
}

func (s *AdminServer) defineRules(c echo.Context) error {
	var rules ttl.RuleSet
	if err := bindAndValidate(c, &rules); err != nil {
		return err
	}
	v, err := s.engine.DefineTTLRules(c.Request().Context(), c.Param("table"), rules)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DefineRulesResponse{Version: v})
}

func (s *AdminServer) addColumn(c echo.Context) error {
	var col part.Column
	if err := bindAndValidate(c, &col); err != nil {
		return err
	}
	if col.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "column name is required")
	}
	name := c.Param("table")
	if err := s.engine.AddColumn(c.Request().Context(), name, col); err != nil {
		return err
	}
	return s.describe(c, http.StatusOK, name)
}

func (s *AdminServer) optimize(c echo.Context) error {
	var req engine.OptimizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.engine.ForceOptimize(c.Request().Context(), c.Param("table"), req)
	switch {
	case errors.Is(err, engine.ErrNotCompletedYet):
		return c.JSON(http.StatusAccepted, OptimizeResponse{RequestID: res.RequestID, Seqs: res.Seqs})
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, OptimizeResponse{RequestID: res.RequestID, Seqs: res.Seqs, Completed: true})
}

func (s *AdminServer) stopMerges(c echo.Context) error {
	return s.toggle(c, func(name string) error {
		s.engine.StopTTLMerges(name)
		return nil
	})
}

func (s *AdminServer) startMerges(c echo.Context) error {
	return s.toggle(c, func(name string) error {
		s.engine.StartTTLMerges(name)
		return nil
	})
}

func (s *AdminServer) stopFetches(c echo.Context) error {
	return s.toggle(c, s.engine.StopFetches)
}

func (s *AdminServer) startFetches(c echo.Context) error {
	return s.toggle(c, s.engine.StartFetches)
}

// toggle applies fn after checking the table is attached, then reports the
// resulting status.
func (s *AdminServer) toggle(c echo.Context, fn func(string) error) error {
	ctx := c.Request().Context()
	name := c.Param("table")
	if _, err := s.engine.Status(ctx, name); err != nil {
		return err
	}
	if err := fn(name); err != nil {
		return err
	}
	st, err := s.engine.Status(ctx, name)
	if err != nil {
		return err
	}
	logging.FromCtx(ctx).Infof("table toggled", map[string]any{
		"table":          name,
		"path":           c.Path(),
		"mergesStopped":  st.MergesStopped,
		"fetchesStopped": st.FetchesStopped,
	})
	return c.JSON(http.StatusOK, st)
}

func (s *AdminServer) syncReplica(c echo.Context) error {
	timeout := s.cfg.SyncTimeout
	if q := c.QueryParam("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "bad timeout "+q)
		}
		timeout = min(d, s.cfg.SyncTimeout)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()
	name := c.Param("table")
	if err := s.engine.SyncReplica(ctx, name); err != nil {
		return err
	}
	st, err := s.engine.Status(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// handleError maps domain errors onto status codes.
func (s *AdminServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	var defErr *ttl.DefinitionError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprint(he.Message)
	case errors.Is(err, engine.ErrUnknownTable), errors.Is(err, table.ErrTableNotFound):
		code = http.StatusNotFound
	case errors.Is(err, table.ErrTableExists), errors.Is(err, table.ErrColumnExists),
		errors.Is(err, engine.ErrNothingToOptimize):
		code = http.StatusConflict
	case errors.As(err, &defErr), errors.Is(err, table.ErrInvalidDefinition),
		errors.Is(err, part.ErrTypeMismatch), errors.Is(err, expr.ErrCompile), errors.Is(err, expr.ErrEval):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrClosed):
		code = http.StatusServiceUnavailable
	}

	resp := ErrorResponse{Error: msg}
	if rc, ok := c.(*reqContext); ok {
		resp.RequestID = rc.RequestID
	} else {
		resp.RequestID = logging.CorrelationIDFromCtx(c.Request().Context())
	}
	if code >= http.StatusInternalServerError {
		logging.FromCtx(c.Request().Context()).Errorf("admin request failed", map[string]any{
			"path":  c.Path(),
			"error": err.Error(),
		})
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, resp)
}
