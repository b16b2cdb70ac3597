// Package httpserver exposes the admin HTTP surface: flow-control rule
// management, trigger history and persistence health.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/infra/persistence/writebehind"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/health"

	rulesPath        = "/rules"
	ruleDetailPrefix = rulesPath + "/"

	triggersPath    = "/triggers"
	deadLettersPath = "/persistence/dead-letters"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// DeadLetterSource reports persistence tasks that ran out of retries.
type DeadLetterSource interface {
	DeadLetters() []writebehind.Failed
}

// Deps groups what the handlers read and write. Nil members disable the
// routes that need them.
type Deps struct {
	Environment string
	Step        string
	Rules       tradestore.RuleStore
	Triggers    tradestore.TriggerStore
	DeadLetters DeadLetterSource
	Partitions  int
}

type httpServer struct {
	deps    Deps
	started time.Time
}

type rulePayload struct {
	flowctrl.RuleDef
	Enabled *bool `json:"enabled,omitempty"`
}

type ruleView struct {
	flowctrl.RuleDef
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type triggerView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StatusCode int       `json:"statusCode"`
	StatusMsg  string    `json:"statusMsg"`
	Details    string    `json:"details"`
	Rule       string    `json:"rule,omitempty"`
	OrderID    uint64    `json:"orderId"`
	TriggerAt  time.Time `json:"triggerAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

type deadLetterView struct {
	TaskID  string    `json:"taskId"`
	Op      string    `json:"op"`
	OrderID uint64    `json:"orderId,omitempty"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// NewHandler creates the admin HTTP handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	if deps.Rules != nil {
		mux.Handle(rulesPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet:  server.listRules,
			http.MethodPost: server.createRule,
		}))
		mux.Handle(ruleDetailPrefix, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet:    server.getRule,
			http.MethodPut:    server.updateRule,
			http.MethodDelete: server.deleteRule,
		}))
	}

	if deps.Triggers != nil {
		mux.Handle(triggersPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listTriggers,
		}))
	}

	if deps.DeadLetters != nil {
		mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listDeadLetters,
		}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.deps.Environment,
		"partitions":  s.deps.Partitions,
		"uptime":      time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *httpServer) listRules(w http.ResponseWriter, r *http.Request) {
	step := strings.TrimSpace(r.URL.Query().Get("step"))
	if step == "" {
		step = s.deps.Step
	}
	rows, err := s.deps.Rules.ListRules(r.Context(), step)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]ruleView, 0, len(rows))
	for _, row := range rows {
		views = append(views, ruleView{RuleDef: row.RuleDef, Enabled: row.Enabled, UpdatedAt: row.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views})
}

func (s *httpServer) getRule(w http.ResponseWriter, r *http.Request) {
	no, ok := ruleNoFromPath(w, r)
	if !ok {
		return
	}
	row, found, err := s.findRule(r.Context(), no)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, ruleView{RuleDef: row.RuleDef, Enabled: row.Enabled, UpdatedAt: row.UpdatedAt})
}

func (s *httpServer) createRule(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeRulePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.No <= 0 {
		writeError(w, http.StatusBadRequest, "rule no must be positive")
		return
	}
	_, exists, err := s.findRule(r.Context(), payload.No)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("rule %d exists", payload.No))
		return
	}
	s.saveRule(w, r, payload, http.StatusCreated)
}

func (s *httpServer) updateRule(w http.ResponseWriter, r *http.Request) {
	no, ok := ruleNoFromPath(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeRulePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.No != 0 && payload.No != no {
		writeError(w, http.StatusBadRequest, "rule no in body does not match path")
		return
	}
	payload.No = no
	s.saveRule(w, r, payload, http.StatusOK)
}

func (s *httpServer) saveRule(w http.ResponseWriter, r *http.Request, payload rulePayload, status int) {
	def := payload.RuleDef
	if def.Step == "" {
		def.Step = s.deps.Step
	}
	if _, err := flowctrl.NewRule(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	if err := s.deps.Rules.UpsertRule(r.Context(), def, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, status, ruleView{RuleDef: def, Enabled: enabled, UpdatedAt: time.Now().UTC()})
}

func (s *httpServer) deleteRule(w http.ResponseWriter, r *http.Request) {
	no, ok := ruleNoFromPath(w, r)
	if !ok {
		return
	}
	_, found, err := s.findRule(r.Context(), no)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err := s.deps.Rules.DeleteRule(r.Context(), no); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "no": no})
}

// findRule scans every step, since rule numbers are unique table-wide.
func (s *httpServer) findRule(ctx context.Context, no int) (tradestore.RuleRow, bool, error) {
	rows, err := s.deps.Rules.ListRules(ctx, "")
	if err != nil {
		return tradestore.RuleRow{}, false, err
	}
	for _, row := range rows {
		if row.No == no {
			return row, true, nil
		}
	}
	return tradestore.RuleRow{}, false, nil
}

func (s *httpServer) listTriggers(w http.ResponseWriter, r *http.Request) {
	query, err := triggerQueryFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Triggers.ListTriggers(r.Context(), query)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]triggerView, 0, len(records))
	for _, rec := range records {
		views = append(views, triggerView{
			ID:         rec.ID,
			Name:       rec.Name,
			StatusCode: rec.StatusCode,
			StatusMsg:  rec.StatusMsg,
			Details:    rec.Details,
			Rule:       rec.Rule,
			OrderID:    rec.OrderID,
			TriggerAt:  rec.TriggerAt,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": views})
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, _ *http.Request) {
	failed := s.deps.DeadLetters.DeadLetters()
	views := make([]deadLetterView, 0, len(failed))
	for _, f := range failed {
		view := deadLetterView{TaskID: f.TaskID, Op: f.Op, OrderID: f.OrderID, At: f.At}
		if f.Err != nil {
			view.Error = f.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}

func triggerQueryFrom(r *http.Request) (tradestore.TriggerQuery, error) {
	values := r.URL.Query()
	query := tradestore.TriggerQuery{Name: strings.TrimSpace(values.Get("name"))}
	if raw := strings.TrimSpace(values.Get("orderId")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return query, fmt.Errorf("invalid orderId %q", raw)
		}
		query.OrderID = id
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, fmt.Errorf("invalid since %q: want RFC3339", raw)
		}
		query.Since = since
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return query, fmt.Errorf("invalid limit %q", raw)
		}
		query.Limit = limit
	}
	return query, nil
}

func ruleNoFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, ruleDetailPrefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "rule no required")
		return 0, false
	}
	no, err := strconv.Atoi(raw)
	if err != nil || no <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid rule no %q", raw))
		return 0, false
	}
	return no, true
}

func decodeRulePayload(r *http.Request) (rulePayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload rulePayload
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return payload, fmt.Errorf("read payload: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeStoreError reports a backend failure with the status its code maps to.
func writeStoreError(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
