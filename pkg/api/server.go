package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/marcbachmann/pg-auto-failover/pkg/events"
	"github.com/marcbachmann/pg-auto-failover/pkg/log"
	"github.com/marcbachmann/pg-auto-failover/pkg/metrics"
	"github.com/marcbachmann/pg-auto-failover/pkg/monitor"
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
	"github.com/rs/zerolog"
)

// Server exposes the monitor's agent-facing operations over HTTP/JSON.
type Server struct {
	monitor *monitor.Monitor
	broker  *events.Broker
	router  *mux.Router
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates the API server and wires up its routes.
func NewServer(m *monitor.Monitor, broker *events.Broker) *Server {
	s := &Server{
		monitor: m,
		broker:  broker,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/nodes", s.instrument("register_node", s.handleRegisterNode)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}", s.instrument("get_node_state", s.handleGetNode)).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.instrument("remove_node", s.handleRemoveNode)).Methods(http.MethodDelete)
	v1.HandleFunc("/nodes/{id}/active", s.instrument("node_active", s.handleNodeActive)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}/health", s.instrument("report_health", s.handleReportHealth)).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/candidate-priority", s.instrument("set_candidate_priority", s.handleSetCandidatePriority)).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/replication-quorum", s.instrument("set_replication_quorum", s.handleSetReplicationQuorum)).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/maintenance", s.instrument("start_maintenance", s.handleStartMaintenance)).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}/maintenance", s.instrument("stop_maintenance", s.handleStopMaintenance)).Methods(http.MethodDelete)
	v1.HandleFunc("/formations/{formation}/replication-settings", s.instrument("set_replication_settings", s.handleSetReplicationSettings)).Methods(http.MethodPut)
	v1.HandleFunc("/formations/{formation}/groups/{group}/nodes", s.instrument("get_nodes", s.handleGetNodes)).Methods(http.MethodGet)
	v1.HandleFunc("/formations/{formation}/groups/{group}/failover", s.instrument("perform_failover", s.handlePerformFailover)).Methods(http.MethodPost)
	v1.HandleFunc("/formations/{formation}/events", s.instrument("list_events", s.handleListEvents)).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleStreamEvents).Methods(http.MethodGet)
}

// Start begins serving on addr. It blocks until the listener fails or
// the server is stopped.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream stays open
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the router, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// instrument wraps a handler with request logging and duration metrics.
func (s *Server) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, operation)
		metrics.APIRequestsTotal.WithLabelValues(operation, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("operation", operation).
			Int("status", rec.status).
			Msg("Handled API request")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerNodeRequest struct {
	FormationID string `json:"formation_id"`
	NodeName    string `json:"node_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Kind        string `json:"kind"`
	GroupID     int    `json:"group_id"`
}

type registerNodeResponse struct {
	NodeID    int64                  `json:"node_id"`
	GroupID   int                    `json:"group_id"`
	GoalState types.ReplicationState `json:"assigned_goal_state"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	node, err := s.monitor.RegisterNode(monitor.RegisterNodeRequest{
		FormationID: req.FormationID,
		NodeName:    req.NodeName,
		Host:        req.Host,
		Port:        req.Port,
		Kind:        types.FormationKind(req.Kind),
		GroupID:     req.GroupID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerNodeResponse{
		NodeID:    node.ID,
		GroupID:   node.GroupID,
		GoalState: node.GoalState,
	})
}

type nodeActiveRequest struct {
	ReportedState string `json:"reported_state"`
	ReportedLSN   uint64 `json:"reported_lsn"`
	PgIsRunning   bool   `json:"pg_is_running"`
	SyncState     string `json:"sync_state"`
}

type nodeActiveResponse struct {
	GoalState         types.ReplicationState `json:"goal_state"`
	CandidatePriority int                    `json:"candidate_priority"`
	ReplicationQuorum bool                   `json:"replication_quorum"`
}

func (s *Server) handleNodeActive(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req nodeActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	resp, err := s.monitor.NodeActive(monitor.NodeActiveRequest{
		NodeID:        nodeID,
		ReportedState: types.ReplicationState(req.ReportedState),
		ReportedLSN:   req.ReportedLSN,
		PgIsRunning:   req.PgIsRunning,
		SyncState:     types.SyncState(req.SyncState),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nodeActiveResponse{
		GoalState:         resp.GoalState,
		CandidatePriority: resp.CandidatePriority,
		ReplicationQuorum: resp.ReplicationQuorum,
	})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	node, err := s.monitor.GetNodeState(nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.monitor.RemoveNode(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleReportHealth(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Health string `json:"health"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	if err := s.monitor.ReportHealthCheck(nodeID, types.NodeHealth(req.Health)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetCandidatePriority(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		CandidatePriority int `json:"candidate_priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	if err := s.monitor.SetNodeCandidatePriority(nodeID, req.CandidatePriority); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetReplicationQuorum(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ReplicationQuorum bool `json:"replication_quorum"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	if err := s.monitor.SetNodeReplicationQuorum(nodeID, req.ReplicationQuorum); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.monitor.StartMaintenance(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopMaintenance(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathNodeID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.monitor.StopMaintenance(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetReplicationSettings(w http.ResponseWriter, r *http.Request) {
	formationID := mux.Vars(r)["formation"]

	var req struct {
		NumberSyncStandbys int `json:"number_sync_standbys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", types.ErrBadRequest))
		return
	}

	if err := s.monitor.SetReplicationSettings(formationID, req.NumberSyncStandbys); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	formationID, groupID, err := pathGroup(r)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes, err := s.monitor.GetNodes(formationID, groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handlePerformFailover(w http.ResponseWriter, r *http.Request) {
	formationID, groupID, err := pathGroup(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.monitor.PerformFailover(formationID, groupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failover started"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	formationID := mux.Vars(r)["formation"]
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, fmt.Errorf("invalid limit %q: %w", raw, types.ErrBadRequest))
			return
		}
		limit = parsed
	}

	eventRows, err := s.monitor.ListEvents(formationID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventRows)
}

// handleStreamEvents streams the notification channels as server-sent
// events. Dropped messages are harmless; subscribers re-read the
// catalog to recover state.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported: %w", types.ErrBadRequest))
		return
	}

	channels := r.URL.Query()["channel"]
	sub := s.broker.Subscribe(channels...)
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Channel, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// --- helpers ---

func pathNodeID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	nodeID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", raw, types.ErrBadRequest)
	}
	return nodeID, nil
}

func pathGroup(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	groupID, err := strconv.Atoi(vars["group"])
	if err != nil {
		return "", 0, fmt.Errorf("invalid group id %q: %w", vars["group"], types.ErrBadRequest)
	}
	return vars["formation"], groupID, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps the monitor's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, types.ErrBadRequest):
		status = http.StatusBadRequest
		code = "bad_request"
	case errors.Is(err, types.ErrInvalidState):
		status = http.StatusUnprocessableEntity
		code = "invalid_state"
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
