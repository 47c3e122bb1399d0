// Package api exposes the provisioning engine over HTTP: CRUD per segment
// kind, the status projection, lease listing, a WebSocket event stream and
// the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"piso.network/provisiond/internal/driver"
	"piso.network/provisiond/internal/engine"
	"piso.network/provisiond/internal/events"
	"piso.network/provisiond/internal/logging"
	"piso.network/provisiond/internal/metrics"
	"piso.network/provisiond/internal/model"
	"piso.network/provisiond/internal/status"
	"piso.network/provisiond/internal/store"
)

// Provisioner is the mutating surface of the engine.
type Provisioner interface {
	Apply(ctx context.Context, obj model.Object) (string, error)
	Destroy(ctx context.Context, kind model.Kind, key string) (string, error)
}

// StatusSource produces the read model.
type StatusSource interface {
	Project(ctx context.Context) (*status.Projection, error)
}

// LeaseSource lists active DHCP leases, optionally filtered by interface.
type LeaseSource interface {
	Leases(iface string) []driver.Lease
}

// Server is the HTTP API server.
type Server struct {
	prov   Provisioner
	stat   StatusSource
	leases LeaseSource
	lister engine.InterfaceLister
	store  *store.Store
	hub    *events.Hub
	log    *logging.Logger

	httpSrv *http.Server
}

func NewServer(prov Provisioner, stat StatusSource, leases LeaseSource,
	lister engine.InterfaceLister, st *store.Store, hub *events.Hub, log *logging.Logger) *Server {
	return &Server{
		prov:   prov,
		stat:   stat,
		leases: leases,
		lister: lister,
		store:  st,
		hub:    hub,
		log:    log.WithComponent("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/interfaces", s.handleListInterfaces)
	mux.HandleFunc("GET /v1/interfaces/{name}", s.handleGetInterface)

	mux.HandleFunc("GET /v1/wireless", s.handleListWireless)
	mux.HandleFunc("POST /v1/wireless", s.handleCreateWireless)
	mux.HandleFunc("DELETE /v1/wireless/{interface}", s.handleDeleteWireless)

	mux.HandleFunc("GET /v1/hotspots", s.handleListHotspots)
	mux.HandleFunc("POST /v1/hotspots", s.handleCreateHotspot)
	mux.HandleFunc("DELETE /v1/hotspots/{interface}", s.handleDeleteHotspot)

	mux.HandleFunc("GET /v1/vlans", s.handleListVlans)
	mux.HandleFunc("POST /v1/vlans", s.handleCreateVlan)
	mux.HandleFunc("DELETE /v1/vlans/{name}", s.handleDeleteVlan)

	mux.HandleFunc("GET /v1/bridges", s.handleListBridges)
	mux.HandleFunc("POST /v1/bridges", s.handleCreateBridge)
	mux.HandleFunc("DELETE /v1/bridges/{name}", s.handleDeleteBridge)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/leases", s.handleLeases)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// ErrorResponse is the standard API error body. Kind, Key, Step, Cause and
// Dependents are filled from the engine's typed errors so clients can react
// without parsing the message.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Kind       string   `json:"kind,omitempty"`
	Key        string   `json:"key,omitempty"`
	Step       string   `json:"step,omitempty"`
	Cause      string   `json:"cause,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
}

// WriteJSON sends a JSON response.
func WriteJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError sends a JSON error response.
func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, ErrorResponse{Error: message})
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		conflict *model.ConflictError
		notFound *model.InterfaceNotFoundError
		dep      *model.DependencyError
		drv      *model.DriverError
		rollback *model.RollbackError
		storeErr *model.StoreError
	)
	switch {
	case errors.As(err, &conflict):
		WriteJSON(w, http.StatusConflict, ErrorResponse{
			Error: conflict.Error(), Kind: string(conflict.Kind), Key: conflict.Key,
		})
	case errors.As(err, &dep):
		WriteJSON(w, http.StatusConflict, ErrorResponse{
			Error: dep.Error(), Kind: string(dep.Kind), Key: dep.Key,
			Dependents: dep.Dependents,
		})
	case errors.As(err, &notFound):
		WriteJSON(w, http.StatusNotFound, ErrorResponse{
			Error: notFound.Error(), Key: notFound.Name,
		})
	case errors.Is(err, model.ErrNotFound):
		WriteError(w, http.StatusNotFound, "object not found")
	case errors.As(err, &rollback):
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: rollback.Error(), Kind: string(rollback.Kind), Key: rollback.Key,
			Cause: errString(rollback.Cause),
		})
	case errors.As(err, &drv):
		WriteJSON(w, http.StatusBadGateway, ErrorResponse{
			Error: drv.Error(), Kind: string(drv.Kind), Key: drv.Key,
			Step: drv.Step, Cause: errString(drv.Cause),
		})
	case errors.As(err, &storeErr):
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: storeErr.Error(), Cause: errString(storeErr.Cause),
		})
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// applyResponse is returned by every successful create.
type applyResponse struct {
	Operation string       `json:"operation"`
	Object    model.Object `json:"object"`
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, obj model.Object) {
	opID, err := s.prov.Apply(r.Context(), obj)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, applyResponse{Operation: opID, Object: obj})
}

func (s *Server) destroy(w http.ResponseWriter, r *http.Request, kind model.Kind, key string) {
	opID, err := s.prov.Destroy(r.Context(), kind, key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"operation": opID})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := s.lister.List(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, ifaces)
}

func (s *Server) handleGetInterface(w http.ResponseWriter, r *http.Request) {
	iface, err := s.lister.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, iface)
}

func (s *Server) handleListWireless(w http.ResponseWriter, r *http.Request) {
	list, err := store.ListAs[model.WirelessConfig](s.store, model.KindWireless)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWireless(w http.ResponseWriter, r *http.Request) {
	var obj model.WirelessConfig
	if !decodeBody(w, r, &obj) {
		return
	}
	s.apply(w, r, obj)
}

func (s *Server) handleDeleteWireless(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, model.KindWireless, r.PathValue("interface"))
}

func (s *Server) handleListHotspots(w http.ResponseWriter, r *http.Request) {
	list, err := store.ListAs[model.HotspotInstance](s.store, model.KindHotspot)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateHotspot(w http.ResponseWriter, r *http.Request) {
	var obj model.HotspotInstance
	if !decodeBody(w, r, &obj) {
		return
	}
	s.apply(w, r, obj)
}

func (s *Server) handleDeleteHotspot(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, model.KindHotspot, r.PathValue("interface"))
}

func (s *Server) handleListVlans(w http.ResponseWriter, r *http.Request) {
	list, err := store.ListAs[model.VlanConfig](s.store, model.KindVlan)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateVlan(w http.ResponseWriter, r *http.Request) {
	var obj model.VlanConfig
	if !decodeBody(w, r, &obj) {
		return
	}
	// Name is always derived, never client-supplied.
	obj.Name = obj.DeriveName()
	s.apply(w, r, obj)
}

func (s *Server) handleDeleteVlan(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, model.KindVlan, r.PathValue("name"))
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	list, err := store.ListAs[model.BridgeConfig](s.store, model.KindBridge)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var obj model.BridgeConfig
	if !decodeBody(w, r, &obj) {
		return
	}
	s.apply(w, r, obj)
}

func (s *Server) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	s.destroy(w, r, model.KindBridge, r.PathValue("name"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	proj, err := s.stat.Project(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, proj)
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	leases := s.leases.Leases(r.URL.Query().Get("interface"))
	if leases == nil {
		leases = []driver.Lease{}
	}
	WriteJSON(w, http.StatusOK, leases)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
