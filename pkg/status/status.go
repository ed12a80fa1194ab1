// Package status serves the operator-facing HTTP API: relay lookups, health,
// per-chain stats and the Prometheus exposition endpoint. All read endpoints
// are side-effect free; the single write endpoint ingests attestations pushed
// by the aggregation service.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/orchestrator"
	"github.com/crossline/relayd/pkg/relayer"
	"github.com/crossline/relayd/pkg/tracker"
)

type statusServer struct {
	logger *zap.Logger
	orch   *orchestrator.Orchestrator
}

// NewServer builds the status HTTP server. The caller owns its lifecycle.
func NewServer(addr string, logger *zap.Logger, orch *orchestrator.Orchestrator) *http.Server {
	s := &statusServer{
		logger: logger.With(zap.String("component", "status")),
		orch:   orch,
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *statusServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/relay/{sourceDomain:[0-9]+}/{nonce:[0-9]+}", s.handleRelayByNonce).Methods("GET")
	r.HandleFunc("/relay/{messageHash}", s.handleRelay).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/chains", s.handleChains).Methods("GET")
	r.HandleFunc("/nonce/{destinationDomain:[0-9]+}/{sourceDomain:[0-9]+}/{nonce:[0-9]+}", s.handleNonce).Methods("GET")
	r.HandleFunc("/fee", s.handleFee).Methods("POST")
	r.HandleFunc("/attestation", s.handleIngest).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *statusServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *statusServer) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.HealthSummary(r.Context()))
}

// relayResponse is the shared shape of both relay lookup endpoints.
type relayResponse struct {
	Found bool                 `json:"found"`
	Relay *tracker.RelayStatus `json:"relay,omitempty"`
}

func (s *statusServer) handleRelay(w http.ResponseWriter, r *http.Request) {
	hash, err := message.HashFromHex(mux.Vars(r)["messageHash"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message hash")
		return
	}
	relay, found := s.orch.Tracker().Relay(hash)
	s.writeJSON(w, http.StatusOK, relayResponse{Found: found, Relay: relay})
}

func (s *statusServer) handleRelayByNonce(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain, err := strconv.ParseUint(vars["sourceDomain"], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid source domain")
		return
	}
	nonce, err := strconv.ParseUint(vars["nonce"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid nonce")
		return
	}
	relay, found := s.orch.Tracker().RelayByNonce(message.DomainID(domain), nonce)
	s.writeJSON(w, http.StatusOK, relayResponse{Found: found, Relay: relay})
}

type statsResponse struct {
	Relays tracker.Stats            `json:"relays"`
	Chains map[string]relayer.Stats `json:"chains"`
}

func (s *statusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Relays: s.orch.Tracker().Stats(),
		Chains: make(map[string]relayer.Stats),
	}
	for _, rl := range s.orch.Relayers() {
		resp.Chains[rl.Name()] = rl.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type chainInfo struct {
	Name      string           `json:"name"`
	Domain    message.DomainID `json:"domain"`
	Connected bool             `json:"connected"`
	Stats     relayer.Stats    `json:"stats"`
}

func (s *statusServer) handleChains(w http.ResponseWriter, r *http.Request) {
	chains := make([]chainInfo, 0, len(s.orch.Relayers()))
	for domain, rl := range s.orch.Relayers() {
		chains = append(chains, chainInfo{
			Name:      rl.Name(),
			Domain:    domain,
			Connected: rl.IsConnected(),
			Stats:     rl.Stats(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

// handleNonce reports whether a source-domain nonce is already consumed on
// the destination chain, read straight off destination state.
func (s *statusServer) handleNonce(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dst, err := strconv.ParseUint(vars["destinationDomain"], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid destination domain")
		return
	}
	src, err := strconv.ParseUint(vars["sourceDomain"], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid source domain")
		return
	}
	nonce, err := strconv.ParseUint(vars["nonce"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid nonce")
		return
	}

	rl, ok := s.orch.Relayers()[message.DomainID(dst)]
	if !ok {
		s.writeError(w, http.StatusNotFound, "no relayer for destination domain")
		return
	}
	used, err := rl.IsNonceUsed(r.Context(), message.DomainID(src), nonce)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"used": used})
}

// handleFee estimates the destination-chain cost of relaying the posted
// attestation, in the chain's base unit.
func (s *statusServer) handleFee(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := message.AttestationFromHex(req.MessageHash, req.Message, req.Signatures, req.ThresholdMet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decoded, err := message.Unmarshal(a.Message)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rl, ok := s.orch.Relayers()[decoded.DestinationDomain]
	if !ok {
		s.writeError(w, http.StatusNotFound, "no relayer for destination domain")
		return
	}
	fee, err := rl.EstimateFee(r.Context(), a)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"chain": rl.Name(),
		"fee":   fee.String(),
	})
}

// ingestRequest is the aggregation service's push payload. All byte fields
// are hex encoded.
type ingestRequest struct {
	MessageHash  string   `json:"messageHash"`
	Message      string   `json:"message"`
	Signatures   []string `json:"signatures"`
	ThresholdMet bool     `json:"thresholdMet"`
}

func (s *statusServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := message.AttestationFromHex(req.MessageHash, req.Message, req.Signatures, req.ThresholdMet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("attestation received",
		zap.Stringer("messageHash", a.MessageHash),
		zap.Int("signatures", a.SignatureCount))

	// Relaying is synchronous so the aggregator sees the first-attempt
	// outcome, but a gate skip is still HTTP 200: delivery is idempotent.
	result := s.orch.ProcessAttestation(r.Context(), a)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"accepted": result != nil,
		"result":   result,
	})
}
