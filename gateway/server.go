package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"agentmarket/core/errors"
	"agentmarket/core/types"
	"agentmarket/native/auction"
	"agentmarket/native/escrow"
	"agentmarket/native/party"
	"agentmarket/native/settlement"
)

// Options wires the server to its collaborators.
type Options struct {
	Escrows     *escrow.Engine
	Auctions    *auction.Engine
	Coordinator *settlement.Coordinator
	Auth        *Authenticator
	RateLimit   RateLimit
	Logger      *slog.Logger
	Namespace   string
}

// Server exposes the escrow, auction and settlement operations over HTTP.
// Mutating routes require an authenticated, signed request; reads and health
// probes do not.
type Server struct {
	escrows     *escrow.Engine
	auctions    *auction.Engine
	coordinator *settlement.Coordinator
	auth        *Authenticator
	obs         *Observability
	logger      *slog.Logger
	router      chi.Router
}

// NewServer assembles the router.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		escrows:     opts.Escrows,
		auctions:    opts.Auctions,
		coordinator: opts.Coordinator,
		auth:        opts.Auth,
		obs:         NewObservability(opts.Namespace, logger),
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(s.obs.Middleware)
	r.Use(NewRateLimiter(opts.RateLimit).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/escrows/{id}", s.handleEscrowGet)
		r.Get("/disputes/{id}", s.handleDisputeGet)
		r.Get("/auctions", s.handleAuctionSearch)
		r.Get("/auctions/trending", s.handleAuctionTrending)
		r.Get("/auctions/ending-soon", s.handleAuctionEndingSoon)
		r.Get("/auctions/{id}", s.handleAuctionGet)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/escrows", s.handleEscrowCreate)
			r.Post("/escrows/{id}/fund", s.handleEscrowFund)
			r.Post("/escrows/{id}/deliver", s.handleEscrowDeliver)
			r.Post("/escrows/{id}/release", s.handleEscrowRelease)
			r.Post("/escrows/{id}/cancel", s.handleEscrowCancel)
			r.Post("/escrows/{id}/expire", s.handleEscrowExpire)
			r.Post("/escrows/{id}/dispute", s.handleEscrowDispute)
			r.Post("/escrows/{id}/evidence", s.handleEscrowEvidence)
			r.Post("/escrows/{id}/dispute/advance", s.handleDisputeAdvance)
			r.Post("/escrows/{id}/resolve", s.handleEscrowResolve)

			r.Post("/auctions", s.handleAuctionCreate)
			r.Post("/auctions/{id}/bids", s.handleAuctionBid)
			r.Post("/auctions/{id}/buy-now", s.handleAuctionBuyNow)
			r.Post("/auctions/{id}/end", s.handleAuctionEnd)
			r.Post("/auctions/{id}/cancel", s.handleAuctionCancel)

			r.Post("/settlements/work-order", s.handleSettleWorkOrder)
			r.Post("/settlements/auction", s.handleSettleAuction)
		})
	})
	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

type ctxBodyKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if s.auth != nil {
			if _, err := s.auth.Authenticate(r, body); err != nil {
				s.logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		r = r.WithContext(withBody(r, body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- escrow handlers ---

type escrowCreateRequest struct {
	Depositor   string `json:"depositor"`
	Beneficiary string `json:"beneficiary"`
	Arbitrator  string `json:"arbitrator,omitempty"`
	Token       string `json:"token"`
	Amount      uint64 `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Nonce       string `json:"nonce"`

	TimelockUntil      int64  `json:"timelockUntil,omitempty"`
	AutoReleaseAt      int64  `json:"autoReleaseAt,omitempty"`
	RequiredSignatures uint32 `json:"requiredSignatures,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	var req escrowCreateRequest
	if !decode(w, r, &req) {
		return
	}
	depositor, err := types.ParseAddress(req.Depositor)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	beneficiary, err := types.ParseAddress(req.Beneficiary)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var arbitrator *types.Address
	if strings.TrimSpace(req.Arbitrator) != "" {
		parsed, err := types.ParseAddress(req.Arbitrator)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		arbitrator = &parsed
	}
	nonce, err := types.ParseHash(req.Nonce)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conditions := escrow.ReleaseConditions{
		TimelockUntil:      req.TimelockUntil,
		AutoReleaseAt:      req.AutoReleaseAt,
		RequiredSignatures: req.RequiredSignatures,
	}
	esc, err := s.escrows.Create(depositor, beneficiary, req.Token, req.Amount, req.Deadline, conditions, arbitrator, nonce)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

type signerRequest struct {
	Signer string `json:"signer"`
}

func (s *Server) signer(w http.ResponseWriter, r *http.Request) (types.Address, bool) {
	var req signerRequest
	if !decode(w, r, &req) {
		return types.Address{}, false
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return types.Address{}, false
	}
	return signer, true
}

func pathID(w http.ResponseWriter, r *http.Request) (types.Hash, bool) {
	id, err := types.ParseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return types.Hash{}, false
	}
	return id, true
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	if err := s.escrows.Fund(id, signer); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

func (s *Server) handleEscrowDeliver(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signer string `json:"signer"`
		Proof  string `json:"proof"`
	}
	if !decode(w, r, &req) {
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.escrows.SubmitDelivery(id, signer, req.Proof); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type splitRequest struct {
	To     string `json:"to"`
	Role   string `json:"role"`
	Amount uint64 `json:"amount"`
}

func parseSplits(reqs []splitRequest) ([]escrow.Split, error) {
	splits := make([]escrow.Split, 0, len(reqs))
	for _, item := range reqs {
		to, err := types.ParseAddress(item.To)
		if err != nil {
			return nil, err
		}
		role, err := parseRole(item.Role)
		if err != nil {
			return nil, err
		}
		splits = append(splits, escrow.Split{To: to, Role: role, Amount: item.Amount})
	}
	return splits, nil
}

func parseRole(s string) (party.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "depositor":
		return party.RoleDepositor, nil
	case "beneficiary", "agent":
		return party.RoleBeneficiary, nil
	case "arbitrator":
		return party.RoleArbitrator, nil
	case "referrer":
		return party.RoleReferrer, nil
	case "platform":
		return party.RolePlatform, nil
	default:
		return 0, errors.Validationf("gateway", "unknown role %q", s)
	}
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signer       string         `json:"signer"`
		Distribution []splitRequest `json:"distribution"`
	}
	if !decode(w, r, &req) {
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	distribution, err := parseSplits(req.Distribution)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	instructions, err := s.escrows.Release(id, signer, distribution)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instructions": instructions})
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	instructions, err := s.escrows.Cancel(id, signer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instructions": instructions})
}

func (s *Server) handleEscrowExpire(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Now int64 `json:"now"`
	}
	if !decode(w, r, &req) {
		return
	}
	instructions, err := s.escrows.Expire(id, req.Now)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instructions": instructions})
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signer   string `json:"signer"`
		Type     string `json:"type"`
		Evidence string `json:"evidence,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	dtype, err := escrow.ParseDisputeType(req.Type)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	dispute, err := s.escrows.RaiseDispute(id, signer, dtype, req.Evidence)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

func (s *Server) handleEscrowEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signer   string `json:"signer"`
		Evidence string `json:"evidence"`
	}
	if !decode(w, r, &req) {
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.escrows.SubmitEvidence(id, signer, req.Evidence); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleDisputeAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	dispute, err := s.escrows.AdvanceDisputePhase(id, signer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Signer       string         `json:"signer"`
		Outcome      string         `json:"outcome"`
		Distribution []splitRequest `json:"distribution,omitempty"`
		Notes        string         `json:"notes,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := escrow.ParseResolutionOutcome(req.Outcome)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	distribution, err := parseSplits(req.Distribution)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	instructions, err := s.escrows.ResolveDispute(id, signer, escrow.Resolution{
		Outcome:      outcome,
		Distribution: distribution,
		Notes:        req.Notes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instructions": instructions})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	esc, err := s.escrows.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dispute, err := s.escrows.GetDispute(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// --- auction handlers ---

type auctionCreateRequest struct {
	Seller string         `json:"seller"`
	Nonce  string         `json:"nonce"`
	Config auction.Config `json:"config"`
}

func (s *Server) handleAuctionCreate(w http.ResponseWriter, r *http.Request) {
	var req auctionCreateRequest
	if !decode(w, r, &req) {
		return
	}
	seller, err := types.ParseAddress(req.Seller)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := types.ParseHash(req.Nonce)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.auctions.Create(seller, req.Config, nonce)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAuctionBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Bidder string `json:"bidder"`
		Amount uint64 `json:"amount"`
		MaxBid uint64 `json:"maxBid,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	bidder, err := types.ParseAddress(req.Bidder)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.auctions.PlaceBid(id, bidder, req.Amount, req.MaxBid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuctionBuyNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Buyer string `json:"buyer"`
	}
	if !decode(w, r, &req) {
		return
	}
	buyer, err := types.ParseAddress(req.Buyer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.auctions.BuyNow(id, buyer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuctionEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	result, err := s.auctions.EndAuction(id, signer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuctionCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	signer, ok := s.signer(w, r)
	if !ok {
		return
	}
	if err := s.auctions.Cancel(id, signer); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAuctionGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.auctions.GetAuction(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAuctionSearch(w http.ResponseWriter, r *http.Request) {
	query := auction.SearchQuery{}
	if seller := r.URL.Query().Get("seller"); seller != "" {
		parsed, err := types.ParseAddress(seller)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Seller = parsed
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		parsed, err := auction.ParseType(typ)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Type = parsed
	}
	if token := r.URL.Query().Get("token"); token != "" {
		query.Token = token
	}
	limit := queryLimit(r)
	results, err := s.auctions.SearchAuctions(query, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": results})
}

func (s *Server) handleAuctionTrending(w http.ResponseWriter, r *http.Request) {
	results, err := s.auctions.TrendingAuctions(queryLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": results})
}

func (s *Server) handleAuctionEndingSoon(w http.ResponseWriter, r *http.Request) {
	results, err := s.auctions.EndingSoonAuctions(queryLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": results})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 50
	}
	return limit
}

// --- settlement handlers ---

type sharingRulesRequest struct {
	AgentBps    uint32 `json:"agentBps"`
	PlatformBps uint32 `json:"platformBps"`
	ReferralBps uint32 `json:"referralBps,omitempty"`
	Agent       string `json:"agent"`
	Platform    string `json:"platform"`
	Referrer    string `json:"referrer,omitempty"`
}

func (req sharingRulesRequest) parse() (settlement.SharingRules, error) {
	rules := settlement.SharingRules{
		AgentBps:    req.AgentBps,
		PlatformBps: req.PlatformBps,
		ReferralBps: req.ReferralBps,
	}
	var err error
	if rules.Agent, err = types.ParseAddress(req.Agent); err != nil {
		return rules, err
	}
	if rules.Platform, err = types.ParseAddress(req.Platform); err != nil {
		return rules, err
	}
	if strings.TrimSpace(req.Referrer) != "" {
		if rules.Referrer, err = types.ParseAddress(req.Referrer); err != nil {
			return rules, err
		}
	}
	return rules, nil
}

func (s *Server) handleSettleWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowID string              `json:"escrowId"`
		Signer   string              `json:"signer"`
		Rules    sharingRulesRequest `json:"rules"`
	}
	if !decode(w, r, &req) {
		return
	}
	escrowID, err := types.ParseHash(req.EscrowID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := req.Rules.parse()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.coordinator.SettleWorkOrder(escrowID, signer, rules)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSettleAuction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuctionID string              `json:"auctionId"`
		EscrowID  string              `json:"escrowId"`
		Signer    string              `json:"signer"`
		Rules     sharingRulesRequest `json:"rules"`
	}
	if !decode(w, r, &req) {
		return
	}
	auctionID, err := types.ParseHash(req.AuctionID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	escrowID, err := types.ParseHash(req.EscrowID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	signer, err := types.ParseAddress(req.Signer)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := req.Rules.parse()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.coordinator.SettleAuction(auctionID, escrowID, signer, rules)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
