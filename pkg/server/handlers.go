package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/harvester"
	"github.com/d1c-labs/settler/pkg/joblog"
	"github.com/d1c-labs/settler/pkg/ledger"
	"github.com/d1c-labs/settler/pkg/scheduler"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// tokens renders base units as a decimal token string for API consumers.
func tokens(v uint64) string {
	return fees.DecimalFromBaseUnits(v).String()
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

type harvestResponse struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processedCount"`
	TotalHarvested string   `json:"totalHarvested"`
	Signatures     []string `json:"signatures,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func newHarvestResponse(res harvester.Result) harvestResponse {
	return harvestResponse{
		Success:        res.Success,
		ProcessedCount: res.ProcessedCount,
		TotalHarvested: tokens(res.TotalHarvested),
		Signatures:     res.Signatures,
		Errors:         res.Errors,
	}
}

func (s *Server) handleHarvestTransfers(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Harvester.HarvestFromTransfers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newHarvestResponse(res))
}

func (s *Server) handleHarvestAccounts(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Harvester.HarvestFromAllAccounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newHarvestResponse(res))
}

func (s *Server) handleWithdrawFromMint(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Harvester.WithdrawFromMint(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newHarvestResponse(res))
}

type payoutResponse struct {
	Wallet    string `json:"wallet"`
	Amount    string `json:"amount"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

type distributeResponse struct {
	Success        bool             `json:"success"`
	ProcessedCount int              `json:"processedCount"`
	CollegeAmount  string           `json:"collegeAmount"`
	BurnedAmount   string           `json:"burnedAmount"`
	Signatures     []string         `json:"signatures,omitempty"`
	Payouts        []payoutResponse `json:"payouts,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Distributor.Distribute(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := distributeResponse{
		Success:        res.Success,
		ProcessedCount: res.ProcessedCount,
		CollegeAmount:  tokens(res.CollegeAmount),
		BurnedAmount:   tokens(res.BurnedAmount),
		Signatures:     res.Signatures,
		Errors:         res.Errors,
	}
	for _, p := range res.Payouts {
		resp.Payouts = append(resp.Payouts, payoutResponse{
			Wallet:    p.Wallet,
			Amount:    tokens(p.Amount),
			Signature: p.Signature,
			Error:     p.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type runCycleRequest struct {
	// UseTransactionBased selects the ledger-driven pipeline (default). When
	// false the cycle harvests via a full on-chain scan instead.
	UseTransactionBased *bool `json:"useTransactionBased"`
}

type runEntryResponse struct {
	ExecutedAt  time.Time `json:"executedAt"`
	Success     bool      `json:"success"`
	Harvested   string    `json:"harvested"`
	Distributed string    `json:"distributed"`
	Burned      string    `json:"burned"`
	Error       string    `json:"error,omitempty"`
}

func newRunEntryResponse(e joblog.Entry) runEntryResponse {
	return runEntryResponse{
		ExecutedAt:  e.ExecutedAt,
		Success:     e.Success,
		Harvested:   tokens(e.HarvestedAmount),
		Distributed: tokens(e.DistributedAmount),
		Burned:      tokens(e.BurnedAmount),
		Error:       e.ErrorMessage,
	}
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req runCycleRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	transactionBased := req.UseTransactionBased == nil || *req.UseTransactionBased

	if transactionBased {
		entry, err := s.cfg.Runner.RunNow(r.Context())
		if errors.Is(err, scheduler.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, newRunEntryResponse(entry))
		return
	}

	// Scan-based cycle: full-chain harvest followed by distribution.
	hres, err := s.cfg.Harvester.HarvestFromAllAccounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dres, err := s.cfg.Distributor.Distribute(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"harvest": newHarvestResponse(hres),
		"distribute": distributeResponse{
			Success:        dres.Success,
			ProcessedCount: dres.ProcessedCount,
			CollegeAmount:  tokens(dres.CollegeAmount),
			BurnedAmount:   tokens(dres.BurnedAmount),
			Signatures:     dres.Signatures,
			Errors:         dres.Errors,
		},
	})
}

func (s *Server) handleDistributionPreview(w http.ResponseWriter, r *http.Request) {
	acc, err := s.cfg.Distributor.Preview(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type previewPayout struct {
		Wallet  string `json:"wallet"`
		College string `json:"college"`
		Burn    string `json:"burn"`
	}
	payouts := make([]previewPayout, 0, len(acc.Payouts))
	for _, p := range acc.Payouts {
		payouts = append(payouts, previewPayout{Wallet: p.Wallet, College: tokens(p.College), Burn: tokens(p.Burn)})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transferCount": len(acc.IDs),
		"collegeTotal":  tokens(acc.CollegeTotal()),
		"burnTotal":     tokens(acc.BurnTotal),
		"payouts":       payouts,
	})
}

func (s *Server) handleDistributionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.Distributor.Summarize(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"transferCount": sum.TransferCount,
		"total":         tokens(sum.Total),
		"college":       tokens(sum.College),
		"burn":          tokens(sum.Burn),
		"community":     tokens(sum.Community),
		"linkedCollege": tokens(sum.LinkedCollege),
	})
}

func (s *Server) handlePendingCounts(w http.ResponseWriter, r *http.Request) {
	unharvested, err := s.cfg.Ledger.CountUnharvested(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	undistributed, err := s.cfg.Ledger.CountHarvestedUndistributed(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{
		"unharvested":   unharvested,
		"undistributed": undistributed,
	})
}

type transferResponse struct {
	ID             int64     `json:"id"`
	Signature      string    `json:"signature"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Amount         string    `json:"amount"`
	CollegeWallet  string    `json:"collegeWallet,omitempty"`
	FeeHarvested   bool      `json:"feeHarvested"`
	FeeDistributed bool      `json:"feeDistributed"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func newTransferResponses(transfers []ledger.Transfer) []transferResponse {
	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, transferResponse{
			ID:             t.ID,
			Signature:      t.Signature,
			From:           t.From,
			To:             t.To,
			Amount:         tokens(t.Amount),
			CollegeWallet:  t.CollegeWallet,
			FeeHarvested:   t.FeeHarvested,
			FeeDistributed: t.FeeDistributed,
			OccurredAt:     t.OccurredAt,
		})
	}
	return out
}

func (s *Server) handleListUnharvested(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.cfg.Ledger.ListUnharvested(r.Context(), limitParam(r, 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newTransferResponses(transfers))
}

func (s *Server) handleListUndistributed(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.cfg.Ledger.ListHarvestedUndistributed(r.Context(), limitParam(r, 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newTransferResponses(transfers))
}

type markRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleMarkHarvested(w http.ResponseWriter, r *http.Request) {
	s.handleMark(w, r, s.cfg.Ledger.MarkHarvested)
}

func (s *Server) handleMarkDistributed(w http.ResponseWriter, r *http.Request) {
	s.handleMark(w, r, s.cfg.Ledger.MarkDistributed)
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request, mark func(ctx context.Context, ids []int64) (int64, error)) {
	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	updated, err := mark(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.JobLog.Recent(r.Context(), limitParam(r, 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newRunEntryResponse(e))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobLogSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.JobLog.Summarize(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"totalRuns":        sum.TotalRuns,
		"successfulRuns":   sum.SuccessfulRuns,
		"failedRuns":       sum.FailedRuns,
		"totalHarvested":   tokens(sum.TotalHarvested),
		"totalDistributed": tokens(sum.TotalDistributed),
		"totalBurned":      tokens(sum.TotalBurned),
		"lastExecutedAt":   sum.LastExecutedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": s.cfg.Runner.Running(),
	})
}
