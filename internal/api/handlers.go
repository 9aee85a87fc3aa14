package api

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/fetcher"
	"github.com/sells-group/txn-pipeline/internal/lock"
	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/pipeline"
	"github.com/sells-group/txn-pipeline/internal/store"
)

const (
	defaultListLimit = 10
	maxListLimit     = 1000
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	render.JSON(w, r, v)
}

// writeStoreError maps store errors onto status codes.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// limitParam reads ?limit=, clamped to [1, maxListLimit].
func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		render.Status(r, http.StatusServiceUnavailable)
		writeJSON(w, r, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart "file" field and runs it through the
// pipeline synchronously.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.MaxUploadMB) << 20
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close() //nolint:errcheck

	var format fetcher.Format
	switch strings.ToLower(path.Ext(hdr.Filename)) {
	case ".csv":
		format = fetcher.FormatCSV
	case ".xlsx":
		format = fetcher.FormatXLSX
	default:
		writeError(w, r, http.StatusBadRequest, "only .csv and .xlsx files are accepted")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	res, err := s.runner.Run(r.Context(), pipeline.Input{
		BatchID: r.FormValue("batch_id"),
		Source:  hdr.Filename,
		Format:  format,
		Data:    data,
	})
	if err != nil {
		var se *pipeline.StructuralError
		switch {
		case errors.As(err, &se):
			writeError(w, r, http.StatusBadRequest, se.Error())
		case errors.Is(err, pipeline.ErrBatchExists):
			writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, lock.ErrTimeout):
			writeError(w, r, http.StatusServiceUnavailable, "another batch is in progress, retry later")
		default:
			zap.L().Error("api: upload failed", zap.String("file", hdr.Filename), zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "processing failed: "+err.Error())
		}
		return
	}
	writeJSON(w, r, res)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	batches, err := s.store.ListBatches(r.Context(), store.BatchFilter{
		Status: model.BatchStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}
	writeJSON(w, r, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, batch)
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	kpis, err := s.store.KPIs(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, kpis)
}

func (s *Server) handleDatasetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DatasetStats(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, stats)
}

func (s *Server) handleDailyRevenue(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.DailyRevenueSeries(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if series == nil {
		series = []model.RevenuePoint{}
	}
	writeJSON(w, r, series)
}

func (s *Server) handleTopCustomers(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	top, err := s.store.TopCustomers(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if top == nil {
		top = []model.CustomerRevenue{}
	}
	writeJSON(w, r, top)
}

func (s *Server) handleDailySales(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	daily, err := s.store.DailySummaries(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if daily == nil {
		daily = []model.DailySummary{}
	}
	writeJSON(w, r, daily)
}

func (s *Server) handleCustomerSummaries(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	customers, err := s.store.CustomerSummaries(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if customers == nil {
		customers = []model.CustomerSummary{}
	}
	writeJSON(w, r, customers)
}

func (s *Server) handleFeatureStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.FeatureStats(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, stats)
}

func (s *Server) handleLatestQuality(w http.ResponseWriter, r *http.Request) {
	m, err := s.ledger.Latest(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if m == nil {
		writeError(w, r, http.StatusNotFound, "no quality metrics recorded yet")
		return
	}
	writeJSON(w, r, m)
}

func (s *Server) handleAggregateQuality(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ledger.Aggregate(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, agg)
}
