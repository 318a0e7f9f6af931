package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/swap"
)

// RunResponse reports an accepted notification and, when the caller waited,
// how the run ended.
type RunResponse struct {
	RunID       string     `json:"run_id"`
	Unit        string     `json:"unit"`
	Status      string     `json:"status"`
	State       swap.State `json:"state,omitempty"`
	Duplicate   bool       `json:"duplicate,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	Events      int        `json:"events,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) notifyHandler(c *gin.Context) {
	var n swap.ChangeNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		slog.Warn("invalid notification", "error", err)
		writeError(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if n.DetectedAt.IsZero() {
		n.DetectedAt = s.now()
	}

	t, err := s.submitter.Submit(n)
	if err != nil {
		if errors.Is(err, swap.ErrStopped) || errors.Is(err, swap.ErrNotStarted) {
			writeError(c, http.StatusServiceUnavailable, errUnavailable, err.Error())
			return
		}
		writeError(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	resp := RunResponse{RunID: t.RunID, Unit: n.UnitID, Status: "accepted"}
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, resp)
		return
	}

	out, err := t.Wait(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusGatewayTimeout, errUnavailable, err.Error())
		return
	}
	resp.Status = "completed"
	resp.State = out.State
	resp.Duplicate = out.Duplicate
	resp.ContentHash = out.ContentHash
	resp.Events = len(out.Events)
	if out.Err != nil {
		resp.ErrorCode = string(out.Err.Code)
		resp.Error = out.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) unitEventsHandler(c *gin.Context) {
	unit := c.Param("unit")
	events, err := s.log.ReadStream(c.Request.Context(), unit)
	if err != nil {
		slog.Error("failed to read unit stream", "unit", unit, "error", err)
		writeError(c, http.StatusInternalServerError, errInternal, "failed to read events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"unit": unit, "events": events})
}

func (s *Server) listFlowsHandler(c *gin.Context) {
	var (
		flows []flow.Flow
		err   error
	)
	if raw := c.Query("min_confidence"); raw != "" {
		floor, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			writeError(c, http.StatusBadRequest, errInvalidRequest, "min_confidence must be a number")
			return
		}
		flows, err = s.library.Store().GetByMinimumConfidence(c.Request.Context(), floor)
	} else {
		flows, err = s.library.Store().GetAll(c.Request.Context())
	}
	if err != nil {
		slog.Error("failed to list flows", "error", err)
		writeError(c, http.StatusInternalServerError, errInternal, "failed to list flows")
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": nonNil(flows)})
}

func (s *Server) searchFlowsHandler(c *gin.Context) {
	criteria, err := parseCriteria(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	flows, err := s.library.Store().Search(c.Request.Context(), criteria)
	if err != nil {
		slog.Error("failed to search flows", "error", err)
		writeError(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": nonNil(flows)})
}

func (s *Server) statsHandler(c *gin.Context) {
	st, err := s.library.Store().Statistics(c.Request.Context())
	if err != nil {
		slog.Error("failed to compute statistics", "error", err)
		writeError(c, http.StatusInternalServerError, errInternal, "failed to compute statistics")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getFlowHandler(c *gin.Context) {
	f, err := s.library.Store().Get(c.Request.Context(), flow.ID(c.Param("id")))
	if err != nil {
		s.flowError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) deleteFlowHandler(c *gin.Context) {
	id := flow.ID(c.Param("id"))
	if err := s.library.DeleteFlow(c.Request.Context(), id); err != nil {
		s.flowError(c, err)
		return
	}
	slog.Info("flow deleted", "flow", string(id))
	c.Status(http.StatusNoContent)
}

func (s *Server) detectionsHandler(c *gin.Context) {
	matches, err := s.library.Store().Detections(c.Request.Context())
	if err != nil {
		slog.Error("failed to read detections", "error", err)
		writeError(c, http.StatusInternalServerError, errInternal, "failed to read detections")
		return
	}
	if flowID := c.Query("flow"); flowID != "" {
		kept := matches[:0]
		for _, m := range matches {
			if string(m.FlowID) == flowID {
				kept = append(kept, m)
			}
		}
		matches = kept
	}
	if matches == nil {
		matches = []flow.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"detections": matches})
}

func (s *Server) flowError(c *gin.Context, err error) {
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(c, http.StatusNotFound, errNotFound, err.Error())
		return
	}
	slog.Error("flow store failure", "error", err)
	writeError(c, http.StatusInternalServerError, errInternal, "flow store failure")
}

// parseCriteria reads search parameters. Kind lists are comma separated.
func parseCriteria(c *gin.Context) (flow.Criteria, error) {
	cr := flow.Criteria{
		NamePattern:        c.Query("name"),
		DescriptionPattern: c.Query("description"),
		Origin:             flow.Origin(c.Query("origin")),
		RequiredKinds:      kinds(c.Query("require")),
		ExcludedKinds:      kinds(c.Query("exclude")),
	}
	var err error
	if cr.MinConfidence, err = optionalFloat(c, "min_confidence"); err != nil {
		return flow.Criteria{}, err
	}
	if cr.MaxConfidence, err = optionalFloat(c, "max_confidence"); err != nil {
		return flow.Criteria{}, err
	}
	if raw := c.Query("min_length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return flow.Criteria{}, errors.New("min_length must be an integer")
		}
		cr.MinSequenceLength = n
	}
	if raw := c.Query("max_window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return flow.Criteria{}, errors.New("max_window must be a duration")
		}
		cr.MaxTimeWindow = d
	}
	return cr, nil
}

func optionalFloat(c *gin.Context, key string) (*float64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.New(key + " must be a number")
	}
	return &v, nil
}

func kinds(raw string) []event.Kind {
	if raw == "" {
		return nil
	}
	var out []event.Kind
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, event.Kind(part))
		}
	}
	return out
}

func nonNil(flows []flow.Flow) []flow.Flow {
	if flows == nil {
		return []flow.Flow{}
	}
	return flows
}
