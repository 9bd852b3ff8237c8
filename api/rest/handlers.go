package rest

import (
	"errors"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/master"
)

// healthCheck handles GET /health.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// listWorkers handles GET /api/v1/workers.
func (s *Server) listWorkers(c *fiber.Ctx) error {
	infos := s.controller.Workers()
	workers := slice.Map(infos, func(_ int, info master.ConnectionInfo) WorkerResponse {
		return toWorkerResponse(info)
	})
	live := slice.Filter(infos, func(_ int, info master.ConnectionInfo) bool {
		return info.Live
	})

	return c.JSON(WorkersResponse{
		Workers: workers,
		Total:   len(workers),
		Live:    len(live),
	})
}

// getStatus handles GET /api/v1/status?lines=N.
func (s *Server) getStatus(c *fiber.Ctx) error {
	resp := StatusResponse{Status: s.controller.Status()}
	if s.status == nil {
		return c.JSON(resp)
	}

	limit := c.QueryInt("lines", s.config.StatusLines)
	lines := s.status.Lines()
	if limit >= 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	resp.Lines = lines
	return c.JSON(resp)
}

// distribute handles POST /api/v1/distribute. The send phase runs inside the
// request; collection runs in the background unless ?wait=true.
func (s *Server) distribute(c *fiber.Ctx) error {
	var req DistributeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.TotalUnits == nil {
		return fiber.NewError(fiber.StatusBadRequest, "total_units is required")
	}
	if *req.TotalUnits < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "total_units must not be negative")
	}

	plan, err := s.controller.Distribute(c.UserContext(), *req.TotalUnits)
	if err != nil {
		return distributeError(err)
	}

	resp := DistributeResponse{
		TotalUnits: plan.TotalUnits,
		Assignments: slice.Map(plan.Assignments, func(_ int, a master.Assignment) AssignmentResponse {
			r := AssignmentResponse{WorkerID: a.Conn.ID, Start: a.Range.Start, End: a.Range.End}
			if a.Conn.Addr != nil {
				r.Address = a.Conn.Addr.String()
			}
			return r
		}),
	}

	if c.QueryBool("wait", false) {
		report, err := s.controller.Collect(c.UserContext())
		if err != nil && report == nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		resp.Report = report
		return c.JSON(resp)
	}

	resp.Collecting = true
	s.collecting.Add(1)
	go func() {
		defer s.collecting.Done()
		if _, err := s.controller.Collect(s.baseCtx); err != nil {
			s.logger.Error("background collection failed", zap.Error(err))
		}
	}()
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// getReport handles GET /api/v1/report.
func (s *Server) getReport(c *fiber.Ctx) error {
	report := s.controller.Report()
	if report == nil {
		return fiber.NewError(fiber.StatusNotFound, "no report yet")
	}
	return c.JSON(report)
}

func distributeError(err error) error {
	switch {
	case errors.Is(err, master.ErrAlreadyDistributed):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, master.ErrNoConnections):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, master.ErrNoWorkload):
		return fiber.NewError(fiber.StatusPreconditionFailed, err.Error())
	case errors.Is(err, master.ErrMasterNotStarted):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
}

func toWorkerResponse(info master.ConnectionInfo) WorkerResponse {
	w := WorkerResponse{
		ID:         info.ID,
		Address:    info.Addr,
		State:      string(info.State),
		Live:       info.Live,
		AcceptedAt: info.AcceptedAt.UTC().Format(time.RFC3339),
		Received:   info.Received,
	}
	if info.Range != nil {
		start, end := info.Range.Start, info.Range.End
		w.RangeStart = &start
		w.RangeEnd = &end
	}
	return w
}
