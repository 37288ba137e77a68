package http

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"vidpipe/internal/metrics"
	"vidpipe/internal/model"
	"vidpipe/internal/notify"
	"vidpipe/internal/store"
)

const cancelledMessage = "cancelled"

func badRequest(c *fiber.Ctx, code, msg string, details interface{}) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   msg,
		Details: details,
	})
}

func internalError(c *fiber.Ctx, msg string, err error) error {
	if logger, ok := c.Locals("logger").(*slog.Logger); ok && logger != nil {
		logger.Error(msg, "error", err, "request_id", c.Locals("request_id"))
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   msg,
	})
}

func validationFailed(c *fiber.Ctx, err error) error {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return badRequest(c, "VALIDATION_ERROR", verr.Message, ValidationDetails{Field: verr.Field})
	}
	return badRequest(c, "VALIDATION_ERROR", err.Error(), nil)
}

func jobIDParam(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// createJobHandler validates a submission, stores it as PENDING and
// wakes the workers.
func createJobHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.JobStore)

	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "BAD_REQUEST", "invalid JSON body", nil)
	}

	job := model.NewJob(req.InputRef, req.OutputRef, req.Profile)
	if err := job.Validate(); err != nil {
		return validationFailed(c, err)
	}

	id, err := st.Submit(c.Context(), job)
	if err != nil {
		if errors.Is(err, model.ErrInvalidJob) {
			return validationFailed(c, err)
		}
		return internalError(c, "failed to submit job", err)
	}
	metrics.RecordJobSubmitted()

	if n, ok := c.Locals("notifier").(notify.Notifier); ok && n != nil {
		if err := n.Notify(c.Context()); err != nil {
			if logger, ok := c.Locals("logger").(*slog.Logger); ok && logger != nil {
				logger.Warn("notify workers failed", "job_id", id.String(), "error", err)
			}
		}
	}

	return c.Status(fiber.StatusCreated).JSON(CreateJobResponse{
		Success: true,
		ID:      id.String(),
	})
}

func getJobHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.JobStore)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "BAD_REQUEST", "invalid job id", nil)
	}

	job, err := st.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "job not found",
			})
		}
		return internalError(c, "failed to load job", err)
	}

	return c.JSON(JobResponse{Success: true, JobItem: toJobItem(job)})
}

// listJobsHandler lists jobs newest first, optionally filtered by state.
func listJobsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.JobStore)

	var filter store.ListFilter
	if raw := c.Query("state"); raw != "" {
		state, ok := model.ParseState(raw)
		if !ok {
			return badRequest(c, "BAD_REQUEST", "invalid state filter", nil)
		}
		filter.State = state
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "BAD_REQUEST", "invalid limit value", nil)
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "BAD_REQUEST", "invalid offset value", nil)
		}
		filter.Offset = n
	}

	jobs, err := st.List(c.Context(), filter)
	if err != nil {
		return internalError(c, "failed to list jobs", err)
	}

	items := make([]JobItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, toJobItem(job))
	}
	return c.JSON(ListJobsResponse{Success: true, Jobs: items})
}

// cancelJobHandler fails a non-terminal job. A worker holding the job
// stops at its next state change and still cleans up its staging slot.
func cancelJobHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(store.JobStore)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "BAD_REQUEST", "invalid job id", nil)
	}

	msg := cancelledMessage
	if err := st.Update(c.Context(), id, model.StateFailed, &msg); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "job not found",
			})
		case errors.Is(err, store.ErrTerminal):
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
				Success: false,
				Code:    "CONFLICT",
				Error:   "job already finished",
			})
		}
		return internalError(c, "failed to cancel job", err)
	}
	metrics.RecordTransition(string(model.StateFailed))

	job, err := st.Get(c.Context(), id)
	if err != nil {
		return internalError(c, "failed to load job", err)
	}
	return c.JSON(JobResponse{Success: true, JobItem: toJobItem(job)})
}
