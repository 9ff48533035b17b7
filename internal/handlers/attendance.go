package handlers

import (
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
	"presence-verifier/internal/services"
)

// ActorHeader carries the id of the user performing a supervisor action
const ActorHeader = "X-Actor-ID"

// AttendanceHandler exposes session control, evidence intake and queries
type AttendanceHandler struct {
	service  services.AttendanceService
	scans    queue.Publisher
	validate *validator.Validate
}

// NewAttendanceHandler creates a new attendance handler. Device scans are
// queued on scans and processed by the worker.
func NewAttendanceHandler(service services.AttendanceService, scans queue.Publisher) *AttendanceHandler {
	return &AttendanceHandler{service: service, scans: scans, validate: validator.New()}
}

// Register mounts the routes
func (h *AttendanceHandler) Register(r fiber.Router) {
	api := r.Group("/api")

	sessions := api.Group("/sessions")
	sessions.Post("/", h.HandleScheduleSession)
	sessions.Post("/:id/start", h.HandleStartSession)
	sessions.Post("/:id/end", h.HandleEndSession)
	sessions.Post("/:id/advance", h.HandleAdvanceRound)
	sessions.Post("/:id/cancel", h.HandleCancelSession)
	sessions.Get("/:id/attendance/:participantId", h.HandleFinalAttendance)

	api.Post("/scans", h.HandleSubmitScan)
	api.Post("/locations", h.HandleSubmitLocation)
	api.Get("/participants/:id/verification-schedule", h.HandleVerificationSchedule)
}

// HandleScheduleSession creates a pending session
func (h *AttendanceHandler) HandleScheduleSession(c *fiber.Ctx) error {
	var req services.ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return Error(c, fiber.StatusBadRequest, services.CodeValidation, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return ValidationError(c, err)
	}
	session, err := h.service.ScheduleSession(c.UserContext(), req)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessWithCode(c, fiber.StatusCreated, "session scheduled", session)
}

type sessionAction func(c *fiber.Ctx, sessionID, actorID string) (interface{}, error)

func (h *AttendanceHandler) sessionAction(c *fiber.Ctx, message string, action sessionAction) error {
	actorID := c.Get(ActorHeader)
	if actorID == "" {
		return Error(c, fiber.StatusBadRequest, services.CodeValidation, ActorHeader+" header is required")
	}
	data, err := action(c, c.Params("id"), actorID)
	if err != nil {
		return ServiceError(c, err)
	}
	return Success(c, message, data)
}

// HandleStartSession starts a pending session
func (h *AttendanceHandler) HandleStartSession(c *fiber.Ctx) error {
	return h.sessionAction(c, "session started", func(c *fiber.Ctx, id, actorID string) (interface{}, error) {
		return h.service.StartSession(c.UserContext(), id, actorID)
	})
}

// HandleEndSession ends an active session
func (h *AttendanceHandler) HandleEndSession(c *fiber.Ctx) error {
	return h.sessionAction(c, "session ended", func(c *fiber.Ctx, id, actorID string) (interface{}, error) {
		return h.service.EndSession(c.UserContext(), id, actorID)
	})
}

// HandleAdvanceRound closes the open round and opens the next one
func (h *AttendanceHandler) HandleAdvanceRound(c *fiber.Ctx) error {
	return h.sessionAction(c, "round advanced", func(c *fiber.Ctx, id, actorID string) (interface{}, error) {
		return h.service.AdvanceRound(c.UserContext(), id, actorID)
	})
}

// HandleCancelSession cancels a session
func (h *AttendanceHandler) HandleCancelSession(c *fiber.Ctx) error {
	return h.sessionAction(c, "session cancelled", func(c *fiber.Ctx, id, actorID string) (interface{}, error) {
		return h.service.CancelSession(c.UserContext(), id, actorID)
	})
}

// HandleSubmitScan queues device-proximity evidence for the worker
func (h *AttendanceHandler) HandleSubmitScan(c *fiber.Ctx) error {
	var req models.SubmitScanDataMessage
	if err := c.BodyParser(&req); err != nil {
		return Error(c, fiber.StatusBadRequest, services.CodeValidation, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return ValidationError(c, err)
	}

	log.Printf("📡 [scan] session %s round %s participant %s via %s (%d devices)",
		req.SessionID, req.RoundID, req.ParticipantID, req.SubmitterDeviceID, len(req.ScannedDevices))

	if err := queue.Publish(c.UserContext(), h.scans, models.MsgSubmitScanData, req.SessionID, req); err != nil {
		log.Printf("❌ [scan] failed to queue scan: %v", err)
		return Error(c, fiber.StatusServiceUnavailable, services.CodeUnavailable, "scan queue unavailable")
	}
	return SuccessWithCode(c, fiber.StatusAccepted, "scan accepted", nil)
}

// HandleSubmitLocation validates a location fix synchronously
func (h *AttendanceHandler) HandleSubmitLocation(c *fiber.Ctx) error {
	var req services.LocationSubmission
	if err := c.BodyParser(&req); err != nil {
		return Error(c, fiber.StatusBadRequest, services.CodeValidation, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return ValidationError(c, err)
	}
	result, err := h.service.SubmitLocation(c.UserContext(), req)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessWithCode(c, fiber.StatusCreated, string(result.Record.Status), result)
}

// HandleVerificationSchedule returns the participant's current rounds
func (h *AttendanceHandler) HandleVerificationSchedule(c *fiber.Ctx) error {
	schedule, err := h.service.GetVerificationSchedule(c.UserContext(), c.Params("id"))
	if err != nil {
		return ServiceError(c, err)
	}
	return Success(c, "verification schedule", schedule)
}

// HandleFinalAttendance returns the final outcome of a participant
func (h *AttendanceHandler) HandleFinalAttendance(c *fiber.Ctx) error {
	out, err := h.service.GetFinalAttendance(c.UserContext(), c.Params("id"), c.Params("participantId"))
	if err != nil {
		return ServiceError(c, err)
	}
	return Success(c, "final attendance", out)
}
