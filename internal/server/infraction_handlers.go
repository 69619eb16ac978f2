package server

import (
	"strings"
	"time"

	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/service"
	"warden/internal/validation"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gofiber/fiber/v2"
)

// IssueSanctionRequest is the body of POST /api/v1/infractions.
type IssueSanctionRequest struct {
	Kind        string       `json:"kind"`
	CommunityID snowflake.ID `json:"community_id"`
	SubjectID   snowflake.ID `json:"subject_id"`
	Reason      string       `json:"reason"`
	// Duration uses the compact grammar, e.g. "1d12h" or "2 weeks".
	Duration string `json:"duration"`
}

// ExtendSanctionRequest is the body of POST /api/v1/infractions/:id/extend.
type ExtendSanctionRequest struct {
	Duration string `json:"duration"`
}

// moderator returns the authenticated moderator or writes a 401.
func moderator(c *fiber.Ctx) (snowflake.ID, error) {
	id, ok := middleware.ModeratorID(c)
	if !ok {
		_ = models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Moderator authentication required"))
		return 0, errResponseWritten
	}
	return id, nil
}

func parseDurationField(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := validation.ParseDuration(raw)
	if err != nil {
		return 0, models.NewValidationError(err.Error())
	}
	return d, nil
}

// IssueSanction handles POST /api/v1/infractions.
// @Summary Issue a sanction
// @Description Applies a kick, ban or mute on the platform and records it. Temporary kinds need a duration.
// @Tags infractions
// @Accept json
// @Produce json
// @Param request body IssueSanctionRequest true "Sanction details"
// @Success 201 {object} models.Infraction
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /infractions [post]
func (s *Server) IssueSanction(c *fiber.Ctx) error {
	issuer, err := moderator(c)
	if err != nil {
		return nil
	}

	var req IssueSanctionRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		return respondServiceError(c, err)
	}
	duration, err := parseDurationField(req.Duration)
	if err != nil {
		return respondServiceError(c, err)
	}

	inf, err := s.moderation.Service.IssueSanction(c.UserContext(), service.IssueInput{
		Kind:        kind,
		SubjectID:   req.SubjectID,
		CommunityID: req.CommunityID,
		IssuerID:    issuer,
		Reason:      req.Reason,
		Duration:    duration,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(inf)
}

// GetInfraction handles GET /api/v1/infractions/:id.
// @Summary Get an infraction
// @Tags infractions
// @Produce json
// @Param id path int true "Infraction ID"
// @Success 200 {object} models.Infraction
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /infractions/{id} [get]
func (s *Server) GetInfraction(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	inf, err := s.moderation.Service.Get(c.UserContext(), id)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(inf)
}

// ReverseInfraction handles POST /api/v1/infractions/:id/reverse.
// @Summary Reverse a sanction early
// @Description Lifts an open ban or mute on the platform and marks the record reversed.
// @Tags infractions
// @Produce json
// @Param id path int true "Infraction ID"
// @Success 200 {object} models.Infraction
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /infractions/{id}/reverse [post]
func (s *Server) ReverseInfraction(c *fiber.Ctx) error {
	issuer, err := moderator(c)
	if err != nil {
		return nil
	}
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	inf, err := s.moderation.Service.ManualReverse(c.UserContext(), id, issuer)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(inf)
}

// ExtendInfraction handles POST /api/v1/infractions/:id/extend.
// @Summary Extend a temporary sanction
// @Tags infractions
// @Accept json
// @Produce json
// @Param id path int true "Infraction ID"
// @Param request body ExtendSanctionRequest true "Extra duration"
// @Success 200 {object} models.Infraction
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /infractions/{id}/extend [post]
func (s *Server) ExtendInfraction(c *fiber.Ctx) error {
	issuer, err := moderator(c)
	if err != nil {
		return nil
	}
	id, err := parseID(c, "id")
	if err != nil {
		return nil
	}

	var req ExtendSanctionRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	extra, err := parseDurationField(req.Duration)
	if err != nil {
		return respondServiceError(c, err)
	}

	inf, err := s.moderation.Service.ExtendSanction(c.UserContext(), id, extra, issuer)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(inf)
}

// GetMemberInfractions handles GET /api/v1/communities/:communityId/members/:subjectId/infractions.
// @Summary List a member's infractions
// @Tags infractions
// @Produce json
// @Param communityId path string true "Community ID"
// @Param subjectId path string true "Member ID"
// @Param limit query int false "Max records (default 50, max 100)"
// @Success 200 {array} models.Infraction
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /communities/{communityId}/members/{subjectId}/infractions [get]
func (s *Server) GetMemberInfractions(c *fiber.Ctx) error {
	communityID, err := parseSnowflake(c, "communityId")
	if err != nil {
		return nil
	}
	subjectID, err := parseSnowflake(c, "subjectId")
	if err != nil {
		return nil
	}
	page := parsePagination(c, 50)

	history, err := s.moderation.Service.History(c.UserContext(), communityID, subjectID, page.Limit)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(history)
}

// RunReconcile handles POST /api/v1/reconcile by running one sweep synchronously.
// @Summary Run a drift sweep
// @Description Compares open sanctions with platform state and corrects drift.
// @Tags reconcile
// @Produce json
// @Success 200 {object} service.SweepReport
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /reconcile [post]
func (s *Server) RunReconcile(c *fiber.Ctx) error {
	report, err := s.moderation.Reconcile.Sweep(c.UserContext())
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(report)
}

// GetFeatureFlags returns configured feature flags and their evaluation for one community.
// @Summary Feature flags for a community
// @Tags flags
// @Produce json
// @Param communityId path string true "Community ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /communities/{communityId}/flags [get]
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	communityID, err := parseSnowflake(c, "communityId")
	if err != nil {
		return nil
	}

	flags := s.moderation.Flags
	if flags == nil {
		return c.JSON(fiber.Map{
			"raw":       map[string]string{},
			"evaluated": map[string]bool{},
		})
	}
	return c.JSON(fiber.Map{
		"raw":       flags.Raw(),
		"evaluated": flags.Snapshot(communityID),
	})
}
