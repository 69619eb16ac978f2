package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"warden/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanizeParam(t *testing.T) {
	tests := []struct {
		param    string
		expected string
	}{
		{"id", "ID"},
		{"subjectId", "subject ID"},
		{"communityId", "community ID"},
		{"parentInfractionId", "parent infraction ID"},
		{"something", "something"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			assert.Equal(t, tt.expected, humanizeParam(tt.param))
		})
	}
}

func TestParsePagination(t *testing.T) {
	app := fiber.New()
	app.Get("/items", func(c *fiber.Ctx) error {
		p := parsePagination(c, 25)
		return c.JSON(fiber.Map{"limit": p.Limit, "offset": p.Offset})
	})

	tests := []struct {
		query  string
		limit  float64
		offset float64
	}{
		{"", 25, 0},
		{"?limit=10&offset=30", 10, 30},
		{"?limit=1000", maxPaginationLimit, 0},
		{"?limit=-1&offset=-5", 25, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/items"+tt.query, nil))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			var body map[string]float64
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.limit, body["limit"])
			assert.Equal(t, tt.offset, body["offset"])
		})
	}
}

func TestParseSnowflake(t *testing.T) {
	app := fiber.New()
	app.Get("/members/:subjectId", func(c *fiber.Ctx) error {
		id, err := parseSnowflake(c, "subjectId")
		if err != nil {
			return nil
		}
		return c.SendString(id.String())
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/members/175928847299117063", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, bad := range []string{"0", "abc", "-1"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/members/"+bad, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)

		var body models.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "Invalid subject ID", body.Error)
		_ = resp.Body.Close()
	}
}
