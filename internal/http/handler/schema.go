package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"basegraph.app/jobagent/internal/http/dto"
)

// JobSchema serves the JSON schema of the submit request body.
func JobSchema() gin.HandlerFunc {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&dto.SubmitJobRequest{})
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, schema)
	}
}
