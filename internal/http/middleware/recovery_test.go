package middleware_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/http/middleware"
)

var _ = Describe("Recovery", func() {
	var (
		buf      *bytes.Buffer
		previous *slog.Logger
		engine   *gin.Engine
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		previous = slog.Default()
		slog.SetDefault(slog.New(logger.NewTraceHandler(slog.NewJSONHandler(buf, nil))))
		DeferCleanup(func() { slog.SetDefault(previous) })

		engine = gin.New()
		engine.Use(middleware.Recovery())
		engine.POST("/jobs/:id/cancel", func(*gin.Context) { panic("broker gone") })
		engine.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	})

	It("answers a panicking handler with a 500 and logs the job", func() {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/00000000000000000000abcd/cancel", nil))

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		var body map[string]string
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		Expect(body).To(HaveKey("error"))

		var record map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
		Expect(record).To(HaveKeyWithValue("msg", "handler panicked"))
		Expect(record).To(HaveKeyWithValue("panic", "broker gone"))
		Expect(record).To(HaveKeyWithValue("route", "/jobs/:id/cancel"))
		Expect(record).To(HaveKeyWithValue("job_id", "00000000000000000000abcd"))
		Expect(record).To(HaveKeyWithValue("component", "jobagent.http.recovery"))
	})

	It("stays silent when the handler returns normally", func() {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		Expect(w.Code).To(Equal(http.StatusNoContent))
		Expect(buf.Len()).To(BeZero())
	})
})
