package compliancehttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches the compliance engine routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Post("/", h.registerPeriod)
		r.Route("/{periodID}", func(r chi.Router) {
			r.Get("/", h.getPeriod)
			r.Put("/dates", h.updateDates)
			r.Post("/dates-changed", h.datesChanged)
			r.Post("/retire", h.retire)
			r.Get("/progress", h.progress)
			r.Route("/events", func(r chi.Router) {
				r.Post("/report-submitted", h.event("report submitted", h.service.ReportSubmitted))
				r.Post("/report-withdrawn", h.event("report withdrawn", h.service.ReportWithdrawn))
				r.Post("/visit-completed", h.event("visit completed", h.service.VisitCompleted))
				r.Post("/visit-cancelled", h.event("visit cancelled", h.service.VisitCancelled))
			})
		})
	})
}
