package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/auth/me", s.HandleGetCurrentUser)

		// Protocol discovery
		r.Route("/protocols", func(r chi.Router) {
			r.Get("/", s.HandleListProtocols)
			r.Get("/{name}/{version}", s.HandleDescribeProtocol)
		})

		// Network types
		r.Route("/network-types", func(r chi.Router) {
			r.Get("/", s.HandleListNetworkTypes)
			r.Post("/", s.HandleCreateNetworkType)
		})

		// Networks
		r.Route("/networks", func(r chi.Router) {
			r.Get("/", s.HandleListNetworks)
			r.Post("/", s.HandleCreateNetwork)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetNetwork)
				r.Put("/", s.HandleUpdateNetwork)
				r.Delete("/", s.HandleDeleteNetwork)
				r.Post("/login", s.HandleNetworkLogin)
				r.Post("/logout", s.HandleNetworkLogout)
				r.Get("/status", s.HandleNetworkStatus)
				r.Post("/push", s.HandlePushNetwork)
				r.Get("/remote/{kind}", s.HandleListRemote)
			})
		})

		// Companies
		r.Route("/companies", func(r chi.Router) {
			r.Get("/", s.HandleListCompanies)
			r.Post("/", s.HandleCreateCompany)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetCompany)
				r.Put("/", s.HandleUpdateCompany)
				r.Delete("/", s.HandleDeleteCompany)
				r.Post("/resync", s.resyncHandler(models.KindCompany))
				r.Get("/mappings", s.mappingsHandler(models.KindCompany))
			})
		})

		// Applications
		r.Route("/applications", func(r chi.Router) {
			r.Get("/", s.HandleListApplications)
			r.Post("/", s.HandleCreateApplication)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetApplication)
				r.Put("/", s.HandleUpdateApplication)
				r.Delete("/", s.HandleDeleteApplication)
				r.Post("/resync", s.resyncHandler(models.KindApplication))
				r.Get("/mappings", s.mappingsHandler(models.KindApplication))
				r.Get("/links", s.linksHandler(models.KindApplication))
			})
		})

		// Device profiles
		r.Route("/device-profiles", func(r chi.Router) {
			r.Get("/", s.HandleListDeviceProfiles)
			r.Post("/", s.HandleCreateDeviceProfile)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDeviceProfile)
				r.Put("/", s.HandleUpdateDeviceProfile)
				r.Delete("/", s.HandleDeleteDeviceProfile)
				r.Post("/resync", s.resyncHandler(models.KindDeviceProfile))
				r.Get("/mappings", s.mappingsHandler(models.KindDeviceProfile))
			})
		})

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Post("/import", s.HandleImportDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Put("/", s.HandleUpdateDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Post("/resync", s.resyncHandler(models.KindDevice))
				r.Get("/mappings", s.mappingsHandler(models.KindDevice))
				r.Get("/links", s.linksHandler(models.KindDevice))

				// Downlink management
				r.Post("/downlinks", s.HandleEnqueueDownlink)
				r.Get("/downlinks", s.HandlePollDownlink)
				r.Get("/downlinks/pending", s.HandlePendingDownlinks)
				r.Post("/downlinks/push", s.HandlePushDownlink)
			})
		})

		// Network type links
		r.Route("/links", func(r chi.Router) {
			r.Post("/", s.HandleCreateLink)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetLink)
				r.Put("/", s.HandleUpdateLink)
				r.Delete("/", s.HandleDeleteLink)
			})
		})

		// Events
		r.Get("/events", s.HandleListEvents)
	})
}
