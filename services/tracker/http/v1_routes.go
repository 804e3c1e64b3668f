package http

// registerV1Routes sets up the v1 API structure
// Groups: /api/v1/entities, /api/v1/tracks, /api/v1/stream, /api/v1/admin
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())

	entities := v1.Group("/entities")
	{
		entities.GET("", s.handleV1ListEntities)
		entities.GET("/:id", s.handleV1GetEntity)
		entities.GET("/:id/track", s.handleV1EntityTrack)
		entities.GET("/:id/speed", s.handleV1EntitySpeed)
	}

	v1.GET("/tracks", s.handleV1RecentTracks)
	v1.GET("/stream", s.handleV1Stream)

	// Maintenance endpoints only exist when a token protects them.
	if s.cfg.BearerToken != "" {
		admin := v1.Group("/admin")
		admin.Use(bearerAuthMiddleware(s.cfg.BearerToken))
		admin.POST("/reset", s.handleV1Reset)
	}
}
