package recommendation

type HealthStatus struct {
	Initialized bool
	Device      *string
}

type HealthResponse struct {
	Status         string  `json:"status"`
	PipelineLoaded bool    `json:"pipeline_loaded"`
	Device         *string `json:"device"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
