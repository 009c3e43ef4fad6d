package domain

type Run struct {
	ID         string            `json:"id"`
	Status     string            `json:"status" enum:"running,succeeded,failed,canceled"`
	Conf       map[string]string `json:"conf,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  string            `json:"started_at" format:"date-time"`
	FinishedAt *string           `json:"finished_at,omitempty" format:"date-time"`
	Stages     []StageResult     `json:"stages,omitempty"`
}

type StageResult struct {
	RunID      string  `json:"run_id"`
	Position   int     `json:"position"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status" enum:"running,succeeded,failed,not_attempted,canceled"`
	Handoff    string  `json:"handoff,omitempty"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Payload string `json:"payload_json"`
}

type BundleSummary struct {
	ID      string             `json:"id"`
	Dir     string             `json:"dir"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Images  []string           `json:"images,omitempty"`
	// Fallback is set when the newest bundle was chosen instead of a requested id.
	Fallback bool `json:"fallback,omitempty"`
	// Error is set when the directory is not a loadable bundle.
	Error string `json:"error,omitempty"`
}
