package events

// Event is implemented by everything published on the coordinator's
// subscription stream.
type Event interface {
	EventName() string
}

// ProgressUpdate is the throttled, last-value-wins progress snapshot for
// one session.
type ProgressUpdate struct {
	FileHash        string  `json:"file_hash"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	CompletedChunks int     `json:"completed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	ActiveSources   int     `json:"active_sources"`
	SpeedBps        float64 `json:"speed_bps"`
	EtaSeconds      float64 `json:"eta_seconds"` // -1 when speed is zero
}

func (ProgressUpdate) EventName() string { return "progress_update" }

// DownloadCompleted fires once a session's output is verified and promoted.
type DownloadCompleted struct {
	FileHash   string `json:"file_hash"`
	OutputPath string `json:"output_path"`
}

func (DownloadCompleted) EventName() string { return "download_completed" }

// DownloadFailed fires when a session reaches the Failed state.
type DownloadFailed struct {
	FileHash string `json:"file_hash"`
	Error    string `json:"error"`
}

func (DownloadFailed) EventName() string { return "download_failed" }

// PaymentDue is emitted for every contributing peer when a session
// completes. Payment computation itself happens downstream.
type PaymentDue struct {
	FileHash string `json:"file_hash"`
	PeerID   string `json:"peer_id"`
	Bytes    int64  `json:"bytes"`
}

func (PaymentDue) EventName() string { return "payment_due" }
