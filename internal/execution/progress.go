package execution

// qcCap is the highest progress reported while quality checks are
// outstanding.
const qcCap = 95

// Counters is a point-in-time view of a run's unit accounting.
type Counters struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	PendingQC int  `json:"pending_qc"`
	QCEnabled bool `json:"qc_enabled"`
	Finished  bool `json:"finished"`
}

// Progress returns a percentage in [0, 100].
//
// A unit is completed once its generation call returned, successfully or
// not. While any unit still awaits QC the value is capped at qcCap.
// Single-unit runs have no intermediate values other than the QC cap.
func Progress(c Counters) int {
	if c.Finished {
		return 100
	}
	if c.Total <= 0 || c.Completed <= 0 {
		return 0
	}

	if c.Total == 1 {
		if c.QCEnabled {
			return qcCap
		}
		return 0
	}

	completed := c.Completed
	if completed > c.Total {
		completed = c.Total
	}
	pct := completed * 100 / c.Total
	if c.QCEnabled && c.PendingQC > 0 && pct > qcCap {
		pct = qcCap
	}
	return pct
}
