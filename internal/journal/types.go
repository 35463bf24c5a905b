package journal

import "time"

// Entry records one reconciliation run.
type Entry struct {
	Time     time.Time      `json:"time"`
	ServerID int64          `json:"serverId"`
	Hostname string         `json:"hostname,omitempty"`
	DryRun   bool           `json:"dryRun"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Actions  []ActionRecord `json:"actions,omitempty"`
}

type ActionRecord struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

func (e Entry) FailedActions() int {
	n := 0
	for _, a := range e.Actions {
		if a.Error != "" {
			n++
		}
	}
	return n
}
