package agent

// ExecutionState is the ground-truth ledger of what actually happened
// during the current turn, used to contradict hallucinated claims in model
// output (a claimed URL or result absent here is a Hallucination).
type ExecutionState struct {
	URLsVisited    []string
	FilesCreated   []string
	FilesEdited    []string
	DataExtracted  []string
	Searches       []string
	BlockedDomains map[string]bool
	DomainAttempts map[string]*DomainAttempts

	// GatheredWebData is append-only within a turn; read by fabrication
	// auto-correction and by write-deferral feedback messages.
	GatheredWebData []string
}

// maxGatheredWebData bounds GatheredWebData the same way
// internal/sessions.Store trims history: a turn that fetches an unusual
// number of pages keeps the most recent evidence instead of growing
// without bound.
const maxGatheredWebData = 200

// DomainAttempts tracks per-domain attempt/failure counts within a turn.
type DomainAttempts struct {
	Attempts int
	Failures int
}

// NewExecutionState returns an empty ledger for a new turn.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{
		BlockedDomains: make(map[string]bool),
		DomainAttempts: make(map[string]*DomainAttempts),
	}
}

// RecordToolResult folds a tool's outcome into the ledger so later
// hallucination checks have ground truth to compare against.
func (s *ExecutionState) RecordToolResult(toolName string, success bool, payload string) {
	switch toolName {
	case "web_search", "fetch_webpage", "browser_navigate", "navigate":
		if success {
			s.URLsVisited = append(s.URLsVisited, payload)
			s.GatheredWebData = append(s.GatheredWebData, payload)
			if len(s.GatheredWebData) > maxGatheredWebData {
				s.GatheredWebData = s.GatheredWebData[len(s.GatheredWebData)-maxGatheredWebData:]
			}
		}
	case "write_file":
		if success {
			s.FilesCreated = append(s.FilesCreated, payload)
		}
	case "edit_file":
		if success {
			s.FilesEdited = append(s.FilesEdited, payload)
		}
	}
}

// ContainsURL reports whether url was actually visited this turn.
func (s *ExecutionState) ContainsURL(url string) bool {
	for _, u := range s.URLsVisited {
		if u == url {
			return true
		}
	}
	return false
}
