package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
	// CheckWarn indicates a non-fatal backlog.
	CheckWarn CheckResult = "warn"
)

// Report aggregates health check results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Service coordinates health checks.
type Service struct {
	db      DBPinger
	engine  EngineChecker
	cleanup CleanupBacklog
}

// New creates a Service. cleanup can be nil.
func New(db DBPinger, eng EngineChecker, cleanup CleanupBacklog) *Service {
	return &Service{db: db, engine: eng, cleanup: cleanup}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = CheckError
	} else {
		checks["database"] = CheckOK
	}

	if _, err := s.engine.List(ctx); err != nil {
		checks["engine"] = CheckError
	} else {
		checks["engine"] = CheckOK
	}

	if s.cleanup != nil {
		pending, err := s.cleanup.Pending()
		switch {
		case err != nil:
			checks["cleanup_queue"] = CheckError
		case len(pending) > 0:
			checks["cleanup_queue"] = CheckWarn
		default:
			checks["cleanup_queue"] = CheckOK
		}
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	return Report{Status: status, Checks: checks}
}
