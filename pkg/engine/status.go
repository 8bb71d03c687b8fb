package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// BuildStatus is the terminal status of a build.
type BuildStatus string

const (
	// BuildStatusSuccess indicates the target was assembled and configured.
	BuildStatusSuccess BuildStatus = "success"

	// BuildStatusConfigurationIncomplete indicates the packages were committed
	// but one or more configuration steps failed.
	BuildStatusConfigurationIncomplete BuildStatus = "configuration-incomplete"

	// BuildStatusResolutionConflict indicates no consistent plan exists.
	BuildStatusResolutionConflict BuildStatus = "resolution-conflict"

	// BuildStatusFetchFailure indicates one or more artifacts could not be
	// fetched or verified.
	BuildStatusFetchFailure BuildStatus = "fetch-failure"

	// BuildStatusStagingFailure indicates staging or verification failed and
	// the target is untouched.
	BuildStatusStagingFailure BuildStatus = "staging-failure"

	// BuildStatusPromotionFailure indicates the atomic swap failed. The target
	// may need manual recovery.
	BuildStatusPromotionFailure BuildStatus = "promotion-failure"

	// BuildStatusIndexFailure indicates the package source could not be indexed.
	BuildStatusIndexFailure BuildStatus = "index-failure"

	// BuildStatusPlanningConflict indicates two packages claim the same file.
	BuildStatusPlanningConflict BuildStatus = "planning-conflict"

	// BuildStatusPolicyViolation indicates the plan was rejected by policy.
	BuildStatusPolicyViolation BuildStatus = "policy-violation"

	// BuildStatusCancelled indicates the build was cancelled before promotion.
	BuildStatusCancelled BuildStatus = "cancelled"
)

// AllBuildStatuses lists every status in exit code order.
var AllBuildStatuses = []BuildStatus{
	BuildStatusSuccess,
	BuildStatusConfigurationIncomplete,
	BuildStatusResolutionConflict,
	BuildStatusFetchFailure,
	BuildStatusStagingFailure,
	BuildStatusPromotionFailure,
	BuildStatusIndexFailure,
	BuildStatusPlanningConflict,
	BuildStatusPolicyViolation,
	BuildStatusCancelled,
}

// ExitCode returns the process exit code for the status. Codes are distinct
// per status; unknown statuses map to 1.
func (s BuildStatus) ExitCode() int {
	switch s {
	case BuildStatusSuccess:
		return 0
	case BuildStatusConfigurationIncomplete:
		return 10
	case BuildStatusResolutionConflict:
		return 11
	case BuildStatusFetchFailure:
		return 12
	case BuildStatusStagingFailure:
		return 13
	case BuildStatusPromotionFailure:
		return 14
	case BuildStatusIndexFailure:
		return 15
	case BuildStatusPlanningConflict:
		return 16
	case BuildStatusPolicyViolation:
		return 17
	case BuildStatusCancelled:
		return 130
	default:
		return 1
	}
}

// IsSuccess returns true if the target holds the planned packages.
// Configuration-incomplete is a degraded success.
func (s BuildStatus) IsSuccess() bool {
	return s == BuildStatusSuccess || s == BuildStatusConfigurationIncomplete
}

// Validate checks if the build status is valid.
func (s BuildStatus) Validate() error {
	for _, known := range AllBuildStatuses {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid build status: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s BuildStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *BuildStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = BuildStatus(str)
	return s.Validate()
}

// StatusFor maps a pipeline error to the terminal status it produces.
// A nil error is success.
func StatusFor(err error) BuildStatus {
	if err == nil {
		return BuildStatusSuccess
	}

	var (
		promotionErr *PromotionError
		stagingErr   *StagingError
		conflictErr  *ConflictError
		resolveErr   *ResolutionError
		indexErr     *IndexError
		fetchStage   *FetchStageError
		fetchErr     *FetchError
		verifyErr    *VerificationError
		configErr    *ConfigurationError
		policyErr    *PolicyError
	)

	// Promotion first: a promotion failure is never masked by cancellation.
	switch {
	case errors.As(err, &promotionErr):
		return BuildStatusPromotionFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return BuildStatusCancelled
	case errors.As(err, &stagingErr):
		return BuildStatusStagingFailure
	case errors.As(err, &conflictErr):
		return BuildStatusPlanningConflict
	case errors.As(err, &resolveErr):
		return BuildStatusResolutionConflict
	case errors.As(err, &indexErr):
		return BuildStatusIndexFailure
	case errors.As(err, &fetchStage), errors.As(err, &fetchErr), errors.As(err, &verifyErr):
		return BuildStatusFetchFailure
	case errors.As(err, &policyErr):
		return BuildStatusPolicyViolation
	case errors.As(err, &configErr):
		return BuildStatusConfigurationIncomplete
	}

	// Unclassified errors take the status of the stage they failed in.
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage.FailureStatus()
	}
	return BuildStatusIndexFailure
}

// FailureStatus returns the status an unclassified failure in the stage
// produces.
func (s Stage) FailureStatus() BuildStatus {
	switch s {
	case StageResolve:
		return BuildStatusResolutionConflict
	case StagePolicy:
		return BuildStatusPolicyViolation
	case StageFetch:
		return BuildStatusFetchFailure
	case StagePlan:
		return BuildStatusPlanningConflict
	case StageStage, StageVerify:
		return BuildStatusStagingFailure
	case StagePromote:
		return BuildStatusPromotionFailure
	case StageConfigure, StageBootload:
		return BuildStatusConfigurationIncomplete
	default:
		return BuildStatusIndexFailure
	}
}

// Stage names a step of the build pipeline.
type Stage string

const (
	StageIndex     Stage = "index"
	StageResolve   Stage = "resolve"
	StagePolicy    Stage = "policy"
	StageFetch     Stage = "fetch"
	StagePlan      Stage = "plan"
	StageStage     Stage = "stage"
	StageVerify    Stage = "verify"
	StagePromote   Stage = "promote"
	StageConfigure Stage = "configure"
	StageBootload  Stage = "bootloader"
)

// EventType represents the type of event in the build timeline.
type EventType string

const (
	EventTypeBuildStarted   EventType = "build_started"
	EventTypeBuildCompleted EventType = "build_completed"
	EventTypeBuildFailed    EventType = "build_failed"
	EventTypeStageStarted   EventType = "stage_started"
	EventTypeStageCompleted EventType = "stage_completed"
	EventTypeStageFailed    EventType = "stage_failed"
	EventTypeArtifactCached EventType = "artifact_cached"
	EventTypeArtifactFailed EventType = "artifact_failed"
	EventTypeRolledBack     EventType = "rolled_back"
	EventTypeWarning        EventType = "warning"
	EventTypeInfo           EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeBuildFailed, EventTypeStageFailed, EventTypeArtifactFailed:
		return "error"
	case EventTypeWarning, EventTypeRolledBack:
		return "warning"
	default:
		return "info"
	}
}
