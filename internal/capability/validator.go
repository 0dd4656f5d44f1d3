// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package capability validates a task's resource/scope requirements
// against a node's capability token and current usage, independent of
// lease issuance so it can also back dry-run "would this fit" checks.
package capability

import "fmt"

// ErrorCode is the single top-level classification surfaced when
// validation fails. Order of precedence: Missing, Concurrency, GPUMinutes,
// GPUMemory, DataScope.
type ErrorCode string

const (
	ErrNone            ErrorCode = ""
	ErrCapabilityMissing ErrorCode = "CAPABILITY_MISSING"
	ErrResourceLimit     ErrorCode = "RESOURCE_LIMIT_EXCEEDED"
	ErrDataScope         ErrorCode = "DATA_SCOPE_VIOLATION"
)

// Limit is a single (resource, min, max, unit) requirement.
type Limit struct {
	Resource string
	Min      float64
	Max      float64
	Unit     string
}

// DataScope narrows a task to a project/classification/region set.
type DataScope struct {
	ProjectID      string
	Classification string
	Regions        []string
}

// Requirements is the task-side input to validation.
type Requirements struct {
	TaskID               string
	RequiredCapabilities []string
	Limits               []Limit
	DataScope            *DataScope
}

// Token is the node-side capability grant.
type Token struct {
	PeerID       string
	Capabilities map[string]struct{}
	Limits       map[string]float64
	DataScopes   map[string]struct{}
}

// NewToken builds a Token from plain slices/maps, for callers that don't
// want to build sets by hand.
func NewToken(peerID string, capabilities []string, limits map[string]float64, dataScopes []string) Token {
	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}
	scopeSet := make(map[string]struct{}, len(dataScopes))
	for _, s := range dataScopes {
		scopeSet[s] = struct{}{}
	}
	if limits == nil {
		limits = map[string]float64{}
	}
	return Token{PeerID: peerID, Capabilities: capSet, Limits: limits, DataScopes: scopeSet}
}

// Usage is the node's current resource consumption at validation time.
type Usage struct {
	ConcurrentTasks int
	GPUMinutesUsed  float64
}

// Violation describes a single failed check.
type Violation struct {
	Resource string
	Required float64
	Allowed  float64
	Unit     string
	Message  string
}

// Result is the outcome of Validate.
type Result struct {
	Valid                bool
	ErrorCode            ErrorCode
	ErrorMessage         string
	MissingCapabilities  []string
	ResourceViolations   []Violation
	ScopeViolations      []Violation
}

// Error adapts a failed Result into a Go error for ValidateAndRaise.
type Error struct {
	Code   ErrorCode
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability: %s: %s", e.Code, e.Result.ErrorMessage)
}

// Validate runs the ordered checks from spec §4.11 and returns a single
// Result; at most one ErrorCode is ever set, chosen in precedence order.
func Validate(req Requirements, token Token, usage Usage) Result {
	var missing []string
	for _, c := range req.RequiredCapabilities {
		if _, ok := token.Capabilities[c]; !ok {
			missing = append(missing, c)
		}
	}

	var resourceViolations []Violation

	if maxConcurrent, ok := token.Limits["max_concurrent_tasks"]; ok {
		if float64(usage.ConcurrentTasks) >= maxConcurrent {
			resourceViolations = append(resourceViolations, Violation{
				Resource: "concurrent_tasks",
				Required: float64(usage.ConcurrentTasks) + 1,
				Allowed:  maxConcurrent,
				Unit:     "count",
				Message:  "concurrent task limit reached",
			})
		}
	}

	for _, lim := range req.Limits {
		if lim.Resource == "gpu" && lim.Unit == "minutes" {
			if maxMinutes, ok := token.Limits["max_gpu_minutes"]; ok {
				remaining := maxMinutes - usage.GPUMinutesUsed
				if remaining < lim.Min {
					resourceViolations = append(resourceViolations, Violation{
						Resource: "gpu_minutes",
						Required: lim.Min,
						Allowed:  remaining,
						Unit:     "minutes",
						Message:  "insufficient remaining GPU minutes",
					})
				}
			}
		}
		if lim.Resource == "gpu_memory" && lim.Unit == "MB" {
			if maxMem, ok := token.Limits["max_gpu_memory_mb"]; ok {
				if maxMem < lim.Min {
					resourceViolations = append(resourceViolations, Violation{
						Resource: "gpu_memory_mb",
						Required: lim.Min,
						Allowed:  maxMem,
						Unit:     "MB",
						Message:  "insufficient GPU memory",
					})
				}
			}
		}
	}

	var scopeViolations []Violation
	if req.DataScope != nil && req.DataScope.ProjectID != "" {
		if _, ok := token.DataScopes[req.DataScope.ProjectID]; !ok {
			scopeViolations = append(scopeViolations, Violation{
				Resource: "data_scope",
				Message:  fmt.Sprintf("project %q not in token's data scopes", req.DataScope.ProjectID),
			})
		}
	}

	result := Result{
		MissingCapabilities: missing,
		ResourceViolations:  resourceViolations,
		ScopeViolations:     scopeViolations,
	}

	switch {
	case len(missing) > 0:
		result.ErrorCode = ErrCapabilityMissing
		result.ErrorMessage = fmt.Sprintf("missing capabilities: %v", missing)
	case len(resourceViolations) > 0:
		result.ErrorCode = ErrResourceLimit
		result.ErrorMessage = resourceViolations[0].Message
	case len(scopeViolations) > 0:
		result.ErrorCode = ErrDataScope
		result.ErrorMessage = scopeViolations[0].Message
	default:
		result.Valid = true
	}

	return result
}

// ValidateAndRaise runs Validate and maps a failing Result to a typed
// *Error, for callers that prefer exceptions-as-programmer-errors over
// inspecting Result.Valid themselves.
func ValidateAndRaise(req Requirements, token Token, usage Usage) (Result, error) {
	result := Validate(req, token, usage)
	if !result.Valid {
		return result, &Error{Code: result.ErrorCode, Result: result}
	}
	return result, nil
}
