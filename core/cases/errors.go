package cases

import (
	"errors"
	"net/http"
)

// Error is a rule violation with a dotted i18n code. The API writes Code as
// the response body and Status as the HTTP status; clients rebuild it from
// both.
type Error struct {
	Code   string
	Status int
}

func (e *Error) Error() string { return e.Code }

// Is matches on code so errors rebuilt from an HTTP response compare equal to
// the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound               = &Error{Code: "cases.notFound", Status: http.StatusNotFound}
	ErrTitleRequired          = &Error{Code: "cases.titleRequired", Status: http.StatusBadRequest}
	ErrStageTitleRequired     = &Error{Code: "cases.stageTitleRequired", Status: http.StatusBadRequest}
	ErrStatusInvalid          = &Error{Code: "cases.statusInvalid", Status: http.StatusBadRequest}
	ErrSeverityInvalid        = &Error{Code: "cases.severityInvalid", Status: http.StatusBadRequest}
	ErrCloseUseAction         = &Error{Code: "cases.closeUseAction", Status: http.StatusBadRequest}
	ErrVersionRequired        = &Error{Code: "cases.versionRequired", Status: http.StatusBadRequest}
	ErrConflictVersion        = &Error{Code: "cases.conflictVersion", Status: http.StatusConflict}
	ErrClosedReadOnly         = &Error{Code: "cases.closedReadOnly", Status: http.StatusConflict}
	ErrStageCompletedReadOnly = &Error{Code: "cases.stageCompletedReadOnly", Status: http.StatusConflict}
	ErrOverviewNoBlocks       = &Error{Code: "cases.overviewNoBlocks", Status: http.StatusConflict}
	ErrCannotDeleteOverview   = &Error{Code: "cases.cannotDeleteOverview", Status: http.StatusBadRequest}
	ErrContentTooLarge        = &Error{Code: "cases.contentTooLarge", Status: http.StatusRequestEntityTooLarge}
	ErrClosureStageExists     = &Error{Code: "cases.closureStageExists", Status: http.StatusBadRequest}
	ErrClosureStageMissing    = &Error{Code: "cases.closureStageMissing", Status: http.StatusBadRequest}
	ErrClosureStageAmbiguous  = &Error{Code: "cases.closureStageAmbiguous", Status: http.StatusBadRequest}
	ErrNoDecisions            = &Error{Code: "cases.noDecisions", Status: http.StatusBadRequest}
	ErrClosureStageNotDone    = &Error{Code: "cases.closureStageNotDone", Status: http.StatusBadRequest}
	ErrACLInvalid             = &Error{Code: "cases.aclInvalid", Status: http.StatusBadRequest}
)

var known = []*Error{
	ErrNotFound, ErrTitleRequired, ErrStageTitleRequired, ErrStatusInvalid, ErrSeverityInvalid,
	ErrCloseUseAction, ErrVersionRequired, ErrConflictVersion, ErrClosedReadOnly,
	ErrStageCompletedReadOnly, ErrOverviewNoBlocks, ErrCannotDeleteOverview, ErrContentTooLarge,
	ErrClosureStageExists, ErrClosureStageMissing, ErrClosureStageAmbiguous, ErrNoDecisions,
	ErrClosureStageNotDone, ErrACLInvalid,
}

// Lookup returns the error registered under code, or nil.
func Lookup(code string) *Error {
	for _, e := range known {
		if e.Code == code {
			return e
		}
	}
	return nil
}

// Code extracts the dotted code from err, or "" when err is not an *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
