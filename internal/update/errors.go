package update

import "net/http"

// Error is a rejected or failed update trigger with a machine-readable code.
type Error struct {
	Code   string
	Status int
	msg    string
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrNoUpdateAvailable = &Error{Code: "NO_UPDATE_AVAILABLE", Status: http.StatusBadRequest, msg: "no update available"}
	ErrUpdateInProgress  = &Error{Code: "UPDATE_IN_PROGRESS", Status: http.StatusConflict, msg: "an update is already in progress"}
	ErrScriptMissing     = &Error{Code: "UPDATE_SCRIPT_MISSING", Status: http.StatusInternalServerError, msg: "update script is missing or not executable"}
)
