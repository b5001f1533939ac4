// Package errors provides the typed error taxonomy for sandbox-builder.
//
// # Kinds
//
// Every failure that crosses a component boundary carries a Kind:
//
//	KindProvisioning   sandbox create/reconnect failed (fatal for a generation)
//	KindAgentExecution coding agent session failed (files already synced are kept)
//	KindSync           one file could not be mirrored (logged, corrected by reconciliation)
//	KindVCS            branch/commit/PR/merge failed (a warning for generate)
//	KindNotFound       unknown sandbox, project, task or generation
//	KindConflict       merge conflict while combining task branches
//	KindInvalid        caller supplied a bad argument
//
// # Constructors
//
//	errors.Provisioning("create", err)
//	errors.NotFound("task", id)
//	errors.Conflict(taskID, err)
//
// # Inspecting
//
// Use KindOf or IsKind to classify an error chain:
//
//	if errors.IsKind(err, errors.KindNotFound) {
//	    http.Error(w, err.Error(), http.StatusNotFound)
//	}
package errors
