/*
Package errdefs defines the typed error taxonomy shared by the resource
managers and the orchestrator.

Every failure a manager returns wraps exactly one of the sentinel categories
(connection, conflict, validation, timeout, rollback failure, state
corruption) so the orchestrator can decide between triggering rollback and
marking the cluster failed without inspecting error strings:

	if errdefs.IsConflict(err) {
		// surface immediately, never retry
	}

Categories compose with fmt.Errorf %w wrapping, so a manager may add context
at each layer while the classification survives errors.Is.
*/
package errdefs
