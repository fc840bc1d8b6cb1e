// Package importer runs resumable imports of ETS project archives.
//
// A job moves through
//
//	analyzing -> waiting_for_input (0..n times) -> importing -> completed | failed | cancelled
//
// [Service.Start] registers the upload and analyzes it in the background.
// When the archive needs a project password or a keyring, the job parks in
// waiting_for_input with one [Requirement] per missing input and no goroutine
// is left behind. Each [Service.ProvideInput] call fills one requirement;
// the call that fulfills the last one resumes the import. A password that
// later proves wrong is un-fulfilled, its attempts are decremented and the
// job parks again.
//
// All job state lives in the [Registry]. Runs never keep state between
// suspensions: every resume rebuilds its [ImportContext] from the registry.
// Only the orchestrator writes terminal states, and a cancelled job never
// becomes completed or failed afterwards.
//
// Errors are mapped to user-facing messages with [MapError]:
//
//   - ARC001-ARC006: archive and project file errors
//   - KEY001-KEY002: keyring errors
//   - IMP001-IMP011: job lifecycle and input errors
package importer
