// Package grievance implements the grievance workflow: submission through
// triage and routing, officer assignment, the status state machine and the
// append-only timeline ledger.
//
// Guards in lifecycle.go are pure functions. The Service evaluates them inside
// a Store unit of work so a rejected request never mutates state.
package grievance
