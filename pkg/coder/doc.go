// Package coder implements the control machine that drives one session:
// Route, Suggest, Generate, Execute, Classify and Terminated.
//
// A turn starts at Route (Submit) or at Generate (Resume after a Suggest
// suspension) and runs until the machine reaches Terminated or suspends at
// Suggest. Every transition is checkpointed through the session's
// state.Store before the machine advances, so a suspended session can be
// resumed by another process with only its id and the next task.
package coder
