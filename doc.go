// Package dtester is a component-based test harness for distributed
// systems: long-lived suites and short-lived tests form a dependency
// graph that a scheduler brings up and tears down in order.
//
// The root package carries the process-lifecycle glue
// (RegisterAtExit/RunAtExit, InterruptibleContext) and the Run/Main
// entry points; the harness itself lives in the internal packages and
// is driven through internal/scheduler.
package dtester
