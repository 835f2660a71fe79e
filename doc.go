// Package conductor provides a playbook orchestrator: it schedules the steps
// of a dependency graph, checkpoints long-running interactive steps across
// phases and routes designated steps through human approval before they
// proceed.
//
// Playbooks are defined declaratively (YAML, or markdown with YAML
// frontmatter) and executed by pluggable service layers:
//
//   - scheduler  – readiness evaluation and step dispatch
//   - controller – execution of dispatched steps through a launcher
//   - approval   – human-in-the-loop decisions on parked steps
//   - dao        – run and step persistence (memory, filesystem, sqlite)
//
// Conductor is designed to be embedded in host applications. End-users
// typically interact via the high-level Service façade exposed by the root
// package:
//
//	srv, _ := conductor.New()
//	rt := srv.Runtime()
//	playbook, _ := rt.LoadPlaybook(ctx, "onboarding.yaml")
//	_, wait, _ := rt.StartRun(ctx, playbook, map[string]interface{}{"customerName": "ACME"})
//	out, _ := wait(time.Minute)
//
// For more details see the README and individual sub-packages.
package conductor
